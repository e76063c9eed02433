// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"log"

	"github.com/relabs-tech/tilt_bridge/internal/config"
	"github.com/relabs-tech/tilt_bridge/internal/sample"
	"github.com/relabs-tech/tilt_bridge/internal/transport"
)

// RunMockSensor publishes synthetic tilt samples to the raw topic so the
// bridge, console and web can be exercised without sensor hardware.
func RunMockSensor() error {
	log.Println("starting tilt-bridge mock sensor publisher")

	cfg := config.Get()

	client, err := transport.ConnectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDSensor)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	src := sample.NewMockSource(mockSampleInterval)
	defer src.Close()

	err = src.Subscribe(func(s sample.RawSample) {
		payload, err := json.Marshal(s)
		if err != nil {
			log.Printf("json marshal error: %v", err)
			return
		}

		token := client.Publish(cfg.TopicTiltRaw, 0, false, payload)
		token.Wait()
		if token.Error() != nil {
			log.Printf("MQTT publish error: %v", token.Error())
		}
	})
	if err != nil {
		return err
	}

	log.Printf("publishing mock tilt samples to %s, Ctrl+C to quit", cfg.TopicTiltRaw)
	select {} // deliver until killed
}
