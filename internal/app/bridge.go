// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/tilt_bridge/internal/bridge"
	"github.com/relabs-tech/tilt_bridge/internal/conditioner"
	"github.com/relabs-tech/tilt_bridge/internal/config"
	"github.com/relabs-tech/tilt_bridge/internal/sample"
	"github.com/relabs-tech/tilt_bridge/internal/transport"
)

// mockSampleInterval approximates the notification rate of the real sensor.
const mockSampleInterval = 40 * time.Millisecond

// RunBridge wires the whole pipeline from the global config and runs it
// until SIGINT/SIGTERM: sensor samples in, calibration window, then framed
// 10 Hz commands out to the actuator transport.
func RunBridge() error {
	log.Println("starting tilt-bridge")

	cfg := config.Get()

	cond := conditioner.New(conditioner.Params{
		XScale:   cfg.XScale,
		ZScale:   cfg.ZScale,
		Deadzone: cfg.Deadzone,
		Expo:     cfg.Expo,
		InvertX:  cfg.InvertX,
		InvertZ:  cfg.InvertZ,
	})

	// ---- 1) Sample source (and telemetry client when a broker is configured) ----
	var client mqtt.Client
	var src sample.Source

	if cfg.MQTTBroker != "" {
		var err error
		client, err = transport.ConnectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDBridge)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		src = transport.NewMQTTSampleSource(client, cfg.TopicTiltRaw)
	} else {
		log.Println("no MQTT_BROKER configured, using mock tilt source")
		src = sample.NewMockSource(mockSampleInterval)
	}

	// ---- 2) Actuator transport ----
	writer, err := openWriter(cfg, client)
	if err != nil {
		return err
	}
	defer writer.Close()

	// ---- 3) Command telemetry for console/web subscribers ----
	// Published without waiting on the token; telemetry must never hold a tick.
	var onEmit func(conditioner.CommandPair)
	if client != nil {
		onEmit = func(cmd conditioner.CommandPair) {
			payload, err := json.Marshal(cmd)
			if err != nil {
				log.Printf("command telemetry marshal error: %v", err)
				return
			}
			client.Publish(cfg.TopicCommand, 0, true, payload)
		}
	}

	b := bridge.New(bridge.Options{
		Conditioner:       cond,
		Source:            src,
		Writer:            writer,
		CalibrationWindow: time.Duration(cfg.CalibrationWindowMS) * time.Millisecond,
		OnEmit:            onEmit,
	})

	// Tear the pipeline down as a unit on Ctrl+C
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down")
		cancel()
	}()

	log.Printf("streaming commands every %s, Ctrl+C to quit", bridge.TickPeriod)
	return b.Run(ctx)
}

// openWriter builds the configured actuator line writer. Per-write blocking
// is bounded by the tick period on every transport that can stall.
func openWriter(cfg *config.Config, client mqtt.Client) (transport.LineWriter, error) {
	switch cfg.Transport {
	case "serial":
		return transport.OpenSerial(cfg.SerialPort, cfg.SerialBaud)
	case "tcp":
		return transport.DialTCP(cfg.TCPAddr, bridge.TickPeriod)
	case "mqtt":
		if client == nil {
			return nil, fmt.Errorf("mqtt transport requires MQTT_BROKER")
		}
		return transport.NewMQTTWriter(client, cfg.TopicActuator, bridge.TickPeriod), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
