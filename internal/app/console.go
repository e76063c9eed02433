package app

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/tilt_bridge/internal/conditioner"
	"github.com/relabs-tech/tilt_bridge/internal/config"
	"github.com/relabs-tech/tilt_bridge/internal/frame"
	"github.com/relabs-tech/tilt_bridge/internal/sample"
	"github.com/relabs-tech/tilt_bridge/internal/transport"
)

// RunConsole subscribes to the bridge telemetry topics and prints live
// values, including the motor mix the actuator will compute from each frame.
func RunConsole() error {
	cfg := config.Get()

	client, err := transport.ConnectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDConsole)
	if err != nil {
		return err
	}

	// Subscribe to conditioned commands
	cmdToken := client.Subscribe(cfg.TopicCommand, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var cmd conditioner.CommandPair
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			log.Printf("console: command unmarshal error: %v", err)
			return
		}

		left, right := frame.Mix(cmd)
		fmt.Printf(
			"[CMD ]  THR=%+.2f  STEER=%+.2f  ->  L=%6.1f R=%6.1f\n",
			cmd.Throttle, cmd.Steer, left, right,
		)
	})
	cmdToken.Wait()
	if cmdToken.Error() != nil {
		return cmdToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicCommand)

	// Subscribe to raw tilt samples
	rawToken := client.Subscribe(cfg.TopicTiltRaw, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var s sample.RawSample
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			log.Printf("console: tilt unmarshal error: %v", err)
			return
		}

		fmt.Printf("[TILT]  ROLL=%7.2f  PITCH=%7.2f\n", s.Roll, s.Pitch)
	})
	rawToken.Wait()
	if rawToken.Error() != nil {
		return rawToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicTiltRaw)

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}
