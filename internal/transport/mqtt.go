package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/tilt_bridge/internal/sample"
)

// ConnectMQTT connects to the broker with capped exponential backoff, so a
// broker that is still coming up on the same host does not fail the bridge
// immediately at boot.
func ConnectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID)

	client := mqtt.NewClient(opts)

	connect := func() error {
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			return token.Error()
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, fmt.Errorf("MQTT connect to %s: %w", broker, err)
	}
	log.Printf("connected to MQTT broker at %s", broker)

	return client, nil
}

// MQTTWriter publishes each frame line to a topic. The token wait is bounded
// by writeTimeout so a stalled broker can never hold a tick past its period.
type MQTTWriter struct {
	client       mqtt.Client
	topic        string
	writeTimeout time.Duration
	ownsClient   bool
}

func NewMQTTWriter(client mqtt.Client, topic string, writeTimeout time.Duration) *MQTTWriter {
	return &MQTTWriter{client: client, topic: topic, writeTimeout: writeTimeout}
}

// OpenMQTTWriter dials its own client and owns its disconnect.
func OpenMQTTWriter(broker, clientID, topic string, writeTimeout time.Duration) (*MQTTWriter, error) {
	client, err := ConnectMQTT(broker, clientID)
	if err != nil {
		return nil, err
	}
	return &MQTTWriter{client: client, topic: topic, writeTimeout: writeTimeout, ownsClient: true}, nil
}

func (w *MQTTWriter) WriteLine(line string) error {
	token := w.client.Publish(w.topic, 0, false, []byte(line))
	if !token.WaitTimeout(w.writeTimeout) {
		return fmt.Errorf("%w: mqtt publish to %s timed out after %s", ErrWriteFailed, w.topic, w.writeTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: mqtt publish to %s: %v", ErrWriteFailed, w.topic, err)
	}
	return nil
}

func (w *MQTTWriter) Close() error {
	if w.ownsClient {
		w.client.Disconnect(250)
	}
	return nil
}

// MQTTSampleSource delivers raw tilt samples published as JSON on a topic,
// e.g. by cmd/mock_sensor or a BLE gateway sidecar.
type MQTTSampleSource struct {
	client mqtt.Client
	topic  string
}

func NewMQTTSampleSource(client mqtt.Client, topic string) *MQTTSampleSource {
	return &MQTTSampleSource{client: client, topic: topic}
}

func (s *MQTTSampleSource) Subscribe(fn sample.Handler) error {
	token := s.client.Subscribe(s.topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var raw sample.RawSample
		if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
			log.Printf("tilt sample unmarshal error: %v", err)
			return
		}
		fn(raw)
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	log.Printf("subscribed to MQTT topic %s", s.topic)
	return nil
}

func (s *MQTTSampleSource) Close() error {
	token := s.client.Unsubscribe(s.topic)
	token.Wait()
	return token.Error()
}
