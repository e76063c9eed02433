package app

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/tilt_bridge/internal/conditioner"
	"github.com/relabs-tech/tilt_bridge/internal/config"
	"github.com/relabs-tech/tilt_bridge/internal/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// RunWeb subscribes to command telemetry and serves it over a JSON endpoint
// and a websocket live stream.
func RunWeb() error {
	cfg := config.Get()

	var (
		mu      sync.RWMutex
		lastCmd conditioner.CommandPair
		haveCmd bool
	)

	// 1) Connect to the MQTT broker
	client, err := transport.ConnectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDWeb)
	if err != nil {
		return err
	}

	// 2) Subscribe to the command topic and update lastCmd on each message
	token := client.Subscribe(cfg.TopicCommand, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var cmd conditioner.CommandPair
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			log.Printf("MQTT payload unmarshal error: %v", err)
			return
		}
		mu.Lock()
		lastCmd = cmd
		haveCmd = true
		mu.Unlock()
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("subscribed to MQTT topic %s", cfg.TopicCommand)

	// 3) JSON API endpoint: latest command pair
	http.HandleFunc("/api/command", func(w http.ResponseWriter, r *http.Request) {
		mu.RLock()
		defer mu.RUnlock()

		if !haveCmd {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(lastCmd); err != nil {
			log.Printf("json encode error: %v", err)
		}
	})

	// 4) Websocket live stream: latest command pushed at the emission rate
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for range ticker.C {
			mu.RLock()
			cmd, ok := lastCmd, haveCmd
			mu.RUnlock()
			if !ok {
				continue
			}
			if err := conn.WriteJSON(cmd); err != nil {
				return // client went away
			}
		}
	})

	// 5) Static files from ./web as the root
	fs := http.FileServer(http.Dir("web"))
	http.Handle("/", fs)

	addr := fmt.Sprintf(":%d", cfg.WebServerPort)
	log.Printf("web server listening on %s", addr)
	return http.ListenAndServe(addr, nil)
}
