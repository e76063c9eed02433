package main

import (
	"log"

	"github.com/relabs-tech/tilt_bridge/internal/app"
	"github.com/relabs-tech/tilt_bridge/internal/config"
)

func main() {
	log.Println("starting tilt-bridge mock sensor (MQTT publisher)")

	if err := config.InitGlobal("bridge_config.txt"); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunMockSensor(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
