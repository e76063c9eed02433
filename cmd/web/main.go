// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"log"

	"github.com/relabs-tech/tilt_bridge/internal/app"
	"github.com/relabs-tech/tilt_bridge/internal/config"
)

func main() {
	log.Println("starting tilt-bridge web server (MQTT subscriber)")

	// Load configuration
	if err := config.InitGlobal("bridge_config.txt"); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Println("Note: live data requires the bridge to be running (./bridge)")

	if err := app.RunWeb(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
