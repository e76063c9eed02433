package config

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ErrInvalid is wrapped by every validation failure so callers can detect a
// bad configuration with errors.Is before any ticking starts.
var ErrInvalid = errors.New("configuration invalid")

// Config holds all application configuration values.
type Config struct {
	// Axis shaping (user-facing feel knobs)
	XScale   float64 // steering sensitivity scale, bigger = less sensitive
	ZScale   float64 // throttle sensitivity scale, bigger = less sensitive
	Deadzone float64 // center deadzone, [0, 1)
	Expo     float64 // power curve exponent, 1.0 = linear, >1 = softer center
	InvertX  bool    // invert steering axis
	InvertZ  bool    // invert throttle axis

	// Calibration
	CalibrationWindowMS int // zero-bias capture window, milliseconds

	// Actuator transport
	Transport  string // "serial", "mqtt" or "tcp"
	SerialPort string
	SerialBaud int
	TCPAddr    string

	// MQTT
	MQTTBroker          string
	MQTTClientIDBridge  string
	MQTTClientIDConsole string
	MQTTClientIDWeb     string
	MQTTClientIDSensor  string

	// Topics
	TopicTiltRaw  string
	TopicCommand  string
	TopicActuator string

	// Web Server
	WebServerPort int
}

// Package-level unexported variables for singleton pattern:
//   - globalConfig: unexported (lowercase) so other packages cannot access it directly.
//     This enforces encapsulation and prevents external code from modifying config without proper locking.
//   - configOnce: ensures InitGlobal() only runs once, even if called multiple times.
//   - configMu: RWMutex protects concurrent access. Write lock (Lock) for initialization,
//     read lock (RLock) for Get() allows multiple concurrent readers without blocking each other.
//
// External code must use InitGlobal() to set and Get() to read, ensuring thread safety.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// defaults returns a Config pre-filled with bench-tested values, so a minimal
// config file only has to name the transport endpoint.
func defaults() *Config {
	return &Config{
		XScale:              30.0,
		ZScale:              30.0,
		Deadzone:            0.10,
		Expo:                1.4,
		CalibrationWindowMS: 500,
		Transport:           "serial",
		SerialBaud:          115200,
		TopicTiltRaw:        "bridge/tilt/raw",
		TopicCommand:        "bridge/command",
		TopicActuator:       "bridge/actuator",
		MQTTClientIDBridge:  "tilt-bridge",
		MQTTClientIDConsole: "tilt-bridge-console",
		MQTTClientIDWeb:     "tilt-bridge-web",
		MQTTClientIDSensor:  "tilt-bridge-mock-sensor",
		WebServerPort:       8080,
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := defaults()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// Axis shaping
	case "X_SCALE":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid X_SCALE %q: %w", value, err)
		}
		c.XScale = v
	case "Z_SCALE":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid Z_SCALE %q: %w", value, err)
		}
		c.ZScale = v
	case "DEADZONE":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid DEADZONE %q: %w", value, err)
		}
		c.Deadzone = v
	case "EXPO":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid EXPO %q: %w", value, err)
		}
		c.Expo = v
	case "INVERT_X":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid INVERT_X %q: %w", value, err)
		}
		c.InvertX = v
	case "INVERT_Z":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid INVERT_Z %q: %w", value, err)
		}
		c.InvertZ = v

	// Calibration
	case "CALIBRATION_WINDOW_MS":
		ms, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid CALIBRATION_WINDOW_MS %q: %w", value, err)
		}
		c.CalibrationWindowMS = ms

	// Actuator transport
	case "TRANSPORT":
		c.Transport = value
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD":
		baud, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid SERIAL_BAUD %q: %w", value, err)
		}
		c.SerialBaud = baud
	case "TCP_ADDR":
		c.TCPAddr = value

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_BRIDGE":
		c.MQTTClientIDBridge = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value
	case "MQTT_CLIENT_ID_SENSOR":
		c.MQTTClientIDSensor = value

	// Topics
	case "TOPIC_TILT_RAW":
		c.TopicTiltRaw = value
	case "TOPIC_COMMAND":
		c.TopicCommand = value
	case "TOPIC_ACTUATOR":
		c.TopicActuator = value

	// Web Server
	case "WEB_SERVER_PORT":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid WEB_SERVER_PORT %q: %w", value, err)
		}
		c.WebServerPort = port

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

// Validate checks the shaping parameters against their allowed ranges and the
// per-transport required fields. All failures wrap ErrInvalid and abort
// startup before any command is ever emitted.
func (c *Config) Validate() error {
	if c.XScale <= 0 || math.IsInf(c.XScale, 0) || math.IsNaN(c.XScale) {
		return fmt.Errorf("%w: X_SCALE must be a finite value > 0, got %v", ErrInvalid, c.XScale)
	}
	if c.ZScale <= 0 || math.IsInf(c.ZScale, 0) || math.IsNaN(c.ZScale) {
		return fmt.Errorf("%w: Z_SCALE must be a finite value > 0, got %v", ErrInvalid, c.ZScale)
	}
	if c.Deadzone < 0 || c.Deadzone >= 1 || math.IsNaN(c.Deadzone) {
		return fmt.Errorf("%w: DEADZONE must be in [0, 1), got %v", ErrInvalid, c.Deadzone)
	}
	if c.Expo < 1.0 || math.IsInf(c.Expo, 0) || math.IsNaN(c.Expo) {
		return fmt.Errorf("%w: EXPO must be a finite value >= 1.0, got %v", ErrInvalid, c.Expo)
	}
	if c.CalibrationWindowMS <= 0 {
		return fmt.Errorf("%w: CALIBRATION_WINDOW_MS must be > 0, got %d", ErrInvalid, c.CalibrationWindowMS)
	}

	switch c.Transport {
	case "serial":
		if c.SerialPort == "" {
			return fmt.Errorf("%w: SERIAL_PORT is required for serial transport", ErrInvalid)
		}
		if c.SerialBaud <= 0 {
			return fmt.Errorf("%w: SERIAL_BAUD must be > 0, got %d", ErrInvalid, c.SerialBaud)
		}
	case "mqtt":
		if c.MQTTBroker == "" {
			return fmt.Errorf("%w: MQTT_BROKER is required for mqtt transport", ErrInvalid)
		}
	case "tcp":
		if c.TCPAddr == "" {
			return fmt.Errorf("%w: TCP_ADDR is required for tcp transport", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: TRANSPORT must be serial, mqtt or tcp, got %q", ErrInvalid, c.Transport)
	}

	return nil
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
// This is the only function that can set globalConfig.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
