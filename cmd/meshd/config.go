// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package main

// Config is the TOML configuration file layout for meshd, following the teacher's
// cmd/mqttradio/main.go Config/RadioConfig struct-tag style.
type Config struct {
	Debug     bool
	Self      uint32
	ChannelID byte `toml:"channel_id"`

	Identity IdentityConfig
	Store    StoreConfig
	Radio    []RadioConfig
	Mqtt     *MqttConfig
	Telemetry []TelemetryConfig
}

// IdentityConfig names where node key material is kept and, for first boot, how to seed the
// network key.
type IdentityConfig struct {
	KeyFile    string `toml:"key_file"`
	Passphrase string // if set and no identity exists yet, derives the network key from this
}

// StoreConfig names the directory holding the persistent key/group/history store.
type StoreConfig struct {
	Dir string
}

// RadioConfig describes one radio interface, mirroring the teacher's RadioConfig but trimmed
// to what the mesh driver adapters (radio.NewLoRaAdapter/NewFSKAdapter/NewLoopbackPair) need.
type RadioConfig struct {
	Type       string // "lora.sx1276", "fsk.sx1231", or "loopback" (dev/testing, no hardware)
	SpiBus     int    `toml:"spi_bus"`
	SpiCS      int    `toml:"spi_cs"`
	IntrPin    string `toml:"intr_pin"`
	Freq       int
	Sync       string
	Rate       string
	Power      int
}

// MqttConfig bridges the mesh onto an MQTT broker (bridge package), optional.
type MqttConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	TopicPrefix string `toml:"topic_prefix"`
}

// TelemetryConfig registers one sensor channel for periodic sampling.
type TelemetryConfig struct {
	Channel  byte
	Type     string // "max31855"
	SpiBus   int    `toml:"spi_bus"`
	SpiCS    int    `toml:"spi_cs"`
	Interval int    // seconds
}
