// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package main

// Config is radioscan's TOML configuration, the single-radio subset of meshd's Config: one
// radio interface to scan, no node identity or telemetry needed.
type Config struct {
	Radio RadioConfig
}

// RadioConfig mirrors cmd/meshd's RadioConfig (same openRadio call), duplicated here rather
// than imported since the two commands' config files are independent artifacts.
type RadioConfig struct {
	Type    string
	SpiBus  int    `toml:"spi_bus"`
	SpiCS   int    `toml:"spi_cs"`
	IntrPin string `toml:"intr_pin"`
	Freq    int
	Sync    string
	Rate    string
	Power   int
}
