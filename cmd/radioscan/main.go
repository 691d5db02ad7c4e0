// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Command radioscan drives a network scan: it dwells on each spreading factor in turn,
// counts frames heard and their best RSSI, then reports the SF with the most traffic
// (spec §4.D). It is meshd's equivalent of the teacher's cmd/sx1276-sweep frequency
// sweeper, repurposed from a point-to-point calibration tool into the mesh's own
// SF-selection probe.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tve/lorameshd/adr"
)

var (
	configFile string
	dwell      time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "radioscan",
		Short: "scan all spreading factors and report which one hears the most traffic",
		RunE:  run,
	}
	root.Flags().StringVar(&configFile, "config", "radioscan.toml", "path to config file")
	root.Flags().DurationVar(&dwell, "dwell", adr.ScanDwell, "dwell time per spreading factor")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	logf := func(format string, v ...interface{}) { log.Debugf(format, v...) }

	var cfg Config
	if _, err := toml.DecodeFile(configFile, &cfg); err != nil {
		return fmt.Errorf("radioscan: cannot read config %s: %w", configFile, err)
	}

	drv, err := openRadio(cfg.Radio, logf)
	if err != nil {
		return err
	}
	defer drv.Close()

	heard := make(chan int, 64)
	drv.OnReceive(func(payload []byte, rssi int, snr float64) {
		select {
		case heard <- rssi:
		default:
		}
	})

	scanner := &adr.Scanner{SetSF: drv.SetSpreadingFactor}
	sfs := []adr.SF{adr.SF7, adr.SF8, adr.SF9, adr.SF10, adr.SF11, adr.SF12}
	results := make([]adr.ScanResult, 0, len(sfs))

	for _, sf := range sfs {
		log.Infof("scanning SF%d for %s...", sf, dwell)
		res := scanner.Dwell(sf, dwell, heard, time.Now)
		log.Infof("SF%d: %d frames, best rssi %d", res.SF, res.Frames, res.BestRSSI)
		results = append(results, res)
	}

	best := adr.Best(results)
	fmt.Printf("recommended spreading factor: SF%d\n", best)
	if err := drv.SetSpreadingFactor(best); err != nil {
		log.Warnf("cannot apply recommended spreading factor: %v", err)
	}
	return nil
}
