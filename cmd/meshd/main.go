// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Command meshd is the mesh node daemon: it loads a TOML config (replacing the teacher's
// cmd/mqttradio/main.go flag-based entry point with a cobra root command, the same structure
// cmd/radioscan uses), wires up radio interfaces, persistent storage, telemetry sampling, the
// operator command surface, and an optional MQTT bridge, then runs the node scheduler loop.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tve/lorameshd/bridge"
	"github.com/tve/lorameshd/control"
	"github.com/tve/lorameshd/crypto"
	"github.com/tve/lorameshd/devices"
	"github.com/tve/lorameshd/group"
	"github.com/tve/lorameshd/max31855"
	"github.com/tve/lorameshd/neighbor"
	"github.com/tve/lorameshd/node"
	"github.com/tve/lorameshd/proto"
	"github.com/tve/lorameshd/radio"
	"github.com/tve/lorameshd/store"
	"github.com/tve/lorameshd/telemetry"
)

var (
	configFile string
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:   "meshd",
		Short: "LoRa mesh node daemon",
		RunE:  run,
	}
	root.Flags().StringVar(&configFile, "config", "meshd.toml", "path to config file")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	logf := func(format string, v ...interface{}) { log.Debugf(format, v...) }

	var cfg Config
	if _, err := toml.DecodeFile(configFile, &cfg); err != nil {
		return fmt.Errorf("meshd: cannot read config %s: %w", configFile, err)
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	keys, err := loadOrCreateIdentity(cfg)
	if err != nil {
		return err
	}
	self := proto.Addr(cfg.Self)
	if self == 0 {
		self = proto.Addr(crypto.DeriveNodeAddr(nil, keys.LongTermPublic))
		log.Infof("derived node address %s from identity", self)
	}

	reg := newMetrics()

	drivers := make(map[neighbor.Interface]radio.Driver)
	var mq *bridge.Bridge // set below once node.Context exists, read by DeliverApp thereafter
	var ctx *node.Context
	ctx, err = node.New(node.Config{
		Self:      self,
		Keys:      keys,
		ChannelID: cfg.ChannelID,
		Log:       logf,
		Send: func(frame []byte) {
			// Broadcast on every configured radio; a real multi-radio gateway would
			// select by destination's last-known interface, but the neighbor table
			// already biases route selection toward the best interface per peer.
			for _, d := range drivers {
				if err := d.Send(frame); err != nil {
					log.Warnf("send failed: %v", err)
				}
			}
		},
		DeliverApp: func(source proto.Addr, payload []byte) {
			log.Infof("app data from %s: %q", source, payload)
			if mq != nil {
				mq.PublishRx(bridge.RxMessage{Source: source, Payload: payload})
			}
		},
	})
	if err != nil {
		return fmt.Errorf("meshd: cannot build node: %w", err)
	}
	ctx.DeliverGroupApp = func(groupID uint32, sender proto.Addr, payload []byte) {
		log.Infof("group %08x message from %s: %q", groupID, sender, payload)
	}

	for _, rc := range cfg.Radio {
		drv, iface, err := openRadio(rc, logf)
		if err != nil {
			return err
		}
		drivers[iface] = drv
		drv.OnReceive(func(payload []byte, rssi int, snr float64) {
			select {
			case ctx.RxQueue <- node.RawFrame{Data: payload, Iface: iface, RSSI: rssi, SNR: snr}:
			default:
				log.Warn("rx queue full, dropping frame")
			}
		})
	}

	sampler := telemetry.NewSampler(0)
	for _, tc := range cfg.Telemetry {
		src, err := openTelemetrySource(tc)
		if err != nil {
			return err
		}
		if tc.Interval > 0 {
			sampler.Interval = time.Duration(tc.Interval) * time.Second
		}
		sampler.Register(tc.Channel, src)
	}

	if cfg.Mqtt != nil {
		mq, err = bridge.New(bridge.Config{
			Host: cfg.Mqtt.Host, Port: cfg.Mqtt.Port,
			User: cfg.Mqtt.User, Password: cfg.Mqtt.Password,
		}, cfg.Mqtt.TopicPrefix, func(dest proto.Addr, payload []byte, ackReq bool) error {
			_, err := ctx.SendData(dest, payload, ackReq, false)
			return err
		}, logf)
		if err != nil {
			return fmt.Errorf("meshd: cannot start mqtt bridge: %w", err)
		}
		defer mq.Close()
	}

	dispatcher := control.NewDispatcher()
	control.RegisterNodeCommands(dispatcher, ctx)
	go runControlConsole(dispatcher, log)

	keysFile := store.Keys(cfg.Store.Dir)
	groupsFile := store.Groups(cfg.Store.Dir)
	if err := restoreGroups(ctx, groupsFile); err != nil {
		log.Warnf("cannot restore groups: %v", err)
	}
	defer persistIdentity(keysFile, keys)
	defer persistGroups(groupsFile, ctx.Groups)

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(":9120", nil); err != nil {
			log.Warnf("metrics server exited: %v", err)
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-sigCtx.Done():
				return
			case now := <-tick.C:
				if sampler.Due(now) {
					payload := sampler.Sample(now)
					if len(payload) > 0 {
						ctx.SendData(proto.AddrBroadcast, payload, false, false)
					}
				}
				reg.neighbors.Set(float64(ctx.Neighbors.Len()))
				reg.outstanding.Set(float64(ctx.Delivery.Outstanding()))
			}
		}
	}()

	log.Infof("meshd ready: self=%s channel=%d", self, cfg.ChannelID)
	ctx.Run(sigCtx)
	return nil
}

type metrics struct {
	neighbors   prometheus.Gauge
	outstanding prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		neighbors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lorameshd_neighbors", Help: "current neighbor table size",
		}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lorameshd_outstanding_deliveries", Help: "packets awaiting acknowledgement",
		}),
	}
	prometheus.MustRegister(m.neighbors, m.outstanding)
	return m
}

func loadOrCreateIdentity(cfg Config) (*crypto.Keys, error) {
	f := store.Keys(cfg.Store.Dir)
	records, err := f.Load()
	if err != nil {
		return nil, fmt.Errorf("meshd: cannot load identity: %w", err)
	}
	for _, r := range records {
		if r.Key == "identity" && len(r.Value) >= 8+32+32+32+8 {
			return decodeIdentity(r.Value), nil
		}
	}

	keys, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if cfg.Identity.Passphrase != "" {
		keys.SetNetworkKeyPassphrase(cfg.Identity.Passphrase)
	}
	if err := persistIdentity(f, keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func persistIdentity(f *store.File, keys *crypto.Keys) error {
	return f.Replace([]store.Record{{Key: "identity", Value: encodeIdentity(keys)}})
}

func encodeIdentity(k *crypto.Keys) []byte {
	buf := make([]byte, 0, 32*4+8)
	buf = append(buf, k.LongTermPrivate[:]...)
	buf = append(buf, k.X25519Private[:]...)
	buf = append(buf, k.X25519Public[:]...)
	buf = append(buf, k.NetworkKey[:]...)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], k.NonceCtr)
	return append(buf, ctr[:]...)
}

func decodeIdentity(b []byte) *crypto.Keys {
	k := &crypto.Keys{}
	copy(k.LongTermPrivate[:], b[0:32])
	copy(k.X25519Private[:], b[32:64])
	copy(k.X25519Public[:], b[64:96])
	copy(k.NetworkKey[:], b[96:128])
	k.NonceCtr = binary.BigEndian.Uint64(b[128:136])
	return k
}

func restoreGroups(ctx *node.Context, f *store.File) error {
	records, err := f.Load()
	if err != nil {
		return err
	}
	for _, r := range records {
		if len(r.Value) < 32 {
			continue
		}
		var key [32]byte
		copy(key[:], r.Value[:32])
		admin := len(r.Value) > 32 && r.Value[32] != 0
		g, err := group.New(r.Key, key, admin)
		if err != nil {
			continue
		}
		ctx.Groups[g.ID] = g
	}
	return nil
}

func persistGroups(f *store.File, groups map[uint32]*group.Group) error {
	records := make([]store.Record, 0, len(groups))
	for _, g := range groups {
		val := append(append([]byte{}, g.Key[:]...), boolByte(g.Admin))
		records = append(records, store.Record{Key: g.Name, Value: val})
	}
	return f.Replace(records)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// openSPI opens the SPI bus a telemetry sensor is wired to. The bus/chip-select numbers are
// carried in TelemetryConfig for documentation and future multi-bus support, but the current
// embd-backed shim (devices.NewSPI) only ever opens the one bus it's compiled for.
func openSPI(bus, cs int) devices.SPI {
	return devices.NewSPI()
}

func openTelemetrySource(tc TelemetryConfig) (telemetry.Source, error) {
	switch tc.Type {
	case "max31855":
		dev, err := max31855.New(openSPI(tc.SpiBus, tc.SpiCS))
		if err != nil {
			return nil, fmt.Errorf("meshd: cannot init thermocouple on channel %d: %w", tc.Channel, err)
		}
		return telemetry.ThermocoupleSource{Dev: dev}, nil
	default:
		return nil, fmt.Errorf("meshd: unknown telemetry source type %q", tc.Type)
	}
}

// runControlConsole serves the operator command dispatcher over stdin/stdout, a minimal local
// console in place of the pairing-protected byte channel a production host would attach to.
func runControlConsole(d *control.Dispatcher, log *logrus.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		reply, err := d.Execute(scanner.Text())
		if err != nil {
			log.Warnf("command error: %v", err)
			continue
		}
		fmt.Println(reply)
	}
}
