// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package bridge implements the optional MQTT gateway: a secondary, external-only transport
// that mirrors mesh application traffic onto an MQTT broker (spec.md §1 names the mesh itself
// as the only normative transport; bridging it to MQTT is peripheral plumbing, not a mesh
// operation). It adapts the teacher's cmd/mqttradio/mqtt.go "mq" type: same reconnect-resilient
// client construction, same de-dup-by-hash trick to stop a message this node published from
// being re-delivered to itself when its own subscription echoes back.
package bridge

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tve/lorameshd/proto"
)

// Config bundles the broker connection parameters.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string
}

// LogPrintf is the logging hook, matching every other package's convention.
type LogPrintf func(format string, v ...interface{})

// RxMessage is the JSON envelope published for a frame received off the mesh.
type RxMessage struct {
	Source  proto.Addr `json:"source"`
	RSSI    int        `json:"rssi"`
	SNR     float64    `json:"snr"`
	Payload []byte     `json:"payload"`
}

// TxMessage is the JSON envelope expected on the tx topic, for an external client asking the
// bridge to inject a mesh send.
type TxMessage struct {
	Dest    proto.Addr `json:"dest"`
	Payload []byte     `json:"payload"`
	AckReq  bool       `json:"ack_req"`
}

// SendFunc hands a bridge-originated send request to the node.
type SendFunc func(dest proto.Addr, payload []byte, ackReq bool) error

// Bridge owns one broker connection, publishing received mesh frames and relaying inbound
// tx requests, with self-published de-dup the way the teacher's mq type does it.
type Bridge struct {
	conn mqtt.Client
	log  LogPrintf

	rxTopic string
	txTopic string

	send SendFunc

	dedupMu sync.Mutex
	dedup   map[uint64]time.Time
}

// New connects to the broker named by cfg and returns a running Bridge. The connection is
// configured to auto-reconnect and the client resubscribes to its tx topic on every
// (re)connection, the same resilience the teacher's newMQ/gc pair provides.
func New(cfg Config, topicPrefix string, send SendFunc, logf LogPrintf) (*Bridge, error) {
	b := &Bridge{
		log:     logf,
		rxTopic: topicPrefix + "/rx",
		txTopic: topicPrefix + "/tx",
		send:    send,
		dedup:   make(map[uint64]time.Time),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			if token := c.Subscribe(b.txTopic, 1, b.onTx); token.WaitTimeout(5*time.Second) && token.Error() != nil {
				b.logf("bridge: resubscribe to %s failed: %v", b.txTopic, token.Error())
			}
		})
	opts.ClientID = cfg.ClientID
	if opts.ClientID == "" {
		opts.ClientID = "lorameshd"
	}
	opts.Username = cfg.User
	opts.Password = cfg.Password

	conn := mqtt.NewClient(opts)
	if token := conn.Connect(); !token.WaitTimeout(10 * time.Second) {
		return nil, token.Error()
	}
	b.conn = conn

	go b.gc()
	b.logf("bridge: connected to %s:%d, rx=%s tx=%s", cfg.Host, cfg.Port, b.rxTopic, b.txTopic)
	return b, nil
}

func (b *Bridge) logf(format string, v ...interface{}) {
	if b.log != nil {
		b.log(format, v...)
	}
}

// gc periodically drops de-dup entries older than a few minutes: anything still present that
// long was never echoed back, meaning there's no local subscriber to match it against.
func (b *Bridge) gc() {
	for range time.Tick(time.Minute) {
		cutoff := time.Now().Add(-10 * time.Minute)
		b.dedupMu.Lock()
		for h, t := range b.dedup {
			if t.Before(cutoff) {
				delete(b.dedup, h)
			}
		}
		b.dedupMu.Unlock()
	}
}

// PublishRx mirrors a received mesh frame onto the broker.
func (b *Bridge) PublishRx(msg RxMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logf("bridge: cannot encode rx message: %v", err)
		return
	}
	b.conn.Publish(b.rxTopic, 1, false, payload)

	b.dedupMu.Lock()
	b.dedup[hashMessage(b.rxTopic, string(payload))] = time.Now()
	b.dedupMu.Unlock()
}

// onTx handles a message arriving on the tx topic, the inbound half of the gateway.
func (b *Bridge) onTx(c mqtt.Client, m mqtt.Message) {
	payload := m.Payload()

	hash := hashMessage(m.Topic(), string(payload))
	b.dedupMu.Lock()
	_, dup := b.dedup[hash]
	delete(b.dedup, hash)
	b.dedupMu.Unlock()
	if dup {
		return
	}

	var tx TxMessage
	if err := json.Unmarshal(payload, &tx); err != nil {
		b.logf("bridge: cannot decode tx message: %v", err)
		return
	}
	if b.send == nil {
		return
	}
	if err := b.send(tx.Dest, tx.Payload, tx.AckReq); err != nil {
		b.logf("bridge: send to %s failed: %v", tx.Dest, err)
	}
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	if b.conn != nil {
		b.conn.Disconnect(250)
	}
}

func hashMessage(s ...string) uint64 {
	key := strings.Join(s, "ǂ")
	h := fnv.New64()
	h.Write([]byte(key))
	return h.Sum64()
}
