// Package connectivitytest provides an in-memory Transport for tests.
package connectivitytest

import (
	"context"
	"errors"
	"sync"
	"time"

	"liyu1981.xyz/medipi-dispenser/pkg/connectivity"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

var ErrBrokerDown = errors.New("broker unreachable")

type Transport struct {
	mu          sync.Mutex
	reachable   bool
	connected   bool
	failPublish int
	connects    int
	published   []models.PendingMessage
	subscribed  map[string]byte
	onMessage   connectivity.MessageHandler
	onLost      func(error)
}

func NewTransport(reachable bool) *Transport {
	return &Transport{reachable: reachable}
}

func (t *Transport) SetReachable(reachable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reachable = reachable
}

// FailNextPublishes makes the next n publishes fail.
func (t *Transport) FailNextPublishes(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failPublish = n
}

func (t *Transport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if !t.reachable {
		return ErrBrokerDown
	}
	t.connected = true
	return nil
}

func (t *Transport) Disconnect(time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
}

func (t *Transport) Publish(topic string, qos byte, retain bool, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return connectivity.ErrNotConnected
	}
	if t.failPublish > 0 {
		t.failPublish--
		return errors.New("publish rejected")
	}
	t.published = append(t.published, models.PendingMessage{Topic: topic, Payload: payload, QoS: qos, Retain: retain})
	return nil
}

func (t *Transport) Subscribe(filters map[string]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribed = filters
	return nil
}

func (t *Transport) SetHandlers(onMessage connectivity.MessageHandler, onLost func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = onMessage
	t.onLost = onLost
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Drop simulates the broker going away under an established connection.
func (t *Transport) Drop() {
	t.mu.Lock()
	t.connected = false
	t.reachable = false
	onLost := t.onLost
	t.mu.Unlock()

	if onLost != nil {
		onLost(ErrBrokerDown)
	}
}

// Deliver simulates an inbound message from the hub.
func (t *Transport) Deliver(topic string, payload []byte, duplicate bool) {
	t.mu.Lock()
	onMessage := t.onMessage
	t.mu.Unlock()

	if onMessage != nil {
		onMessage(topic, payload, duplicate)
	}
}

func (t *Transport) Published() []models.PendingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.PendingMessage(nil), t.published...)
}

func (t *Transport) PublishedTo(topic string) []models.PendingMessage {
	var out []models.PendingMessage
	for _, m := range t.Published() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (t *Transport) Subscribed() map[string]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribed
}

func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}
