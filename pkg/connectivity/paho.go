package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
)

type PahoConfig struct {
	BrokerURL      string
	ClientID       string
	Keepalive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	WillTopic      string
	WillPayload    []byte
	WillQoS        byte
}

// PahoTransport is the hub link. Reconnection is driven by Manager, so the
// client's own auto-reconnect stays off.
type PahoTransport struct {
	client  mqtt.Client
	timeout time.Duration

	mu      sync.RWMutex
	onLost  func(error)
	inbound MessageHandler
}

func NewPahoTransport(cfg PahoConfig) *PahoTransport {
	t := &PahoTransport{timeout: cfg.PublishTimeout}
	if t.timeout <= 0 {
		t.timeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(false).
		SetKeepAlive(cfg.Keepalive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	if cfg.WillTopic != "" {
		opts.SetBinaryWill(cfg.WillTopic, cfg.WillPayload, cfg.WillQoS, true)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.mu.RLock()
		onLost := t.onLost
		t.mu.RUnlock()
		if onLost != nil {
			onLost(err)
		}
	})

	// a persistent session may deliver queued messages before Subscribe
	// registers its routes
	opts.SetDefaultPublishHandler(t.dispatch)

	t.client = mqtt.NewClient(opts)
	return t
}

func (t *PahoTransport) Connect(ctx context.Context) error {
	token := t.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *PahoTransport) Disconnect(quiesce time.Duration) {
	t.client.Disconnect(uint(quiesce.Milliseconds()))
}

func (t *PahoTransport) Publish(topic string, qos byte, retain bool, payload []byte) error {
	if !t.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := t.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(t.timeout) {
		return fmt.Errorf("publish to %s: timed out after %s", topic, t.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (t *PahoTransport) Subscribe(filters map[string]byte) error {
	token := t.client.SubscribeMultiple(filters, t.dispatch)
	if !token.WaitTimeout(t.timeout) {
		return fmt.Errorf("subscribe: timed out after %s", t.timeout)
	}
	return token.Error()
}

func (t *PahoTransport) SetHandlers(onMessage MessageHandler, onLost func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbound = onMessage
	t.onLost = onLost
}

func (t *PahoTransport) IsConnected() bool {
	return t.client.IsConnectionOpen()
}

func (t *PahoTransport) dispatch(_ mqtt.Client, msg mqtt.Message) {
	t.mu.RLock()
	inbound := t.inbound
	t.mu.RUnlock()

	if inbound == nil {
		common.GetLoggerWith(
			common.LoggerNameConnectivity,
			zap.String(common.LoggerFieldCategory, common.LoggerCategoryTransport),
		).Warn("Dropping message, no handler registered", zap.String("topic", msg.Topic()))
		return
	}
	inbound(msg.Topic(), msg.Payload(), msg.Duplicate())
}
