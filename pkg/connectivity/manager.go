package connectivity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/events"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

const DefaultMaxReconnects = 5

type Options struct {
	QoS            byte
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	ErrorBackoff   time.Duration
	MaxReconnects  int
	MaxPending     int
}

func (o *Options) applyDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 2 * o.PingInterval
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = DefaultMaxReconnects
	}
}

// Manager owns the ConnectivityState. Only transport outcomes move it,
// apart from Shutdown.
type Manager struct {
	transport Transport
	bus       *events.Bus
	queue     *OfflineQueue
	topics    Topics
	opts      Options
	logger    *zap.Logger

	mu             sync.Mutex
	state          models.ConnectivityState
	everConnected  bool
	reconnectCount int
	closed         bool
	inbound        MessageHandler
	heartbeat      func() any

	wake chan struct{}
	now  func() time.Time
}

func NewManager(transport Transport, bus *events.Bus, topics Topics, opts Options) *Manager {
	opts.applyDefaults()

	m := &Manager{
		transport: transport,
		bus:       bus,
		queue:     NewOfflineQueue(opts.MaxPending),
		topics:    topics,
		opts:      opts,
		logger:    common.GetLoggerWith(common.LoggerNameConnectivity),
		state:     models.StateOffline,
		wake:      make(chan struct{}, 1),
		now:       time.Now,
	}
	transport.SetHandlers(m.dispatch, m.HandleDisconnected)
	return m
}

// SetMessageHandler routes inbound hub messages; set it before Run.
func (m *Manager) SetMessageHandler(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = h
}

// SetHeartbeat provides the payload published on the ping topic while online.
func (m *Manager) SetHeartbeat(f func() any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeat = f
}

func (m *Manager) Topics() Topics { return m.topics }

func (m *Manager) Queue() *OfflineQueue { return m.queue }

func (m *Manager) State() models.ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) ReconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectCount
}

// Connect makes one connection attempt and applies its outcome.
func (m *Manager) Connect(ctx context.Context) error {
	m.logger.Info("Connecting to MQTT broker", zap.String("state", string(m.State())))

	if err := m.transport.Connect(ctx); err != nil {
		m.HandleConnectFailed(err)
		return err
	}

	m.HandleConnected()
	return nil
}

func (m *Manager) HandleConnected() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = models.StateOnline
	m.everConnected = true
	m.reconnectCount = 0
	m.mu.Unlock()

	if from == models.StateOfflineAutonomous {
		m.logger.Info("Leaving OFFLINE_AUTONOMOUS mode, broker connection restored")
	}

	filters := map[string]byte{
		m.topics.Commands:  m.opts.QoS,
		m.topics.Schedules: m.opts.QoS,
		m.topics.Broadcast: m.opts.QoS,
	}
	if err := m.transport.Subscribe(filters); err != nil {
		m.logger.Error("Subscribe failed", zap.Error(err))
		m.bus.Report("subscribe", err)
	}

	// backlog goes out before anything the connected handlers publish
	m.Flush()

	m.bus.Publish(events.StateChanged{From: from, To: models.StateOnline, Reason: "Connected"})
	m.bus.Publish(events.MQTTConnected{At: m.now()})

	m.logger.Info("Connected and subscribed to topics", zap.Int("pending", m.queue.Len()))
}

// HandleConnectFailed applies a failed attempt. A device that has never
// reached the hub goes straight to OFFLINE_AUTONOMOUS.
func (m *Manager) HandleConnectFailed(err error) {
	m.logger.Warn("MQTT connection failed", zap.Error(err))
	m.lost("Connection failed")
}

// HandleDisconnected is the transport's connection-lost callback.
func (m *Manager) HandleDisconnected(err error) {
	m.logger.Warn("Disconnected from MQTT broker", zap.Error(err))
	m.lost("Lost connection")
}

func (m *Manager) lost(reason string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.reconnectCount++
	count := m.reconnectCount

	to := models.StateOffline
	switch {
	case !m.everConnected:
		to = models.StateOfflineAutonomous
	case count > m.opts.MaxReconnects:
		to = models.StateOfflineAutonomous
	case from == models.StateOfflineAutonomous:
		to = models.StateOfflineAutonomous
	}
	m.state = to
	m.mu.Unlock()

	if to == models.StateOfflineAutonomous && from != to {
		m.logger.Warn("Entering OFFLINE_AUTONOMOUS mode", zap.Int("reconnect_count", count))
	}

	m.bus.Publish(events.StateChanged{From: from, To: to, ReconnectCount: count, Reason: reason})
	m.signal()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Publish sends payload to the hub, or queues it when not online. Messages
// queue behind any backlog so delivery order matches publish order.
func (m *Manager) Publish(topic string, payload any, qos byte, retain bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", topic, err)
	}

	msg := models.PendingMessage{Topic: topic, Payload: data, QoS: qos, Retain: retain}

	if m.State() != models.StateOnline || m.queue.Len() > 0 {
		m.queue.Enqueue(msg)
		m.logger.Debug("Queued message", zap.String("topic", topic), zap.Int("pending", m.queue.Len()))
		if m.State() == models.StateOnline {
			m.Flush()
		}
		return nil
	}

	if err := m.transport.Publish(topic, qos, retain, data); err != nil {
		m.logger.Warn("Publish failed, queued for retry", zap.String("topic", topic), zap.Error(err))
		m.queue.Enqueue(msg)
		return nil
	}

	m.logger.Debug("Message sent", zap.String("topic", topic))
	return nil
}

// Flush drains the offline queue; a failed message stays at the head.
func (m *Manager) Flush() int {
	if m.queue.Len() == 0 {
		return 0
	}

	sent, err := m.queue.Drain(func(msg models.PendingMessage) error {
		if m.State() != models.StateOnline {
			return ErrNotConnected
		}
		return m.transport.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	})

	logger := m.logger.With(zap.String(common.LoggerFieldCategory, common.LoggerCategoryQueue))
	if err != nil {
		logger.Warn("Pending message delivery stopped", zap.Int("sent", sent), zap.Int("remaining", m.queue.Len()), zap.Error(err))
	} else if sent > 0 {
		logger.Info("Pending messages delivered", zap.Int("sent", sent))
	}
	return sent
}

// Run connects once, then keeps the link alive: heartbeats while online,
// reconnect attempts otherwise. It returns when ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if err := m.Connect(ctx); err != nil {
		m.logger.Warn("Initial connection failed, operating autonomously", zap.Error(err))
	}

	wait := m.nextWait()
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
			wait = m.nextWait()
			continue
		case <-timer.C:
		}

		if err := m.maintain(ctx); err != nil {
			m.bus.Report("maintain_connection", err)
			wait = m.opts.ErrorBackoff
			continue
		}
		wait = m.nextWait()
	}
}

func (m *Manager) nextWait() time.Duration {
	if m.State() == models.StateOffline {
		return m.opts.ReconnectDelay
	}
	return m.opts.PingInterval
}

func (m *Manager) maintain(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if m.State() == models.StateOnline {
		m.mu.Lock()
		heartbeat := m.heartbeat
		m.mu.Unlock()
		if heartbeat == nil {
			return nil
		}
		return m.Publish(m.topics.Ping, heartbeat(), 0, false)
	}

	if m.isClosed() {
		return nil
	}

	m.logger.Info("Attempting to reconnect", zap.String("state", string(m.State())), zap.Int("reconnect_count", m.ReconnectCount()))
	// a failed attempt is already accounted for by HandleConnectFailed
	_ = m.Connect(ctx)
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Shutdown publishes finalStatus (retained) when online and disconnects.
// After Shutdown no transition or reconnect happens.
func (m *Manager) Shutdown(finalStatus any) {
	online := m.State() == models.StateOnline
	if online {
		m.Flush()
		if data, err := json.Marshal(finalStatus); err == nil {
			if err := m.transport.Publish(m.topics.Status, m.opts.QoS, true, data); err != nil {
				m.logger.Warn("Final status publish failed", zap.Error(err))
			}
		}
	}

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if online {
		m.transport.Disconnect(250 * time.Millisecond)
	}
	m.logger.Info("Disconnected from MQTT broker", zap.Int("pending_dropped_on_exit", m.queue.Len()))
}

func (m *Manager) dispatch(topic string, payload []byte, duplicate bool) {
	m.mu.Lock()
	inbound := m.inbound
	m.mu.Unlock()

	if inbound != nil {
		inbound(topic, payload, duplicate)
	}
}
