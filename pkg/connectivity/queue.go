package connectivity

import (
	"sync"

	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

const DefaultMaxPending = 500

type queuedMessage struct {
	seq uint64
	msg models.PendingMessage
}

// OfflineQueue buffers outbound messages while the hub is unreachable.
// When full, the oldest message is evicted and counted in Dropped.
type OfflineQueue struct {
	mu      sync.Mutex
	drainMu sync.Mutex
	items   []queuedMessage
	nextSeq uint64
	max     int
	dropped int
}

func NewOfflineQueue(max int) *OfflineQueue {
	if max <= 0 {
		max = DefaultMaxPending
	}
	return &OfflineQueue{max: max}
}

func (q *OfflineQueue) Enqueue(msg models.PendingMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		evicted := q.items[0]
		q.items = q.items[1:]
		q.dropped++
		common.GetLoggerWith(
			common.LoggerNameConnectivity,
			zap.String(common.LoggerFieldCategory, common.LoggerCategoryQueue),
		).Warn("Offline queue full, dropped oldest message",
			zap.String("topic", evicted.msg.Topic),
			zap.Int("max", q.max),
			zap.Int("dropped_total", q.dropped))
	}

	q.nextSeq++
	q.items = append(q.items, queuedMessage{seq: q.nextSeq, msg: msg})
}

// Drain publishes queued messages in FIFO order, removing each one only after
// publish succeeds. It stops at the first failure, leaving that message at
// the head for the next drain.
func (q *OfflineQueue) Drain(publish func(models.PendingMessage) error) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	sent := 0
	for {
		head, ok := q.peek()
		if !ok {
			return sent, nil
		}

		if err := publish(head.msg); err != nil {
			return sent, err
		}

		q.remove(head.seq)
		sent++
	}
}

func (q *OfflineQueue) peek() (queuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return queuedMessage{}, false
	}
	return q.items[0], true
}

// remove pops the head if it is still seq; it may have been evicted while
// its publish was in flight.
func (q *OfflineQueue) remove(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) > 0 && q.items[0].seq == seq {
		q.items = q.items[1:]
	}
}

func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *OfflineQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *OfflineQueue) Snapshot() []models.PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.PendingMessage, len(q.items))
	for i, item := range q.items {
		out[i] = item.msg
	}
	return out
}
