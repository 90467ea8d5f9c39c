package connectivity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
	_ "liyu1981.xyz/medipi-dispenser/pkg/testing"
)

func msg(topic string) models.PendingMessage {
	return models.PendingMessage{Topic: topic, Payload: []byte(`{}`), QoS: 1}
}

func topics(msgs []models.PendingMessage) []string {
	return common.Mapper(msgs, func(m models.PendingMessage) string { return m.Topic })
}

func TestOfflineQueueDrainsInFIFOOrder(t *testing.T) {
	q := NewOfflineQueue(10)
	q.Enqueue(msg("m1"))
	q.Enqueue(msg("m2"))

	var delivered []models.PendingMessage
	sent, err := q.Drain(func(m models.PendingMessage) error {
		delivered = append(delivered, m)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"m1", "m2"}, topics(delivered))
	assert.Equal(t, 0, q.Len())
}

func TestOfflineQueueRetriesFailedMessageFirst(t *testing.T) {
	q := NewOfflineQueue(10)
	q.Enqueue(msg("m1"))
	q.Enqueue(msg("m2"))
	q.Enqueue(msg("m3"))

	var attempts []string
	failOn := "m2"
	publish := func(m models.PendingMessage) error {
		attempts = append(attempts, m.Topic)
		if m.Topic == failOn {
			return errors.New("broker hiccup")
		}
		return nil
	}

	sent, err := q.Drain(publish)
	assert.Error(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"m2", "m3"}, topics(q.Snapshot()))

	q.Enqueue(msg("m4"))
	failOn = ""
	sent, err = q.Drain(publish)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.Equal(t, []string{"m1", "m2", "m2", "m3", "m4"}, attempts)
}

func TestOfflineQueueEvictsOldestWhenFull(t *testing.T) {
	common.SetTestLoggerNop()

	q := NewOfflineQueue(2)
	q.Enqueue(msg("m1"))
	q.Enqueue(msg("m2"))
	q.Enqueue(msg("m3"))

	assert.Equal(t, []string{"m2", "m3"}, topics(q.Snapshot()))
	assert.Equal(t, 1, q.Dropped())
}

func TestOfflineQueueEvictionDuringDrain(t *testing.T) {
	common.SetTestLoggerNop()

	q := NewOfflineQueue(2)
	q.Enqueue(msg("m1"))
	q.Enqueue(msg("m2"))

	first := true
	_, err := q.Drain(func(m models.PendingMessage) error {
		if first {
			first = false
			// m1 is in flight when the queue overflows and evicts it
			q.Enqueue(msg("m3"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len())
}

func TestNewOfflineQueueDefaultBound(t *testing.T) {
	q := NewOfflineQueue(0)
	assert.Equal(t, DefaultMaxPending, q.max)
}
