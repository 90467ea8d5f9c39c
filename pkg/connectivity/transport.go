package connectivity

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks liyu1981.xyz/medipi-dispenser/pkg/connectivity Transport

import (
	"context"
	"errors"
	"time"
)

var ErrNotConnected = errors.New("not connected to broker")

// MessageHandler receives inbound hub messages. It runs on the transport's
// own goroutine and must return quickly.
type MessageHandler func(topic string, payload []byte, duplicate bool)

type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(quiesce time.Duration)
	Publish(topic string, qos byte, retain bool, payload []byte) error
	Subscribe(filters map[string]byte) error
	SetHandlers(onMessage MessageHandler, onLost func(error))
	IsConnected() bool
}

type Topics struct {
	Commands  string
	Schedules string
	Confirm   string
	Status    string
	Logs      string
	Ping      string
	Broadcast string
	Discovery string
}

func NewTopics(prefix, serial string) Topics {
	join := func(path string) string {
		if prefix == "" {
			return path
		}
		return prefix + "/" + path
	}

	device := "devices/" + serial
	return Topics{
		Commands:  join(device + "/commands"),
		Schedules: join(device + "/schedules"),
		Confirm:   join(device + "/schedules/confirm"),
		Status:    join(device + "/status"),
		Logs:      join(device + "/logs"),
		Ping:      join(device + "/ping"),
		Broadcast: join("discovery/broadcast"),
		Discovery: join("discovery/" + serial),
	}
}
