package events

import (
	"time"

	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

type Type string

const (
	TypeMQTTConnected       Type = "mqtt_connected"
	TypeStateChanged        Type = "state_changed"
	TypeScheduleDue         Type = "schedule_due"
	TypeDispensingCompleted Type = "dispensing_completed"
	TypeSchedulesUpdated    Type = "schedules_updated"
	TypeError               Type = "error"
)

type Event interface {
	EventType() Type
}

type MQTTConnected struct {
	At time.Time
}

func (MQTTConnected) EventType() Type { return TypeMQTTConnected }

type StateChanged struct {
	From           models.ConnectivityState
	To             models.ConnectivityState
	ReconnectCount int
	Reason         string
}

func (StateChanged) EventType() Type { return TypeStateChanged }

// ScheduleDue asks for one dispense of Schedule. Reserved means the
// publisher already holds the dispensing gate and hands it to the handler.
type ScheduleDue struct {
	Schedule   models.Schedule
	Authorized bool
	Reserved   bool
	Source     string
}

func (ScheduleDue) EventType() Type { return TypeScheduleDue }

type DispensingCompleted struct {
	Result models.DispenseResult
}

func (DispensingCompleted) EventType() Type { return TypeDispensingCompleted }

type SchedulesUpdated struct {
	Count int
}

func (SchedulesUpdated) EventType() Type { return TypeSchedulesUpdated }

type Error struct {
	Function  string    `json:"function"`
	Message   string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func (Error) EventType() Type { return TypeError }
