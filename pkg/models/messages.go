package models

import (
	"encoding/json"
	"time"
)

// Payloads published to the hub. Timestamps are ISO 8601 local time.

type StatusMessage struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	IPAddress     string    `json:"ipAddress"`
	Reason        string    `json:"reason"`
	ScheduleCount int       `json:"scheduleCount"`
}

type DiscoveryMessage struct {
	SerialNumber string    `json:"serialNumber"`
	IPAddress    string    `json:"ipAddress"`
	Status       string    `json:"status"`
	LastSeen     time.Time `json:"lastSeen"`
	Action       string    `json:"action"`
	Model        string    `json:"model"`
}

type PingMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime"`
	Status    string    `json:"status"`
}

type ScheduleConfirmMessage struct {
	Status    string    `json:"status"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

type LogMessage struct {
	DispenserID string    `json:"dispenserId"`
	Timestamp   time.Time `json:"timestamp"`
	DispenseResult
}

type HardwareTestMessage struct {
	DispenserID string          `json:"dispenserId"`
	Timestamp   time.Time       `json:"timestamp"`
	Action      string          `json:"action"`
	Component   string          `json:"component"`
	Status      DispenseStatus  `json:"status"`
	Results     map[string]bool `json:"results"`
}

// Command is the envelope received on the commands topic.
type Command struct {
	Action     string          `json:"action" zog:"action"`
	Status     string          `json:"status,omitempty" zog:"status"`
	ScheduleID string          `json:"scheduleId,omitempty" zog:"scheduleId"`
	Authorized bool            `json:"authorized,omitempty" zog:"authorized"`
	Component  string          `json:"component,omitempty" zog:"component"`
	Schedule   json.RawMessage `json:"schedule,omitempty" zog:"-"`
}

const (
	ActionSetStatus    = "set_status"
	ActionDispense     = "dispense"
	ActionTestHardware = "test_hardware"
	ActionScan         = "scan"
)
