package models

import "time"

type ConnectivityState string

const (
	StateOnline            ConnectivityState = "ONLINE"
	StateOffline           ConnectivityState = "OFFLINE"
	StateOfflineAutonomous ConnectivityState = "OFFLINE_AUTONOMOUS"
)

type DispenseStatus string

const (
	DispenseCompleted DispenseStatus = "COMPLETED"
	DispenseMissed    DispenseStatus = "MISSED"
	DispenseError     DispenseStatus = "ERROR"
)

type Schedule struct {
	ID                 string              `gorm:"primaryKey" json:"id"`
	PatientName        string              `json:"patientName"`
	PatientID          string              `json:"patientId"`
	Hour               int                 `json:"time"`
	StartDate          time.Time           `json:"startDate"`
	EndDate            *time.Time          `json:"endDate"`
	IsActive           bool                `json:"isActive"`
	RfidTag            string              `json:"rfidTag"`
	ChamberAssignments []ChamberAssignment `gorm:"serializer:json" json:"chambers"`
	Position           int                 `gorm:"index" json:"-"` // order as pushed by the hub
}

type ChamberAssignment struct {
	ChamberIndex   int    `json:"chamber"`
	MedicationName string `json:"medicationName"`
	DosageUnit     string `json:"dosageUnit"`
	DoseCount      int    `json:"doseCount"`
}

// DateOf truncates t to its calendar date as written, ignoring the zone
// offset, so "2025-05-01T00:00:00Z" and a local 2025-05-01 compare equal.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsDueOn reports whether the schedule is active for the calendar date of day.
func (s Schedule) IsDueOn(day time.Time) bool {
	if !s.IsActive {
		return false
	}
	d := DateOf(day)
	if d.Before(DateOf(s.StartDate)) {
		return false
	}
	if s.EndDate != nil && d.After(DateOf(*s.EndDate)) {
		return false
	}
	return true
}

func (s Schedule) TotalDoses() int {
	total := 0
	for _, c := range s.ChamberAssignments {
		total += c.DoseCount
	}
	return total
}

type DispenseResult struct {
	ScheduleID         string         `json:"scheduleId"`
	Timestamp          time.Time      `json:"timestamp"`
	Status             DispenseStatus `json:"status"`
	DispensedDoseCount int            `json:"dispensedCount"`
	TotalDoseCount     int            `json:"totalCount"`
	Reason             string         `json:"reason,omitempty"`
	Error              string         `json:"error,omitempty"`
}

type PendingMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

type Tag struct {
	ID   string
	Text string
}

type Sound string

const (
	SoundSuccess Sound = "success"
	SoundError   Sound = "error"
	SoundWaiting Sound = "waiting"
	SoundAlert   Sound = "alert"
	SoundTest    Sound = "test"
)
