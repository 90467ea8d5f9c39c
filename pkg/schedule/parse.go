package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

const (
	defaultPatientName    = "Patient"
	defaultMedicationName = "Unknown Medication"
	defaultDosageUnit     = "unit"
)

// wireSchedule is a schedule as the hub sends it. Optional fields are
// pointers so absent and zero values can be told apart.
type wireSchedule struct {
	ID          string            `json:"id"`
	Time        *json.Number      `json:"time"`
	PatientName *string           `json:"patientName"`
	PatientID   string            `json:"patientId"`
	StartDate   *string           `json:"startDate"`
	EndDate     *string           `json:"endDate"`
	IsActive    *bool             `json:"isActive"`
	RfidTag     string            `json:"rfidTag"`
	Chambers    []json.RawMessage `json:"chambers"`
}

// wireChamber accepts both the hub form
// {chamber, medication: {name, dosageUnit}, dosageAmount}
// and the flat {chamber, medicationName, dosageUnit, doseCount}.
type wireChamber struct {
	Chamber       int  `json:"chamber"`
	ChamberNumber int  `json:"chamberNumber"`
	Medication    *struct {
		Name       string `json:"name"`
		DosageUnit string `json:"dosageUnit"`
	} `json:"medication"`
	MedicationName string `json:"medicationName"`
	DosageUnit     string `json:"dosageUnit"`
	DosageAmount   *int   `json:"dosageAmount"`
	DoseCount      *int   `json:"doseCount"`
}

// ParseSchedules decodes the full replacement set pushed by the hub. Entries
// that are not schedule objects are skipped with a warning.
func ParseSchedules(payload []byte, now time.Time, logger *zap.Logger) ([]models.Schedule, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("schedule payload is not an array: %w", err)
	}

	schedules := make([]models.Schedule, 0, len(raw))
	for i, entry := range raw {
		s, err := ParseSchedule(entry, now, logger)
		if err != nil {
			logger.Warn("Skipping malformed schedule", zap.Int("index", i), zap.Error(err))
			continue
		}
		schedules = append(schedules, s)
	}
	return schedules, nil
}

// ParseSchedule decodes one schedule and fills the defaults the hub may leave
// out: a generated id, hour 0, patient "Patient", active, starting now.
func ParseSchedule(payload []byte, now time.Time, logger *zap.Logger) (models.Schedule, error) {
	var w wireSchedule
	if err := json.Unmarshal(payload, &w); err != nil {
		return models.Schedule{}, err
	}

	s := models.Schedule{
		ID:          w.ID,
		PatientName: defaultPatientName,
		PatientID:   w.PatientID,
		StartDate:   now,
		IsActive:    true,
		RfidTag:     w.RfidTag,
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if w.PatientName != nil {
		s.PatientName = *w.PatientName
	}
	if w.IsActive != nil {
		s.IsActive = *w.IsActive
	}

	if w.Time != nil {
		hour, err := w.Time.Int64()
		if err != nil || hour < 0 || hour > 23 {
			return models.Schedule{}, fmt.Errorf("invalid hour %q", w.Time.String())
		}
		s.Hour = int(hour)
	}

	if w.StartDate != nil {
		start, err := parseDate(*w.StartDate)
		if err != nil {
			logger.Warn("Invalid start date, using 2000-01-01", zap.String("schedule_id", s.ID), zap.Error(err))
			start = time.Date(2000, 1, 1, 0, 0, 0, 0, time.Local)
		}
		s.StartDate = start
	}

	if w.EndDate != nil && *w.EndDate != "" {
		end, err := parseDate(*w.EndDate)
		if err != nil {
			logger.Warn("Invalid end date, ignoring", zap.String("schedule_id", s.ID), zap.Error(err))
		} else {
			s.EndDate = &end
		}
	}

	for i, raw := range w.Chambers {
		c, err := parseChamber(raw)
		if err != nil {
			logger.Warn("Skipping malformed chamber assignment",
				zap.String("schedule_id", s.ID),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		s.ChamberAssignments = append(s.ChamberAssignments, c)
	}

	return s, nil
}

func parseChamber(raw json.RawMessage) (models.ChamberAssignment, error) {
	var w wireChamber
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.ChamberAssignment{}, err
	}

	c := models.ChamberAssignment{
		ChamberIndex:   w.Chamber,
		MedicationName: w.MedicationName,
		DosageUnit:     w.DosageUnit,
		DoseCount:      1,
	}
	if c.ChamberIndex == 0 {
		c.ChamberIndex = w.ChamberNumber
	}
	if w.Medication != nil {
		if w.Medication.Name != "" {
			c.MedicationName = w.Medication.Name
		}
		if w.Medication.DosageUnit != "" {
			c.DosageUnit = w.Medication.DosageUnit
		}
	}
	switch {
	case w.DosageAmount != nil:
		c.DoseCount = *w.DosageAmount
	case w.DoseCount != nil:
		c.DoseCount = *w.DoseCount
	}

	if c.MedicationName == "" {
		c.MedicationName = defaultMedicationName
	}
	if c.DosageUnit == "" {
		c.DosageUnit = defaultDosageUnit
	}
	return c, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}
