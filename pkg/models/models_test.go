package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestScheduleIsDueOn(t *testing.T) {
	end := date("2025-03-31")
	s := Schedule{ID: "s1", IsActive: true, StartDate: date("2025-01-01"), EndDate: &end}

	assert.False(t, s.IsDueOn(date("2024-12-31")))
	assert.True(t, s.IsDueOn(date("2025-01-01")))
	assert.True(t, s.IsDueOn(date("2025-03-01")))
	assert.True(t, s.IsDueOn(date("2025-03-31")))
	assert.False(t, s.IsDueOn(date("2025-04-01")))

	s.EndDate = nil
	assert.True(t, s.IsDueOn(date("2030-01-01")))

	s.IsActive = false
	assert.False(t, s.IsDueOn(date("2025-03-01")))
}

func TestScheduleIsDueOnIgnoresTimeOfDay(t *testing.T) {
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	s := Schedule{IsActive: true, StartDate: start}

	late := time.Date(2025, 5, 1, 23, 59, 0, 0, time.FixedZone("UTC+9", 9*3600))
	assert.True(t, s.IsDueOn(late))

	early := time.Date(2025, 4, 30, 23, 59, 0, 0, time.Local)
	assert.False(t, s.IsDueOn(early))
}

func TestScheduleTotalDoses(t *testing.T) {
	s := Schedule{ChamberAssignments: []ChamberAssignment{
		{ChamberIndex: 1, DoseCount: 2},
		{ChamberIndex: 3, DoseCount: 1},
	}}
	assert.Equal(t, 3, s.TotalDoses())
}
