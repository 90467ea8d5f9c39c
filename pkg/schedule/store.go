package schedule

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

var ErrNotFound = errors.New("schedule not found")

// Repository persists the schedule set. *db.DB satisfies it.
type Repository interface {
	LoadSchedules() ([]models.Schedule, error)
	SaveSchedules(schedules []models.Schedule) error
}

// Store holds the current schedule set. Replacement is wholesale and readers
// always get a copy of one complete set.
type Store struct {
	mu        sync.RWMutex
	schedules []models.Schedule
	repo      Repository
	logger    *zap.Logger
}

// NewStore creates an empty store. repo may be nil, in which case
// replacements are kept in memory only.
func NewStore(repo Repository) *Store {
	return &Store{
		repo: repo,
		logger: common.GetLoggerWith(
			common.LoggerNameSchedule,
			zap.String(common.LoggerFieldCategory, common.LoggerCategorySchedules),
		),
	}
}

// Load reads the persisted set once at startup.
func (s *Store) Load() error {
	if s.repo == nil {
		return nil
	}

	schedules, err := s.repo.LoadSchedules()
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	s.mu.Lock()
	s.schedules = schedules
	s.mu.Unlock()

	s.logger.Info("Loaded schedules", zap.Int("count", len(schedules)))
	return nil
}

// Replace swaps in a new set and persists it. The in-memory set is replaced
// even when persisting fails; the error is returned for reporting.
func (s *Store) Replace(schedules []models.Schedule) error {
	next := clone(schedules)

	s.mu.Lock()
	s.schedules = next
	s.mu.Unlock()

	s.logger.Info("Replaced schedules", zap.Int("count", len(next)))

	if s.repo == nil {
		return nil
	}
	if err := s.repo.SaveSchedules(next); err != nil {
		return fmt.Errorf("save schedules: %w", err)
	}
	return nil
}

func (s *Store) Snapshot() []models.Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.schedules)
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.schedules)
}

func (s *Store) Find(id string) (models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sch := range s.schedules {
		if sch.ID == id {
			return cloneOne(sch), nil
		}
	}
	return models.Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// ActiveForHour returns the schedules due on the date of now at hour, in
// store order.
func (s *Store) ActiveForHour(now time.Time, hour int) []models.Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []models.Schedule
	for _, sch := range s.schedules {
		if sch.Hour == hour && sch.IsDueOn(now) {
			due = append(due, cloneOne(sch))
		}
	}
	return due
}

// PatientName is the name on the first active schedule.
func (s *Store) PatientName() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sch := range s.schedules {
		if sch.IsActive {
			return sch.PatientName, true
		}
	}
	return "", false
}

// Upcoming returns the hour of the first schedule due today that starts
// within the next 15 minutes.
func (s *Store) Upcoming(now time.Time) (int, bool) {
	if now.Minute() < 45 {
		return 0, false
	}
	next := (now.Hour() + 1) % 24

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sch := range s.schedules {
		if sch.Hour == next && sch.IsDueOn(now) {
			return next, true
		}
	}
	return 0, false
}

func clone(in []models.Schedule) []models.Schedule {
	out := make([]models.Schedule, len(in))
	for i, sch := range in {
		out[i] = cloneOne(sch)
	}
	return out
}

func cloneOne(sch models.Schedule) models.Schedule {
	sch.ChamberAssignments = append([]models.ChamberAssignment(nil), sch.ChamberAssignments...)
	if sch.EndDate != nil {
		end := *sch.EndDate
		sch.EndDate = &end
	}
	return sch
}
