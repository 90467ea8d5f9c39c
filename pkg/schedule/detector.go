package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/events"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

// Gate is the process-wide "dispensing in progress" flag.
type Gate interface {
	TryAcquire() bool
	Release()
	Busy() bool
}

// HourKey identifies one (date, hour) trigger slot.
type HourKey struct {
	Date string
	Hour int
}

func (k HourKey) String() string {
	return fmt.Sprintf("%s-%d", k.Date, k.Hour)
}

type TickResult int

const (
	TickIdle TickResult = iota
	TickBusy
	TickFired
)

type DetectorOptions struct {
	CheckInterval  time.Duration
	BusyInterval   time.Duration
	ErrorBackoff   time.Duration
	DispenseWindow int // minutes from the top of the hour
}

func (o *DetectorOptions) applyDefaults() {
	if o.CheckInterval <= 0 {
		o.CheckInterval = 30 * time.Second
	}
	if o.BusyInterval <= 0 {
		o.BusyInterval = 5 * time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 60 * time.Second
	}
	if o.DispenseWindow <= 0 {
		o.DispenseWindow = 2
	}
}

// Detector polls the store and publishes ScheduleDue at most once per
// (date, hour). The published event carries the acquired gate.
type Detector struct {
	store  *Store
	bus    *events.Bus
	gate   Gate
	opts   DetectorOptions
	logger *zap.Logger

	mu        sync.Mutex
	day       string
	processed map[HourKey]struct{}
	afterTick func()

	now func() time.Time
}

func NewDetector(store *Store, bus *events.Bus, gate Gate, opts DetectorOptions) *Detector {
	opts.applyDefaults()
	return &Detector{
		store: store,
		bus:   bus,
		gate:  gate,
		opts:  opts,
		logger: common.GetLoggerWith(
			common.LoggerNameSchedule,
			zap.String(common.LoggerFieldCategory, common.LoggerCategoryDetector),
		),
		processed: make(map[HourKey]struct{}),
		now:       time.Now,
	}
}

// SetAfterTick registers work run at the end of every successful tick,
// e.g. flushing deferred display updates.
func (d *Detector) SetAfterTick(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.afterTick = f
}

func (d *Detector) ProcessedKeys() []HourKey {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]HourKey, 0, len(d.processed))
	for k := range d.processed {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Date != keys[j].Date {
			return keys[i].Date < keys[j].Date
		}
		return keys[i].Hour < keys[j].Hour
	})
	return keys
}

// Tick runs one detection cycle for the local time now.
func (d *Detector) Tick(now time.Time) TickResult {
	result, due := d.tick(now)
	if due != nil {
		d.bus.Publish(events.ScheduleDue{Schedule: *due, Reserved: true, Source: "timer"})
	}

	d.mu.Lock()
	afterTick := d.afterTick
	d.mu.Unlock()
	if afterTick != nil {
		afterTick()
	}
	return result
}

func (d *Detector) tick(now time.Time) (TickResult, *models.Schedule) {
	key := HourKey{Date: now.Format(time.DateOnly), Hour: now.Hour()}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.day != key.Date {
		if d.day != "" {
			d.logger.Info("Reset processed schedule hours for new day", zap.String("date", key.Date))
		}
		clear(d.processed)
		d.day = key.Date
	}

	if d.gate.Busy() {
		return TickBusy, nil
	}

	if now.Minute() >= d.opts.DispenseWindow {
		return TickIdle, nil
	}
	if _, done := d.processed[key]; done {
		return TickIdle, nil
	}

	due := d.store.ActiveForHour(now, key.Hour)
	if len(due) == 0 {
		return TickIdle, nil
	}

	if !d.gate.TryAcquire() {
		return TickBusy, nil
	}
	d.processed[key] = struct{}{}

	if d.bus.SubscriberCount(events.TypeScheduleDue) == 0 {
		d.gate.Release()
		d.logger.Error("No schedule_due handler, releasing dispensing gate", zap.String("schedule_id", due[0].ID))
		return TickFired, nil
	}

	if len(due) > 1 {
		skipped := common.Mapper(due[1:], func(s models.Schedule) string { return s.ID })
		d.logger.Warn("Multiple schedules due this hour, only the first is triggered",
			zap.String("key", key.String()),
			zap.Strings("skipped", skipped))
	}

	d.logger.Info("Schedule triggered", zap.String("schedule_id", due[0].ID), zap.String("key", key.String()))
	return TickFired, &due[0]
}

// Run ticks until ctx is done. A failed cycle is reported on the bus and
// followed by a longer pause.
func (d *Detector) Run(ctx context.Context) {
	for {
		wait := d.opts.CheckInterval

		result, err := d.safeTick()
		switch {
		case err != nil:
			d.logger.Error("Schedule check failed", zap.Error(err))
			d.bus.Report("check_schedules", err)
			wait = d.opts.ErrorBackoff
		case result == TickBusy:
			wait = d.opts.BusyInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (d *Detector) safeTick() (result TickResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Tick(d.now()), nil
}
