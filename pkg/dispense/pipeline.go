package dispense

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/hardware"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

const (
	ReasonAuthFailed = "Authentication failed"
	ErrorHalted      = "Shutdown"
)

type Options struct {
	ServoThrottle  float64
	DoseDuration   time.Duration
	SettleInterval time.Duration
	AlertPause     time.Duration
	SummaryPause   time.Duration
	ErrorPause     time.Duration
	AuthTimeout    time.Duration
}

func DefaultOptions() Options {
	return Options{
		ServoThrottle:  0.3,
		DoseDuration:   1100 * time.Millisecond,
		SettleInterval: time.Second,
		AlertPause:     time.Second,
		SummaryPause:   2 * time.Second,
		ErrorPause:     2 * time.Second,
		AuthTimeout:    15 * time.Minute,
	}
}

type Authorizer interface {
	WaitForAuthorization(ctx context.Context, expected string, timeout time.Duration, name string) bool
}

// Pipeline turns one schedule firing into servo actuations and exactly one
// DispenseResult.
type Pipeline struct {
	gate   *Gate
	screen hardware.Screen
	audio  hardware.Audio
	servo  hardware.Servo
	auth   Authorizer
	opts   Options
	logger *zap.Logger
	halted atomic.Bool

	now   func() time.Time
	sleep func(time.Duration)
}

func NewPipeline(gate *Gate, screen hardware.Screen, audio hardware.Audio, servo hardware.Servo, auth Authorizer, opts Options) *Pipeline {
	return &Pipeline{
		gate:   gate,
		screen: screen,
		audio:  audio,
		servo:  servo,
		auth:   auth,
		opts:   opts,
		logger: common.GetLoggerWith(common.LoggerNameDispense),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

func (p *Pipeline) Gate() *Gate { return p.gate }

// Halt stops the current and any later run before its next dose. A dose
// already started runs to completion. There is no resume.
func (p *Pipeline) Halt() {
	p.halted.Store(true)
}

func (p *Pipeline) Halted() bool {
	return p.halted.Load()
}

// Dispense acquires the gate and runs the pipeline. It returns ErrBusy
// without side effects when another dispense holds the gate.
func (p *Pipeline) Dispense(ctx context.Context, s models.Schedule, authorized bool) (models.DispenseResult, error) {
	if !p.gate.TryAcquire() {
		p.logger.Warn("Dispense rejected, already in progress", zap.String("schedule_id", s.ID))
		return models.DispenseResult{}, ErrBusy
	}
	return p.DispenseReserved(ctx, s, authorized), nil
}

// DispenseReserved runs the pipeline for a caller that already holds the
// gate. The gate is released when it returns, whatever the outcome.
func (p *Pipeline) DispenseReserved(ctx context.Context, s models.Schedule, authorized bool) models.DispenseResult {
	defer p.gate.Release()
	return p.run(ctx, s, authorized)
}

func (p *Pipeline) run(ctx context.Context, s models.Schedule, authorized bool) (result models.DispenseResult) {
	logger := p.logger.With(zap.String("schedule_id", s.ID))
	logger.Info("Processing schedule", zap.Int("hour", s.Hour), zap.Bool("authorized", authorized))

	result = models.DispenseResult{ScheduleID: s.ID}
	if result.ScheduleID == "" {
		result.ScheduleID = "unknown"
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%v", r)
			logger.Error("Dispensing failed", zap.Error(err), zap.Int("dispensed", result.DispensedDoseCount))
			p.safely(logger, "stop servos", func() {
				if err := p.servo.StopAll(); err != nil {
					logger.Error("Stopping servos failed", zap.Error(err))
				}
			})
			p.safely(logger, "error feedback", func() {
				p.screen.Update("ERROR", "Dispensing failed", common.Truncate(err.Error(), 30))
				p.play(models.SoundError)
				p.sleep(p.opts.ErrorPause)
			})

			result.Status = models.DispenseError
			result.Error = err.Error()
			result.Reason = ""
			result.Timestamp = p.now()
		}
	}()

	chambers := p.validChambers(logger, s.ChamberAssignments)
	for _, c := range chambers {
		result.TotalDoseCount += c.DoseCount
	}

	p.screen.Update("MEDICATION DUE", s.PatientName, fmt.Sprintf("Time: %d:00", s.Hour))
	p.play(models.SoundAlert)
	p.sleep(p.opts.AlertPause)

	if !authorized {
		logger.Info("Waiting for patient authentication")
		authorized = p.auth.WaitForAuthorization(ctx, s.RfidTag, p.opts.AuthTimeout, s.PatientName)
	}
	if p.Halted() {
		return p.halt(logger, result)
	}
	if !authorized {
		logger.Warn("Authentication failed or timed out")
		result.Status = models.DispenseMissed
		result.Reason = ReasonAuthFailed
		result.Timestamp = p.now()
		return result
	}

	for idx, c := range chambers {
		progress := idx * 100 / len(chambers)
		p.screen.UpdateFrame(hardware.Frame{
			Title:    fmt.Sprintf("DISPENSING %d/%d", idx+1, len(chambers)),
			Status:   "Name: " + c.MedicationName,
			Details:  "Doses: " + DoseText(c.DoseCount, c.DosageUnit),
			Progress: &progress,
		})

		for dose := 1; dose <= c.DoseCount; dose++ {
			if p.Halted() {
				return p.halt(logger, result)
			}

			logger.Info("Dispensing dose",
				zap.Int("chamber", c.ChamberIndex),
				zap.Int("dose", dose),
				zap.Int("doses", c.DoseCount))

			if p.servo.Run(c.ChamberIndex-1, p.opts.ServoThrottle, p.opts.DoseDuration) {
				result.DispensedDoseCount++
			} else {
				logger.Warn("Dose failed", zap.Int("chamber", c.ChamberIndex), zap.Int("dose", dose))
			}

			if dose < c.DoseCount {
				p.sleep(p.opts.SettleInterval)
			}
		}
	}

	p.screen.Update("COMPLETE", fmt.Sprintf("Dispensed: %d/%d", result.DispensedDoseCount, result.TotalDoseCount), "Thank you!")
	p.play(models.SoundSuccess)
	p.sleep(p.opts.SummaryPause)

	logger.Info("Dispensing completed",
		zap.Int("dispensed", result.DispensedDoseCount),
		zap.Int("total", result.TotalDoseCount))

	result.Status = models.DispenseCompleted
	result.Timestamp = p.now()
	return result
}

func (p *Pipeline) halt(logger *zap.Logger, result models.DispenseResult) models.DispenseResult {
	logger.Warn("Dispensing halted",
		zap.Int("dispensed", result.DispensedDoseCount),
		zap.Int("total", result.TotalDoseCount))
	p.safely(logger, "stop servos", func() {
		if err := p.servo.StopAll(); err != nil {
			logger.Error("Stopping servos failed", zap.Error(err))
		}
	})

	result.Status = models.DispenseError
	result.Error = ErrorHalted
	result.Timestamp = p.now()
	return result
}

// validChambers drops assignments that cannot be actuated.
func (p *Pipeline) validChambers(logger *zap.Logger, in []models.ChamberAssignment) []models.ChamberAssignment {
	channels := p.servo.Channels()
	return common.Filter(in, func(c models.ChamberAssignment) bool {
		switch {
		case c.ChamberIndex < 1 || c.ChamberIndex > channels:
			logger.Warn("Skipping chamber assignment with invalid chamber",
				zap.Int("chamber", c.ChamberIndex),
				zap.Int("channels", channels))
			return false
		case c.DoseCount < 1:
			logger.Warn("Skipping chamber assignment without doses",
				zap.Int("chamber", c.ChamberIndex),
				zap.Int("dose_count", c.DoseCount))
			return false
		}
		return true
	})
}

func (p *Pipeline) safely(logger *zap.Logger, what string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovery step panicked", zap.String("step", what), zap.Any("panic", r))
		}
	}()
	f()
}

func (p *Pipeline) play(kind models.Sound) {
	if err := p.audio.Play(kind); err != nil {
		p.logger.Debug("Sound failed", zap.String("sound", string(kind)), zap.Error(err))
	}
}

// DoseText renders "2 tablets" but "5 mg".
func DoseText(n int, unit string) string {
	if n > 1 && unit != "mg" && unit != "ml" {
		return fmt.Sprintf("%d %ss", n, unit)
	}
	return fmt.Sprintf("%d %s", n, unit)
}
