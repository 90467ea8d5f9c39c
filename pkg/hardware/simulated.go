package hardware

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

// Simulated drivers stand in for the I2C display, PWM buzzer, RC522 reader
// and servo HAT. They log every interaction.

func ioLogger(component string) *zap.Logger {
	return common.GetLoggerWith(
		common.LoggerNameHardware,
		zap.String(common.LoggerFieldCategory, common.LoggerCategoryHardwareIO),
		zap.String("component", component),
	)
}

type SimulatedDisplay struct {
	mu     sync.Mutex
	last   Frame
	logger *zap.Logger
}

func NewSimulatedDisplay() *SimulatedDisplay {
	return &SimulatedDisplay{logger: ioLogger(ComponentDisplay)}
}

func (d *SimulatedDisplay) Render(f Frame) error {
	d.mu.Lock()
	d.last = f
	d.mu.Unlock()

	fields := []zap.Field{
		zap.String("title", f.Title),
		zap.String("status", f.Status),
		zap.String("details", f.Details),
	}
	if f.Progress != nil {
		fields = append(fields, zap.Int("progress", *f.Progress))
	}
	d.logger.Info("DISPLAY", fields...)
	return nil
}

func (d *SimulatedDisplay) Clear() error {
	d.mu.Lock()
	d.last = Frame{}
	d.mu.Unlock()
	return nil
}

// Last is the most recently rendered frame.
func (d *SimulatedDisplay) Last() Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *SimulatedDisplay) Available() bool { return true }
func (d *SimulatedDisplay) Close() error    { return d.Clear() }

type SimulatedAudio struct {
	logger *zap.Logger
}

func NewSimulatedAudio() *SimulatedAudio {
	return &SimulatedAudio{logger: ioLogger(ComponentAudio)}
}

func (a *SimulatedAudio) Play(kind models.Sound) error {
	a.logger.Info("BUZZER", zap.String("sound", string(kind)))
	return nil
}

func (a *SimulatedAudio) Available() bool { return true }
func (a *SimulatedAudio) Close() error    { return nil }

var ErrScanQueueFull = errors.New("scan queue full")

// SimulatedReader returns tags injected with Scan, one per Read.
type SimulatedReader struct {
	tags   chan models.Tag
	logger *zap.Logger
}

func NewSimulatedReader(buffer int) *SimulatedReader {
	if buffer <= 0 {
		buffer = 1
	}
	return &SimulatedReader{
		tags:   make(chan models.Tag, buffer),
		logger: ioLogger(ComponentRFID),
	}
}

func (r *SimulatedReader) Scan(tag models.Tag) error {
	select {
	case r.tags <- tag:
		r.logger.Info("Tag presented", zap.String("tag_id", tag.ID))
		return nil
	default:
		return ErrScanQueueFull
	}
}

func (r *SimulatedReader) Read() (models.Tag, bool, error) {
	select {
	case tag := <-r.tags:
		return tag, true, nil
	default:
		return models.Tag{}, false, nil
	}
}

func (r *SimulatedReader) Available() bool { return true }
func (r *SimulatedReader) Close() error    { return nil }

type SimulatedServo struct {
	mu       sync.Mutex
	channels int
	runs     []int
	sleep    func(time.Duration)
	logger   *zap.Logger
}

func NewSimulatedServo(channels int) *SimulatedServo {
	return &SimulatedServo{
		channels: channels,
		sleep:    time.Sleep,
		logger:   ioLogger(ComponentServo),
	}
}

// Run holds the channel for duration. Calls are serialized like the real
// PWM board.
func (s *SimulatedServo) Run(index int, throttle float64, duration time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= s.channels {
		s.logger.Warn("Invalid servo number", zap.Int("servo", index))
		return false
	}

	throttle = max(-1, min(1, throttle))
	s.logger.Info("SERVO running", zap.Int("servo", index), zap.Float64("throttle", throttle), zap.Duration("duration", duration))
	s.sleep(duration)
	s.runs = append(s.runs, index)
	return true
}

// Runs lists the channels run so far, in order.
func (s *SimulatedServo) Runs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.runs...)
}

func (s *SimulatedServo) StopAll() error {
	s.logger.Info("All servos stopped")
	return nil
}

func (s *SimulatedServo) Channels() int   { return s.channels }
func (s *SimulatedServo) Available() bool { return true }
func (s *SimulatedServo) Close() error    { return nil }

type UnavailableDisplay struct{}

func (UnavailableDisplay) Render(Frame) error { return ErrUnavailable }
func (UnavailableDisplay) Clear() error       { return ErrUnavailable }
func (UnavailableDisplay) Available() bool    { return false }
func (UnavailableDisplay) Close() error       { return nil }

type UnavailableAudio struct{}

func (UnavailableAudio) Play(models.Sound) error { return ErrUnavailable }
func (UnavailableAudio) Available() bool         { return false }
func (UnavailableAudio) Close() error            { return nil }

type UnavailableReader struct{}

func (UnavailableReader) Read() (models.Tag, bool, error) { return models.Tag{}, false, ErrUnavailable }
func (UnavailableReader) Available() bool                 { return false }
func (UnavailableReader) Close() error                    { return nil }

type UnavailableServo struct{}

func (UnavailableServo) Run(int, float64, time.Duration) bool { return false }
func (UnavailableServo) StopAll() error                       { return nil }
func (UnavailableServo) Channels() int                        { return 0 }
func (UnavailableServo) Available() bool                      { return false }
func (UnavailableServo) Close() error                         { return nil }
