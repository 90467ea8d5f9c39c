package hardware

//go:generate mockgen -destination=mocks/mock_hardware.go -package=mocks liyu1981.xyz/medipi-dispenser/pkg/hardware Display,Audio,Reader,Servo

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

var ErrUnavailable = errors.New("hardware unavailable")

const (
	ModeSimulated = "simulated"
	ModeNone      = "none"
)

const (
	ComponentDisplay = "display"
	ComponentAudio   = "audio"
	ComponentRFID    = "rfid"
	ComponentServo   = "servo"
)

// Frame is one screenful. Progress is a percentage, nil when not shown.
type Frame struct {
	Title    string `json:"title"`
	Status   string `json:"status"`
	Details  string `json:"details"`
	Progress *int   `json:"progress,omitempty"`
}

type Display interface {
	Render(f Frame) error
	Clear() error
	Available() bool
	Close() error
}

type Audio interface {
	Play(kind models.Sound) error
	Available() bool
	Close() error
}

// Reader polls for a credential without blocking. ok is false when no tag
// is present.
type Reader interface {
	Read() (tag models.Tag, ok bool, err error)
	Available() bool
	Close() error
}

// Servo drives the chamber actuators; index is the 0-based channel.
type Servo interface {
	Run(index int, throttle float64, duration time.Duration) bool
	StopAll() error
	Channels() int
	Available() bool
	Close() error
}

// Devices is the set of collaborators constructed at startup. A component
// that could not be brought up is present as its unavailable variant.
type Devices struct {
	Display Display
	Audio   Audio
	Reader  Reader
	Servo   Servo

	// Scanner is set when the reader accepts injected scans.
	Scanner *SimulatedReader
}

// Open constructs the devices for the configured mode.
func Open(cfg common.HardwareConfig) (*Devices, error) {
	logger := common.GetLoggerWith(common.LoggerNameHardware)

	switch cfg.Mode {
	case ModeSimulated, "":
		reader := NewSimulatedReader(8)
		logger.Info("Using simulated hardware", zap.Int("servo_count", cfg.ServoCount))
		return &Devices{
			Display: NewSimulatedDisplay(),
			Audio:   NewSimulatedAudio(),
			Reader:  reader,
			Servo:   NewSimulatedServo(cfg.ServoCount),
			Scanner: reader,
		}, nil
	case ModeNone:
		logger.Warn("Hardware disabled, all components unavailable")
		return &Devices{
			Display: UnavailableDisplay{},
			Audio:   UnavailableAudio{},
			Reader:  UnavailableReader{},
			Servo:   UnavailableServo{},
		}, nil
	default:
		return nil, fmt.Errorf("unknown hardware mode %q", cfg.Mode)
	}
}

// Availability reports each component by name.
func (d *Devices) Availability() map[string]bool {
	return map[string]bool{
		ComponentDisplay: d.Display.Available(),
		ComponentAudio:   d.Audio.Available(),
		ComponentRFID:    d.Reader.Available(),
		ComponentServo:   d.Servo.Available(),
	}
}

// Close stops the actuators first, then releases everything.
func (d *Devices) Close() error {
	return errors.Join(
		d.Servo.StopAll(),
		d.Servo.Close(),
		d.Reader.Close(),
		d.Audio.Close(),
		d.Display.Close(),
	)
}
