// Package dispenser wires the dispensing core together: it owns the event
// subscriptions, routes hub messages, publishes device state and drives the
// default display.
package dispenser

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"liyu1981.xyz/medipi-dispenser/pkg/auth"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/connectivity"
	"liyu1981.xyz/medipi-dispenser/pkg/dispense"
	"liyu1981.xyz/medipi-dispenser/pkg/events"
	"liyu1981.xyz/medipi-dispenser/pkg/hardware"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
	"liyu1981.xyz/medipi-dispenser/pkg/schedule"
)

const inboxSize = 64

type Options struct {
	Serial          string
	QoS             byte
	DisplayInterval time.Duration
	NoticeDelay     time.Duration
	ShutdownGrace   time.Duration
	HaltTimeout     time.Duration

	Detector schedule.DetectorOptions
	Pipeline dispense.Options
	Auth     auth.Options

	CommandRate  rate.Limit
	CommandBurst int
	DuplicateTTL time.Duration
}

func DefaultOptions(serial string) Options {
	return Options{
		Serial:          serial,
		QoS:             1,
		DisplayInterval: time.Second,
		NoticeDelay:     5 * time.Second,
		ShutdownGrace:   5 * time.Second,
		Pipeline:        dispense.DefaultOptions(),
		Auth:            auth.DefaultOptions(),
		CommandRate:     rate.Limit(1),
		CommandBurst:    5,
		DuplicateTTL:    5 * time.Minute,
	}
}

// OptionsFromConfig maps the process configuration onto Options.
func OptionsFromConfig(serial string, cfg common.Config) Options {
	opts := DefaultOptions(serial)
	opts.QoS = cfg.MQTT.QoS
	opts.DisplayInterval = cfg.Hardware.DisplayInterval

	opts.Detector = schedule.DetectorOptions{
		CheckInterval:  cfg.Schedules.CheckInterval,
		DispenseWindow: cfg.Schedules.DispenseWindow,
	}

	opts.Pipeline.ServoThrottle = cfg.Hardware.ServoThrottle
	opts.Pipeline.DoseDuration = cfg.Hardware.DoseDuration
	opts.Pipeline.SettleInterval = cfg.Hardware.SettleInterval
	opts.Pipeline.AuthTimeout = cfg.Schedules.AuthTimeout

	if cfg.Server.DefaultRate > 0 {
		opts.CommandRate = rate.Limit(cfg.Server.DefaultRate)
	}
	if cfg.Server.DefaultBurst > 0 {
		opts.CommandBurst = cfg.Server.DefaultBurst
	}
	return opts
}

type inboundMessage struct {
	topic     string
	payload   []byte
	duplicate bool
}

// Dispenser is the orchestrator. All device state lives here or in the
// components it owns.
type Dispenser struct {
	serial   string
	opts     Options
	bus      *events.Bus
	conn     *connectivity.Manager
	store    *schedule.Store
	detector *schedule.Detector
	pipeline *dispense.Pipeline
	devices  *hardware.Devices
	screen   *hardware.ThrottledDisplay
	limiter  *RateLimiterStore
	seen     *cache.Cache
	inbox    chan inboundMessage
	logger   *zap.Logger

	mu        sync.Mutex
	status    string
	cancelRun context.CancelFunc
	tasksDone chan struct{}
	notice    *time.Timer
	closing   bool

	// outlives the background tasks so shutdown can wait on a dispense
	dispenseCtx    context.Context
	cancelDispense context.CancelFunc
	dispensing     sync.WaitGroup
	unsubscribe []func()

	started   time.Time
	now       func() time.Time
	ipAddress func() string
}

func New(bus *events.Bus, conn *connectivity.Manager, store *schedule.Store, devices *hardware.Devices, opts Options) *Dispenser {
	if opts.NoticeDelay <= 0 {
		opts.NoticeDelay = 5 * time.Second
	}
	if opts.DuplicateTTL <= 0 {
		opts.DuplicateTTL = 5 * time.Minute
	}
	if opts.HaltTimeout <= 0 {
		opts.HaltTimeout = opts.Pipeline.DoseDuration + opts.Pipeline.SettleInterval + time.Second
	}

	screen := hardware.NewThrottledDisplay(devices.Display, opts.DisplayInterval)
	gate := dispense.NewGate()
	workflow := auth.NewWorkflow(screen, devices.Audio, devices.Reader, opts.Auth)
	dispenseCtx, cancelDispense := context.WithCancel(context.Background())

	d := &Dispenser{
		serial:    opts.Serial,
		opts:      opts,
		bus:       bus,
		conn:      conn,
		store:     store,
		pipeline:  dispense.NewPipeline(gate, screen, devices.Audio, devices.Servo, workflow, opts.Pipeline),
		detector:  schedule.NewDetector(store, bus, gate, opts.Detector),
		devices:   devices,
		screen:    screen,
		limiter:   NewRateLimiterStore(opts.CommandRate, opts.CommandBurst),
		seen:      cache.New(opts.DuplicateTTL, 2*opts.DuplicateTTL),
		inbox:     make(chan inboundMessage, inboxSize),
		logger:    common.GetLoggerWith(common.LoggerNameDispenser, zap.String("serial", opts.Serial)),
		status:    string(models.StateOffline),
		started:   time.Now(),
		now:       time.Now,
		ipAddress: common.LocalIPAddress,

		dispenseCtx:    dispenseCtx,
		cancelDispense: cancelDispense,
	}

	d.detector.SetAfterTick(func() { screen.FlushPending() })

	d.unsubscribe = []func(){
		events.Subscribe(bus, d.onStateChanged),
		events.Subscribe(bus, d.onConnected),
		events.Subscribe(bus, d.onScheduleDue),
		events.Subscribe(bus, d.onDispensingCompleted),
		events.Subscribe(bus, d.onSchedulesUpdated),
		events.Subscribe(bus, d.onError),
	}

	conn.SetMessageHandler(d.enqueue)
	conn.SetHeartbeat(d.heartbeat)
	return d
}

func (d *Dispenser) Serial() string { return d.serial }

func (d *Dispenser) Bus() *events.Bus { return d.bus }

func (d *Dispenser) Connectivity() *connectivity.Manager { return d.conn }

func (d *Dispenser) Devices() *hardware.Devices { return d.devices }

func (d *Dispenser) Status() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Dispenser) Dispensing() bool {
	return d.pipeline.Gate().Busy()
}

func (d *Dispenser) Schedules() []models.Schedule {
	return d.store.Snapshot()
}

// Snapshot is a point-in-time view for the local diagnostics surfaces.
type Snapshot struct {
	Serial         string                   `json:"serialNumber"`
	Status         string                   `json:"status"`
	State          models.ConnectivityState `json:"connectivity"`
	ReconnectCount int                      `json:"reconnectCount"`
	Dispensing     bool                     `json:"dispensing"`
	PendingCount   int                      `json:"pendingMessages"`
	DroppedCount   int                      `json:"droppedMessages"`
	ScheduleCount  int                      `json:"scheduleCount"`
	ProcessedHours []string                 `json:"processedHours"`
	Hardware       map[string]bool          `json:"hardware"`
	Display        hardware.Frame           `json:"display"`
	Uptime         float64                  `json:"uptime"`
}

func (d *Dispenser) Snapshot() Snapshot {
	return Snapshot{
		Serial:         d.serial,
		Status:         d.Status(),
		State:          d.conn.State(),
		ReconnectCount: d.conn.ReconnectCount(),
		Dispensing:     d.Dispensing(),
		PendingCount:   d.conn.Queue().Len(),
		DroppedCount:   d.conn.Queue().Dropped(),
		ScheduleCount:  d.store.Count(),
		ProcessedHours: common.Mapper(d.detector.ProcessedKeys(), schedule.HourKey.String),
		Hardware:       d.devices.Availability(),
		Display:        d.screen.Latest(),
		Uptime:         d.uptime(),
	}
}

// Scan injects a tag read into the simulated reader.
func (d *Dispenser) Scan(tag models.Tag) error {
	if d.devices.Scanner == nil {
		return hardware.ErrUnavailable
	}
	return d.devices.Scanner.Scan(tag)
}

// Run starts the background tasks and blocks until ctx is done or Shutdown
// stops them, and they have returned.
func (d *Dispenser) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.cancelRun = cancel
	d.tasksDone = done
	d.mu.Unlock()

	d.logger.Info("Starting dispenser",
		zap.Int("schedules", d.store.Count()),
		zap.Any("hardware", d.devices.Availability()))

	d.showDefault()

	var wg sync.WaitGroup
	for _, task := range []func(context.Context){
		d.screen.Run,
		d.processInbox,
		d.detector.Run,
		d.conn.Run,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(task)
	}

	wg.Wait()
	d.logger.Info("Background tasks stopped")
}

// Shutdown shows the shutdown screen and gives an in-progress dispense up
// to grace to finish. A dispense still running after that is halted before
// its next dose. Then the final OFFLINE status goes out, the background
// tasks stop and the hardware is released.
func (d *Dispenser) Shutdown(grace time.Duration) error {
	d.mu.Lock()
	d.closing = true
	if d.notice != nil {
		d.notice.Stop()
	}
	cancelRun, tasksDone := d.cancelRun, d.tasksDone
	d.mu.Unlock()

	d.logger.Info("Shutting down")
	if err := d.devices.Display.Render(hardware.Frame{Title: "SHUTDOWN", Status: "System stopping", Details: "Please wait..."}); err != nil {
		d.logger.Debug("Shutdown screen not shown", zap.Error(err))
	}

	if !d.waitDispensing(grace) {
		d.logger.Warn("Dispensing still in progress at shutdown, halting", zap.Duration("grace", grace))
		d.pipeline.Halt()
		d.cancelDispense()
		if !d.waitDispensing(d.opts.HaltTimeout) {
			d.logger.Error("Dispensing did not halt in time", zap.Duration("timeout", d.opts.HaltTimeout))
		}
		if err := d.devices.Servo.StopAll(); err != nil {
			d.logger.Error("Stopping servos failed", zap.Error(err))
		}
	}
	d.cancelDispense()

	d.conn.Shutdown(d.statusMessage(string(models.StateOffline), "Controlled Shutdown"))

	if cancelRun != nil {
		cancelRun()
		<-tasksDone
	}

	for _, unsubscribe := range d.unsubscribe {
		unsubscribe()
	}

	if err := d.devices.Close(); err != nil {
		d.logger.Error("Releasing hardware failed", zap.Error(err))
		return err
	}
	d.logger.Info("Shutdown complete")
	return nil
}

func (d *Dispenser) waitDispensing(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.dispensing.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (d *Dispenser) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closing
}

func (d *Dispenser) uptime() float64 {
	return d.now().Sub(d.started).Seconds()
}
