package dispenser

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/time/rate"
	"liyu1981.xyz/medipi-dispenser/pkg/auth"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/connectivity"
	"liyu1981.xyz/medipi-dispenser/pkg/connectivity/connectivitytest"
	"liyu1981.xyz/medipi-dispenser/pkg/dispense"
	"liyu1981.xyz/medipi-dispenser/pkg/events"
	"liyu1981.xyz/medipi-dispenser/pkg/hardware"
	"liyu1981.xyz/medipi-dispenser/pkg/hardware/mocks"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
	"liyu1981.xyz/medipi-dispenser/pkg/schedule"
	_ "liyu1981.xyz/medipi-dispenser/pkg/testing"
)

const testSerial = "DISPC0FFEE01"

var testNow = time.Date(2025, 6, 1, 9, 1, 0, 0, time.Local)

type fixture struct {
	d         *Dispenser
	bus       *events.Bus
	transport *connectivitytest.Transport
	conn      *connectivity.Manager
	store     *schedule.Store
	devices   *hardware.Devices
	display   *hardware.SimulatedDisplay
	servo     *hardware.SimulatedServo
	topics    connectivity.Topics
}

func newFixture(t *testing.T, reachable bool, tweak ...func(*Options, *common.HardwareConfig)) *fixture {
	t.Helper()
	common.SetTestLoggerNop()

	opts := DefaultOptions(testSerial)
	opts.DisplayInterval = 0
	opts.NoticeDelay = 20 * time.Millisecond
	opts.ShutdownGrace = time.Second
	opts.Pipeline = dispense.Options{
		ServoThrottle: 0.3,
		DoseDuration:  time.Millisecond,
		AuthTimeout:   100 * time.Millisecond,
	}
	opts.Auth = auth.Options{PollInterval: 5 * time.Millisecond}
	opts.CommandRate = rate.Inf

	hwCfg := common.HardwareConfig{Mode: hardware.ModeSimulated, ServoCount: 6}
	for _, f := range tweak {
		f(&opts, &hwCfg)
	}

	bus := events.NewBus()
	transport := connectivitytest.NewTransport(reachable)
	topics := connectivity.NewTopics("", testSerial)
	conn := connectivity.NewManager(transport, bus, topics, connectivity.Options{
		QoS:            1,
		ReconnectDelay: 10 * time.Millisecond,
		PingInterval:   time.Hour,
	})
	store := schedule.NewStore(nil)

	devices, err := hardware.Open(hwCfg)
	require.NoError(t, err)

	d := New(bus, conn, store, devices, opts)
	d.ipAddress = func() string { return "10.0.0.7" }
	d.now = func() time.Time { return testNow }

	f := &fixture{d: d, bus: bus, transport: transport, conn: conn, store: store, devices: devices, topics: topics}
	f.display, _ = devices.Display.(*hardware.SimulatedDisplay)
	f.servo, _ = devices.Servo.(*hardware.SimulatedServo)
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.conn.Connect(context.Background()))
}

func (f *fixture) logs(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range f.transport.PublishedTo(f.topics.Logs) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(m.Payload, &entry))
		out = append(out, entry)
	}
	return out
}

func (f *fixture) waitForLog(t *testing.T, n int) []map[string]any {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.transport.PublishedTo(f.topics.Logs)) >= n }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !f.d.Dispensing() }, 2*time.Second, 5*time.Millisecond)
	return f.logs(t)
}

func aliceSchedule() models.Schedule {
	return models.Schedule{
		ID:          "s1",
		PatientName: "Alice",
		Hour:        9,
		IsActive:    true,
		StartDate:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.Local),
		RfidTag:     "TAG-1",
		ChamberAssignments: []models.ChamberAssignment{
			{ChamberIndex: 1, MedicationName: "Aspirin", DosageUnit: "tablet", DoseCount: 2},
		},
	}
}

func TestConnectAnnouncesDevice(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	discovery := f.transport.PublishedTo(f.topics.Discovery)
	require.Len(t, discovery, 1)
	assert.True(t, discovery[0].Retain)

	var announce models.DiscoveryMessage
	require.NoError(t, json.Unmarshal(discovery[0].Payload, &announce))
	assert.Equal(t, testSerial, announce.SerialNumber)
	assert.Equal(t, "announce", announce.Action)
	assert.Equal(t, "ONLINE", announce.Status)
	assert.Equal(t, "10.0.0.7", announce.IPAddress)
	assert.Equal(t, common.DeviceModel, announce.Model)

	status := f.transport.PublishedTo(f.topics.Status)
	require.Len(t, status, 1)
	assert.True(t, status[0].Retain)

	var msg models.StatusMessage
	require.NoError(t, json.Unmarshal(status[0].Payload, &msg))
	assert.Equal(t, "ONLINE", msg.Status)
	assert.Equal(t, "Initial Connection", msg.Reason)
	assert.Equal(t, 0, msg.ScheduleCount)

	assert.Equal(t, hardware.Frame{Title: "MediPi", Status: "Patient: No Patient", Details: "Schedules: 0"}, f.display.Last())
}

func TestBrokerUnreachableAtStartup(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.store.Replace([]models.Schedule{aliceSchedule()}))

	assert.Error(t, f.conn.Connect(context.Background()))
	assert.Equal(t, models.StateOfflineAutonomous, f.conn.State())
	assert.Equal(t, "OFFLINE_AUTONOMOUS", f.d.Status())
	assert.Equal(t, hardware.Frame{Title: "OFFLINE MODE", Status: "No connection", Details: "Operating autonomously"}, f.display.Last())

	// scheduling keeps working without the hub
	require.NoError(t, f.d.Scan(models.Tag{ID: "TAG-1"}))
	assert.Equal(t, schedule.TickFired, f.d.detector.Tick(testNow))
	require.Eventually(t, func() bool { return f.conn.Queue().Len() == 1 && !f.d.Dispensing() }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.transport.Published())
	assert.Equal(t, []int{0, 0}, f.servo.Runs())

	f.transport.SetReachable(true)
	f.connect(t)

	published := f.transport.Published()
	require.NotEmpty(t, published)
	assert.Equal(t, f.topics.Logs, published[0].Topic, "backlog goes out before the announcement")
	assert.Equal(t, 0, f.conn.Queue().Len())

	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "COMPLETED", logs[0]["status"])
	assert.Equal(t, float64(2), logs[0]["dispensedCount"])
}

func TestDisconnectShowsReconnectScreen(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	f.transport.Drop()
	assert.Equal(t, "OFFLINE", f.d.Status())
	assert.Equal(t, hardware.Frame{Title: "DISCONNECTED", Status: "Lost connection", Details: "Reconnecting... 1"}, f.display.Last())
}

func TestScheduleUpdateFromHub(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	payload := []byte(`[{
		"id": "s1", "time": 10, "patientName": "Alice", "rfidTag": "TAG-1",
		"startDate": "2025-01-01T00:00:00.000Z",
		"chambers": [{"chamber": 1, "medication": {"name": "Aspirin", "dosageUnit": "tablet"}, "dosageAmount": 2}]
	}]`)
	f.d.HandleMessage(f.topics.Schedules, payload, false)

	assert.Equal(t, 1, f.store.Count())
	assert.Equal(t, hardware.Frame{Title: "SCHEDULES", Status: "Updated", Details: "1 schedules"}, f.display.Last())

	confirm := f.transport.PublishedTo(f.topics.Confirm)
	require.Len(t, confirm, 1)
	var msg models.ScheduleConfirmMessage
	require.NoError(t, json.Unmarshal(confirm[0].Payload, &msg))
	assert.Equal(t, "SUCCESS", msg.Status)
	assert.Equal(t, 1, msg.Count)

	require.Eventually(t, func() bool { return f.display.Last().Title == "MediPi" }, time.Second, 5*time.Millisecond)
	// 09:01 is not within a quarter hour of the 10:00 dose
	assert.Equal(t, hardware.Frame{Title: "MediPi", Status: "Patient: Alice", Details: "Schedules: 1"}, f.display.Last())
}

func TestDefaultDisplayShowsUpcomingDose(t *testing.T) {
	f := newFixture(t, true)
	s := aliceSchedule()
	s.Hour = 10
	require.NoError(t, f.store.Replace([]models.Schedule{s}))
	f.d.now = func() time.Time { return time.Date(2025, 6, 1, 9, 50, 0, 0, time.Local) }

	f.d.showDefault()
	assert.Equal(t, "Schedules: 1 - Med due at 10:00", f.display.Last().Details)
}

func TestInvalidScheduleUpdateKeepsStore(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.Replace([]models.Schedule{aliceSchedule()}))
	f.connect(t)

	f.d.HandleMessage(f.topics.Schedules, []byte(`{"not": "a list"}`), false)
	assert.Equal(t, 1, f.store.Count())
	assert.Empty(t, f.transport.PublishedTo(f.topics.Confirm))
}

func TestDetectorDispensesAfterTagScan(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.Replace([]models.Schedule{aliceSchedule()}))
	f.connect(t)

	require.NoError(t, f.d.Scan(models.Tag{ID: "TAG-1"}))
	assert.Equal(t, schedule.TickFired, f.d.detector.Tick(testNow))

	logs := f.waitForLog(t, 1)
	assert.Equal(t, schedule.TickIdle, f.d.detector.Tick(testNow.Add(30*time.Second)))
	require.Len(t, logs, 1)
	assert.Equal(t, testSerial, logs[0]["dispenserId"])
	assert.Equal(t, "s1", logs[0]["scheduleId"])
	assert.Equal(t, "COMPLETED", logs[0]["status"])
	assert.Equal(t, float64(2), logs[0]["dispensedCount"])
	assert.Equal(t, float64(2), logs[0]["totalCount"])
	assert.Equal(t, []int{0, 0}, f.servo.Runs())
	assert.Equal(t, "MediPi", f.display.Last().Title)
}

func TestDispenseMissedWithoutTag(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.Replace([]models.Schedule{aliceSchedule()}))
	f.connect(t)

	require.NoError(t, f.d.HandleCommand([]byte(`{"action": "dispense", "scheduleId": "s1"}`)))

	logs := f.waitForLog(t, 1)
	assert.Equal(t, "MISSED", logs[0]["status"])
	assert.Equal(t, "Authentication failed", logs[0]["reason"])
	assert.Equal(t, float64(0), logs[0]["dispensedCount"])
	assert.Empty(t, f.servo.Runs())
}

func TestDispenseCommandAuthorized(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.Replace([]models.Schedule{aliceSchedule()}))
	f.connect(t)

	require.NoError(t, f.d.HandleCommand([]byte(`{"action": "dispense", "scheduleId": "s1", "authorized": true}`)))

	logs := f.waitForLog(t, 1)
	assert.Equal(t, "COMPLETED", logs[0]["status"])
	assert.Equal(t, []int{0, 0}, f.servo.Runs())
}

func TestDispenseCommandInlineSchedule(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	cmd := []byte(`{"action": "dispense", "authorized": true, "schedule": {
		"id": "adhoc", "time": 14, "patientName": "Bob",
		"chambers": [{"chamber": 4, "medicationName": "Syrup", "dosageUnit": "ml", "doseCount": 1}]
	}}`)
	require.NoError(t, f.d.HandleCommand(cmd))

	logs := f.waitForLog(t, 1)
	assert.Equal(t, "adhoc", logs[0]["scheduleId"])
	assert.Equal(t, "COMPLETED", logs[0]["status"])
	assert.Equal(t, []int{3}, f.servo.Runs())
	assert.Equal(t, 0, f.store.Count())
}

func TestDispenseCommandUnknownSchedule(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	err := f.d.HandleCommand([]byte(`{"action": "dispense", "scheduleId": "ghost"}`))
	assert.ErrorIs(t, err, schedule.ErrNotFound)

	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "ghost", logs[0]["scheduleId"])
	assert.Equal(t, "ERROR", logs[0]["status"])
	assert.Equal(t, "Schedule not found", logs[0]["error"])
}

func TestDispenseCommandRejectedWhileBusy(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.Replace([]models.Schedule{aliceSchedule()}))
	f.connect(t)

	gate := f.d.pipeline.Gate()
	require.True(t, gate.TryAcquire())
	defer gate.Release()

	require.NoError(t, f.d.HandleCommand([]byte(`{"action": "dispense", "scheduleId": "s1", "authorized": true}`)))

	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "ERROR", logs[0]["status"])
	assert.Equal(t, "Dispensing already in progress", logs[0]["error"])
	assert.Empty(t, f.servo.Runs())
	assert.True(t, gate.Busy())
}

func TestSetStatusCommand(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	require.NoError(t, f.d.HandleCommand([]byte(`{"action": "set_status", "status": "MAINTENANCE"}`)))
	assert.Equal(t, "MAINTENANCE", f.d.Status())

	status := f.transport.PublishedTo(f.topics.Status)
	require.Len(t, status, 2)
	var msg models.StatusMessage
	require.NoError(t, json.Unmarshal(status[1].Payload, &msg))
	assert.Equal(t, "MAINTENANCE", msg.Status)
	assert.Equal(t, "Status Update", msg.Reason)
}

func TestInvalidCommands(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"malformed json", `{"action":`, ErrInvalidCommand},
		{"missing action", `{"scheduleId": "s1"}`, ErrInvalidCommand},
		{"set_status without status", `{"action": "set_status"}`, ErrInvalidCommand},
		{"unknown action", `{"action": "reboot"}`, ErrUnknownAction},
		{"unknown component", `{"action": "test_hardware", "component": "motor"}`, ErrUnknownComponent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, f.d.HandleCommand([]byte(tt.payload)), tt.want)
		})
	}
}

func TestCommandRateLimit(t *testing.T) {
	f := newFixture(t, true, func(o *Options, _ *common.HardwareConfig) {
		o.CommandRate = rate.Limit(0.001)
		o.CommandBurst = 1
	})
	f.connect(t)

	require.NoError(t, f.d.HandleCommand([]byte(`{"action": "set_status", "status": "A"}`)))
	assert.ErrorIs(t, f.d.HandleCommand([]byte(`{"action": "set_status", "status": "B"}`)), ErrRateLimited)
	assert.Equal(t, "A", f.d.Status())
}

func TestRedeliveredCommandIsSkipped(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)
	before := len(f.transport.PublishedTo(f.topics.Status))

	payload := []byte(`{"action": "set_status", "status": "MAINTENANCE"}`)
	f.d.HandleMessage(f.topics.Commands, payload, false)
	f.d.HandleMessage(f.topics.Commands, payload, true)
	assert.Len(t, f.transport.PublishedTo(f.topics.Status), before+1)

	// the same command sent again by the hub is not a redelivery
	f.d.HandleMessage(f.topics.Commands, payload, false)
	assert.Len(t, f.transport.PublishedTo(f.topics.Status), before+2)
}

func TestBroadcastScanSendsDiscovery(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	f.d.HandleMessage(f.topics.Broadcast, []byte(`{"action": "scan"}`), false)
	f.d.HandleMessage(f.topics.Broadcast, []byte(`{"action": "hello"}`), false)
	f.d.HandleMessage(f.topics.Broadcast, []byte(`not json`), false)

	assert.Len(t, f.transport.PublishedTo(f.topics.Discovery), 2)
}

func TestInboundMessagesGoThroughInbox(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.d.processInbox(ctx)
	f.connect(t)

	f.transport.Deliver(f.topics.Broadcast, []byte(`{"action": "scan"}`), false)
	require.Eventually(t, func() bool { return len(f.transport.PublishedTo(f.topics.Discovery)) == 2 }, time.Second, 5*time.Millisecond)
}

func TestTestHardware(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)
	f.d.showDefault()

	require.NoError(t, f.d.HandleCommand([]byte(`{"action": "test_hardware", "component": "all"}`)))

	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "test_hardware", logs[0]["action"])
	assert.Equal(t, "all", logs[0]["component"])
	assert.Equal(t, "COMPLETED", logs[0]["status"])
	assert.Equal(t, map[string]any{"display": true, "audio": true, "rfid": true, "servo": true}, logs[0]["results"])
	assert.Empty(t, f.servo.Runs())
	assert.Equal(t, "MediPi", f.display.Last().Title)

	results, err := f.d.TestHardware(hardware.ComponentAudio)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"audio": true}, results)
}

func TestTestHardwareKeepsDispensingScreen(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	ctrl := gomock.NewController(t)
	display := mocks.NewMockDisplay(ctrl)
	display.EXPECT().Available().Return(true)
	display.EXPECT().Render(gomock.Any()).Times(0)
	f.devices.Display = display

	require.True(t, f.d.pipeline.Gate().TryAcquire())
	defer f.d.pipeline.Gate().Release()

	results, err := f.d.TestHardware(hardware.ComponentDisplay)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"display": true}, results)
}

func TestShutdownHaltsDispenseAfterGrace(t *testing.T) {
	f := newFixture(t, true, func(o *Options, _ *common.HardwareConfig) {
		o.Pipeline.SettleInterval = 100 * time.Millisecond
	})
	s := aliceSchedule()
	s.ChamberAssignments[0].DoseCount = 5
	require.NoError(t, f.store.Replace([]models.Schedule{s}))
	f.connect(t)

	require.NoError(t, f.d.HandleCommand([]byte(`{"action": "dispense", "scheduleId": "s1", "authorized": true}`)))
	require.Eventually(t, func() bool { return len(f.servo.Runs()) >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.d.Shutdown(50*time.Millisecond))
	assert.False(t, f.d.Dispensing())

	runs := len(f.servo.Runs())
	assert.Less(t, runs, 5)
	time.Sleep(250 * time.Millisecond)
	assert.Len(t, f.servo.Runs(), runs, "no dose may start after shutdown")

	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "ERROR", logs[0]["status"])
	assert.Equal(t, dispense.ErrorHalted, logs[0]["error"])
	assert.EqualValues(t, runs, logs[0]["dispensedCount"])
	assert.EqualValues(t, 5, logs[0]["totalCount"])
}

func TestShutdownKeepsPendingAuthenticationDuringGrace(t *testing.T) {
	f := newFixture(t, true, func(o *Options, _ *common.HardwareConfig) {
		o.Pipeline.AuthTimeout = 5 * time.Second
	})
	s := aliceSchedule()
	// keep the detector away from this schedule
	s.Hour = (time.Now().Hour() + 12) % 24
	require.NoError(t, f.store.Replace([]models.Schedule{s}))

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		f.d.Run(context.Background())
	}()
	require.Eventually(t, func() bool { return f.conn.State() == models.StateOnline }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.d.HandleCommand([]byte(`{"action": "dispense", "scheduleId": "s1"}`)))
	require.Eventually(t, func() bool { return f.display.Last().Title == "AUTH NEEDED" }, time.Second, time.Millisecond)

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- f.d.Shutdown(2 * time.Second) }()

	// the shutdown screen comes first, background tasks still run
	require.Eventually(t, func() bool { return f.display.Last().Title == "SHUTDOWN" }, time.Second, time.Millisecond)
	select {
	case <-runDone:
		t.Fatal("background tasks stopped before the grace wait")
	default:
	}

	require.NoError(t, f.d.Scan(models.Tag{ID: "TAG-1"}))
	require.NoError(t, <-shutdownErr)
	<-runDone

	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "COMPLETED", logs[0]["status"])
	assert.EqualValues(t, 2, logs[0]["dispensedCount"])

	status := f.transport.PublishedTo(f.topics.Status)
	var last models.StatusMessage
	require.NoError(t, json.Unmarshal(status[len(status)-1].Payload, &last))
	assert.Equal(t, "Controlled Shutdown", last.Reason)
}

func TestTestHardwareWithoutDevices(t *testing.T) {
	f := newFixture(t, true, func(_ *Options, hw *common.HardwareConfig) { hw.Mode = hardware.ModeNone })
	f.connect(t)

	results, err := f.d.TestHardware("")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"display": false, "audio": false, "rfid": false, "servo": false}, results)

	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "ERROR", logs[0]["status"])
	assert.ErrorIs(t, f.d.Scan(models.Tag{ID: "x"}), hardware.ErrUnavailable)
}

func TestErrorEventIsShown(t *testing.T) {
	f := newFixture(t, true)

	f.bus.Report("check_schedules", errors.New("database table is locked by another writer"))
	assert.Equal(t, hardware.Frame{Title: "ERROR", Status: "check_schedules", Details: "database table is locked by..."}, f.display.Last())
}

func TestSaveFailureIsReported(t *testing.T) {
	f := newFixture(t, true)
	f.d.store = schedule.NewStore(failingRepo{})
	f.connect(t)

	var reported []events.Error
	events.Subscribe(f.bus, func(e events.Error) error { reported = append(reported, e); return nil })

	f.d.HandleMessage(f.topics.Schedules, []byte(`[{"id": "s1", "time": 8}]`), false)
	require.Len(t, reported, 1)
	assert.Equal(t, "save_schedules", reported[0].Function)
	assert.Len(t, f.transport.PublishedTo(f.topics.Confirm), 1)
}

func TestFailingSubscriberDoesNotBreakScheduleUpdate(t *testing.T) {
	f := newFixture(t, true)

	var reported []events.Error
	events.Subscribe(f.bus, func(e events.Error) error { reported = append(reported, e); return nil })
	events.Subscribe(f.bus, func(events.SchedulesUpdated) error { panic("boom") })

	assert.NotPanics(t, func() {
		f.d.HandleMessage(f.topics.Schedules, []byte(`[{"id": "s9", "time": 7}]`), false)
	})
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0].Message, "boom")
	assert.Equal(t, 1, f.store.Count())
	assert.Equal(t, 1, f.conn.Queue().Len(), "confirm still queued for the hub")
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.store.Replace([]models.Schedule{aliceSchedule()}))
	_ = f.conn.Connect(context.Background())
	require.NoError(t, f.d.SetStatus("MAINTENANCE", ""))

	snap := f.d.Snapshot()
	assert.Equal(t, testSerial, snap.Serial)
	assert.Equal(t, "MAINTENANCE", snap.Status)
	assert.Equal(t, models.StateOfflineAutonomous, snap.State)
	assert.Equal(t, 1, snap.PendingCount)
	assert.Equal(t, 1, snap.ScheduleCount)
	assert.False(t, snap.Dispensing)
	assert.True(t, snap.Hardware["servo"])
}

func TestRunAndShutdown(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.conn.State() == models.StateOnline }, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]byte{f.topics.Commands: 1, f.topics.Schedules: 1, f.topics.Broadcast: 1}, f.transport.Subscribed())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	require.NoError(t, f.d.Shutdown(time.Second))

	status := f.transport.PublishedTo(f.topics.Status)
	require.NotEmpty(t, status)
	var last models.StatusMessage
	require.NoError(t, json.Unmarshal(status[len(status)-1].Payload, &last))
	assert.Equal(t, "OFFLINE", last.Status)
	assert.Equal(t, "Controlled Shutdown", last.Reason)
	assert.True(t, status[len(status)-1].Retain)
	assert.False(t, f.transport.IsConnected())

	// transitions stop after shutdown
	f.conn.HandleDisconnected(errors.New("late"))
	assert.Equal(t, models.StateOnline, f.conn.State())
}

func TestShutdownWaitsForDispense(t *testing.T) {
	f := newFixture(t, true, func(o *Options, _ *common.HardwareConfig) {
		o.Pipeline.SummaryPause = 50 * time.Millisecond
	})
	require.NoError(t, f.store.Replace([]models.Schedule{aliceSchedule()}))
	f.connect(t)

	require.NoError(t, f.d.HandleCommand([]byte(`{"action": "dispense", "scheduleId": "s1", "authorized": true}`)))
	require.NoError(t, f.d.Shutdown(2*time.Second))

	assert.False(t, f.d.Dispensing())
	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "COMPLETED", logs[0]["status"])
}

func TestDueScheduleIgnoredDuringShutdown(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.d.Shutdown(10*time.Millisecond))

	gate := f.d.pipeline.Gate()
	require.True(t, gate.TryAcquire())
	require.NoError(t, f.d.onScheduleDue(events.ScheduleDue{Schedule: aliceSchedule(), Reserved: true, Source: "timer"}))

	assert.False(t, gate.Busy())
	assert.Empty(t, f.servo.Runs())
}

func TestWillMessage(t *testing.T) {
	payload, err := WillMessage("10.0.0.7", 3)
	require.NoError(t, err)

	var msg models.StatusMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "OFFLINE", msg.Status)
	assert.Equal(t, "Unexpected Disconnect", msg.Reason)
	assert.Equal(t, 3, msg.ScheduleCount)
}

type failingRepo struct{}

func (failingRepo) LoadSchedules() ([]models.Schedule, error) { return nil, nil }
func (failingRepo) SaveSchedules([]models.Schedule) error     { return errors.New("disk full") }
