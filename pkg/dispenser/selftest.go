package dispenser

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/hardware"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

const componentAll = "all"

var ErrUnknownComponent = errors.New("unknown hardware component")

// TestHardware checks one component, or all of them, and publishes the
// results to the hub log. The servo check never moves a motor.
func (d *Dispenser) TestHardware(component string) (map[string]bool, error) {
	if component == "" {
		component = componentAll
	}

	checks := map[string]func() bool{
		hardware.ComponentDisplay: d.testDisplay,
		hardware.ComponentAudio:   d.testAudio,
		hardware.ComponentRFID:    d.devices.Reader.Available,
		hardware.ComponentServo:   d.testServo,
	}

	results := make(map[string]bool)
	if component == componentAll {
		for name, check := range checks {
			results[name] = check()
		}
	} else {
		check, ok := checks[component]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, component)
		}
		results[component] = check()
	}

	status := models.DispenseCompleted
	for _, ok := range results {
		if !ok {
			status = models.DispenseError
		}
	}

	d.logger.Info("Hardware test finished", zap.String("component", component), zap.Any("results", results))

	return results, d.conn.Publish(d.conn.Topics().Logs, models.HardwareTestMessage{
		DispenserID: d.serial,
		Timestamp:   d.now(),
		Action:      models.ActionTestHardware,
		Component:   component,
		Status:      status,
		Results:     results,
	}, d.opts.QoS, false)
}

// testDisplay renders a test frame directly, then restores what the screen
// showed before. While dispensing the progress screen is left alone and
// only availability is reported.
func (d *Dispenser) testDisplay() bool {
	display := d.devices.Display
	if !display.Available() {
		return false
	}
	if d.Dispensing() {
		d.logger.Info("Display test frame skipped, dispensing in progress")
		return true
	}
	if err := display.Render(hardware.Frame{Title: "TEST", Status: "Display test", Details: "OK"}); err != nil {
		return false
	}
	_ = display.Render(d.screen.Latest())
	return true
}

func (d *Dispenser) testAudio() bool {
	return d.devices.Audio.Available() && d.devices.Audio.Play(models.SoundTest) == nil
}

func (d *Dispenser) testServo() bool {
	servo := d.devices.Servo
	return servo.Available() && servo.Channels() > 0 && servo.StopAll() == nil
}
