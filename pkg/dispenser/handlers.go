package dispenser

import (
	"fmt"

	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/events"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

const reasonBusy = "Dispensing already in progress"

func (d *Dispenser) onStateChanged(e events.StateChanged) error {
	d.mu.Lock()
	d.status = string(e.To)
	d.mu.Unlock()

	d.logger.Info("Connectivity changed",
		zap.String("from", string(e.From)),
		zap.String("to", string(e.To)),
		zap.Int("reconnect_count", e.ReconnectCount),
		zap.String("reason", e.Reason))

	if d.isClosing() || d.Dispensing() {
		return nil
	}

	switch e.To {
	case models.StateOffline:
		d.screen.Update("DISCONNECTED", "Lost connection", fmt.Sprintf("Reconnecting... %d", e.ReconnectCount))
	case models.StateOfflineAutonomous:
		d.screen.Update("OFFLINE MODE", "No connection", "Operating autonomously")
	}
	return nil
}

func (d *Dispenser) onConnected(events.MQTTConnected) error {
	if err := d.sendDiscovery(); err != nil {
		return err
	}
	if err := d.SetStatus(string(models.StateOnline), "Initial Connection"); err != nil {
		return err
	}
	d.showDefault()
	return nil
}

// onScheduleDue starts the pipeline on its own goroutine. A trigger that does
// not already hold the gate acquires it here; a busy gate is reported to the
// hub instead of queueing a second dispense.
func (d *Dispenser) onScheduleDue(e events.ScheduleDue) error {
	logger := d.logger.With(zap.String("schedule_id", e.Schedule.ID), zap.String("source", e.Source))

	if d.isClosing() {
		if e.Reserved {
			d.pipeline.Gate().Release()
		}
		logger.Warn("Ignoring due schedule during shutdown")
		return nil
	}

	if !e.Reserved && !d.pipeline.Gate().TryAcquire() {
		logger.Warn("Dispense request rejected, already in progress")
		return d.sendLog(models.DispenseResult{
			ScheduleID: e.Schedule.ID,
			Timestamp:  d.now(),
			Status:     models.DispenseError,
			Error:      reasonBusy,
		})
	}

	d.stopNotice()
	ctx := d.dispenseCtx

	d.dispensing.Add(1)
	go func() {
		defer d.dispensing.Done()
		result := d.pipeline.DispenseReserved(ctx, e.Schedule, e.Authorized)
		d.bus.Publish(events.DispensingCompleted{Result: result})
	}()
	return nil
}

func (d *Dispenser) onDispensingCompleted(e events.DispensingCompleted) error {
	d.logger.Info("Dispensing finished",
		zap.String("schedule_id", e.Result.ScheduleID),
		zap.String("status", string(e.Result.Status)),
		zap.Int("dispensed", e.Result.DispensedDoseCount),
		zap.Int("total", e.Result.TotalDoseCount))

	err := d.sendLog(e.Result)
	if !d.isClosing() {
		d.showDefault()
	}
	return err
}

func (d *Dispenser) onSchedulesUpdated(e events.SchedulesUpdated) error {
	if !d.Dispensing() && !d.isClosing() {
		d.showNotice("SCHEDULES", "Updated", fmt.Sprintf("%d schedules", e.Count))
	}
	return d.conn.Publish(d.conn.Topics().Confirm, models.ScheduleConfirmMessage{
		Status:    "SUCCESS",
		Count:     e.Count,
		Timestamp: d.now(),
	}, d.opts.QoS, false)
}

func (d *Dispenser) onError(e events.Error) error {
	d.logger.Error("Error reported",
		zap.String("function", e.Function),
		zap.String("error", e.Message),
		zap.Time("timestamp", e.Timestamp))

	if d.Dispensing() || d.isClosing() {
		return nil
	}
	d.screen.Update("ERROR", e.Function, common.Truncate(e.Message, 30))
	return nil
}
