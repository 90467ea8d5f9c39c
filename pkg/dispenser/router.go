package dispenser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	z "github.com/Oudwins/zog"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/events"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
	"liyu1981.xyz/medipi-dispenser/pkg/schedule"
)

var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrUnknownAction  = errors.New("unknown command action")
	ErrRateLimited    = errors.New("command rate limited")
)

const reasonNotFound = "Schedule not found"

var commandSchema = z.Struct(z.Shape{
	"Action":     z.String().Min(1).Required(),
	"Status":     z.String(),
	"ScheduleID": z.String(),
	"Authorized": z.Bool(),
	"Component":  z.String(),
})

// enqueue is the transport callback. It only hands the message over to the
// inbox worker.
func (d *Dispenser) enqueue(topic string, payload []byte, duplicate bool) {
	msg := inboundMessage{topic: topic, payload: append([]byte(nil), payload...), duplicate: duplicate}
	select {
	case d.inbox <- msg:
	default:
		d.logger.Warn("Inbound queue full, dropping message", zap.String("topic", topic))
	}
}

func (d *Dispenser) processInbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.inbox:
			d.HandleMessage(msg.topic, msg.payload, msg.duplicate)
		}
	}
}

// HandleMessage routes one hub message by topic. Failures are logged; a
// panic is reported on the bus and never escapes.
func (d *Dispenser) HandleMessage(topic string, payload []byte, duplicate bool) {
	defer func() {
		if r := recover(); r != nil {
			d.bus.Report("on_message", fmt.Errorf("panic: %v", r))
		}
	}()

	logger := d.logger.With(zap.String("topic", topic))

	if d.redelivered(topic, payload, duplicate) {
		logger.Info("Skipping redelivered message")
		return
	}

	topics := d.conn.Topics()
	var err error
	switch topic {
	case topics.Broadcast:
		err = d.handleBroadcast(payload)
	case topics.Commands:
		err = d.HandleCommand(payload)
	case topics.Schedules:
		err = d.handleScheduleUpdate(payload)
	default:
		logger.Debug("Ignoring message on unexpected topic")
		return
	}

	if err != nil {
		logger.Warn("Message not handled", zap.Error(err))
	}
}

// redelivered reports whether a message flagged as a QoS redelivery has
// already been handled.
func (d *Dispenser) redelivered(topic string, payload []byte, duplicate bool) bool {
	sum := sha256.Sum256(payload)
	key := topic + ":" + hex.EncodeToString(sum[:])

	if _, found := d.seen.Get(key); found && duplicate {
		return true
	}
	d.seen.Set(key, struct{}{}, cache.DefaultExpiration)
	return false
}

func (d *Dispenser) handleBroadcast(payload []byte) error {
	var msg struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode broadcast: %w", err)
	}
	if msg.Action != models.ActionScan {
		return nil
	}
	d.logger.Info("Received scan request, sending discovery message")
	return d.sendDiscovery()
}

// HandleCommand executes one command envelope. The hub command topic and the
// local REST API both land here.
func (d *Dispenser) HandleCommand(payload []byte) error {
	var cmd models.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if issues := commandSchema.Validate(&cmd); len(issues) > 0 {
		return fmt.Errorf("%w: validation error: %v", ErrInvalidCommand, issues)
	}

	logger := d.logger.With(
		zap.String(common.LoggerFieldCategory, common.LoggerCategoryCommand),
		zap.String("action", cmd.Action))

	if !d.limiter.Allow(cmd.Action) {
		logger.Warn("Command rate limited")
		return ErrRateLimited
	}

	logger.Info("Handling command")

	switch cmd.Action {
	case models.ActionSetStatus:
		if cmd.Status == "" {
			return fmt.Errorf("%w: status is required", ErrInvalidCommand)
		}
		return d.SetStatus(cmd.Status, "")
	case models.ActionDispense:
		return d.dispenseCommand(logger, cmd)
	case models.ActionTestHardware:
		_, err := d.TestHardware(cmd.Component)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, cmd.Action)
	}
}

func (d *Dispenser) dispenseCommand(logger *zap.Logger, cmd models.Command) error {
	var (
		s   models.Schedule
		err error
	)

	if len(cmd.Schedule) > 0 && string(cmd.Schedule) != "null" {
		logger.Info("Using provided schedule for direct dispensing")
		if s, err = schedule.ParseSchedule(cmd.Schedule, d.now(), logger); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
	} else if s, err = d.store.Find(cmd.ScheduleID); err != nil {
		logger.Warn("Schedule not found", zap.String("schedule_id", cmd.ScheduleID))
		if logErr := d.sendLog(models.DispenseResult{
			ScheduleID: cmd.ScheduleID,
			Timestamp:  d.now(),
			Status:     models.DispenseError,
			Error:      reasonNotFound,
		}); logErr != nil {
			return errors.Join(err, logErr)
		}
		return fmt.Errorf("schedule %q: %w", cmd.ScheduleID, err)
	}

	d.bus.Publish(events.ScheduleDue{Schedule: s, Authorized: cmd.Authorized, Source: "command"})
	return nil
}

func (d *Dispenser) handleScheduleUpdate(payload []byte) error {
	logger := d.logger.With(zap.String(common.LoggerFieldCategory, common.LoggerCategorySchedules))

	schedules, err := schedule.ParseSchedules(payload, d.now(), logger)
	if err != nil {
		return err
	}
	logger.Info("Received schedules", zap.Int("count", len(schedules)))

	if err := d.store.Replace(schedules); err != nil {
		logger.Error("Saving schedules failed, keeping them in memory", zap.Error(err))
		d.bus.Report("save_schedules", err)
	}

	d.bus.Publish(events.SchedulesUpdated{Count: len(schedules)})
	return nil
}
