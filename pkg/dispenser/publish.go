package dispenser

import (
	"encoding/json"
	"time"

	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

const (
	actionAnnounce      = "announce"
	reasonStatusUpdate  = "Status Update"
	reasonUnexpectedEnd = "Unexpected Disconnect"
)

// SetStatus updates the advertised status and publishes it retained.
func (d *Dispenser) SetStatus(status, reason string) error {
	d.mu.Lock()
	d.status = status
	d.mu.Unlock()

	if reason == "" {
		reason = reasonStatusUpdate
	}
	return d.conn.Publish(d.conn.Topics().Status, d.statusMessage(status, reason), d.opts.QoS, true)
}

func (d *Dispenser) statusMessage(status, reason string) models.StatusMessage {
	return models.StatusMessage{
		Status:        status,
		Timestamp:     d.now(),
		IPAddress:     d.ipAddress(),
		Reason:        reason,
		ScheduleCount: d.store.Count(),
	}
}

func (d *Dispenser) sendDiscovery() error {
	return d.conn.Publish(d.conn.Topics().Discovery, models.DiscoveryMessage{
		SerialNumber: d.serial,
		IPAddress:    d.ipAddress(),
		Status:       d.Status(),
		LastSeen:     d.now(),
		Action:       actionAnnounce,
		Model:        common.DeviceModel,
	}, d.opts.QoS, true)
}

func (d *Dispenser) sendLog(result models.DispenseResult) error {
	return d.conn.Publish(d.conn.Topics().Logs, models.LogMessage{
		DispenserID:    d.serial,
		Timestamp:      d.now(),
		DispenseResult: result,
	}, d.opts.QoS, false)
}

func (d *Dispenser) heartbeat() any {
	return models.PingMessage{
		Timestamp: d.now(),
		Uptime:    d.uptime(),
		Status:    d.Status(),
	}
}

// WillMessage is the retained status the broker publishes when the device
// vanishes without a controlled shutdown.
func WillMessage(ipAddress string, scheduleCount int) ([]byte, error) {
	return json.Marshal(models.StatusMessage{
		Status:        string(models.StateOffline),
		Timestamp:     time.Now(),
		IPAddress:     ipAddress,
		Reason:        reasonUnexpectedEnd,
		ScheduleCount: scheduleCount,
	})
}
