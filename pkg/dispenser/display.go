package dispenser

import (
	"fmt"
	"time"
)

// showDefault renders the idle screen: patient, schedule count and a hint
// when a dose is due within the next quarter hour.
func (d *Dispenser) showDefault() {
	if d.Dispensing() {
		return
	}

	patient, ok := d.store.PatientName()
	if !ok {
		patient = "No Patient"
	}

	details := fmt.Sprintf("Schedules: %d", d.store.Count())
	if hour, due := d.store.Upcoming(d.now()); due {
		details += fmt.Sprintf(" - Med due at %d:00", hour)
	}

	d.screen.Update("MediPi", "Patient: "+patient, details)
}

// showNotice displays a transient message, then returns to the default
// screen after NoticeDelay.
func (d *Dispenser) showNotice(title, status, details string) {
	d.screen.Update(title, status, details)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.notice != nil {
		d.notice.Stop()
	}
	d.notice = time.AfterFunc(d.opts.NoticeDelay, func() {
		if !d.isClosing() {
			d.showDefault()
		}
	})
}

func (d *Dispenser) stopNotice() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.notice != nil {
		d.notice.Stop()
		d.notice = nil
	}
}
