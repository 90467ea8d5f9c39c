package hardware

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
)

// Screen is the display surface used by the dispensing core.
type Screen interface {
	Update(title, status, details string) bool
	UpdateFrame(f Frame) bool
}

// ThrottledDisplay renders at most once per minInterval. Requests arriving
// sooner replace each other and only the latest is rendered by FlushPending.
type ThrottledDisplay struct {
	display     Display
	minInterval time.Duration
	logger      *zap.Logger

	mu         sync.Mutex
	lastRender time.Time
	pending    *Frame
	latest     Frame

	now func() time.Time
}

func NewThrottledDisplay(display Display, minInterval time.Duration) *ThrottledDisplay {
	return &ThrottledDisplay{
		display:     display,
		minInterval: minInterval,
		logger:      common.GetLoggerWith(common.LoggerNameHardware, zap.String("component", ComponentDisplay)),
		now:         time.Now,
	}
}

func (t *ThrottledDisplay) Update(title, status, details string) bool {
	return t.UpdateFrame(Frame{Title: title, Status: status, Details: details})
}

// UpdateFrame reports whether f was rendered immediately.
func (t *ThrottledDisplay) UpdateFrame(f Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.latest = f
	t.pending = &f

	if t.due() {
		t.render()
		return true
	}
	return false
}

// FlushPending renders the deferred request once the interval has elapsed.
func (t *ThrottledDisplay) FlushPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == nil || !t.due() {
		return false
	}
	t.render()
	return true
}

func (t *ThrottledDisplay) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

// Latest is the most recently requested frame, rendered or not.
func (t *ThrottledDisplay) Latest() Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

// Run flushes pending requests every minInterval until ctx is done.
func (t *ThrottledDisplay) Run(ctx context.Context) {
	interval := t.minInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.FlushPending()
		}
	}
}

func (t *ThrottledDisplay) due() bool {
	return t.lastRender.IsZero() || t.now().Sub(t.lastRender) >= t.minInterval
}

func (t *ThrottledDisplay) render() {
	f := *t.pending
	t.pending = nil
	t.lastRender = t.now()

	if err := t.display.Render(f); err != nil {
		t.logger.Debug("Display render failed", zap.String("title", f.Title), zap.Error(err))
	}
}
