package auth

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/hardware"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

type Options struct {
	PollInterval time.Duration
	SuccessPause time.Duration
	RejectPause  time.Duration
	TimeoutPause time.Duration
}

func DefaultOptions() Options {
	return Options{
		PollInterval: 200 * time.Millisecond,
		SuccessPause: time.Second,
		RejectPause:  2 * time.Second,
		TimeoutPause: 2 * time.Second,
	}
}

// Workflow waits for a matching RFID credential.
type Workflow struct {
	screen hardware.Screen
	audio  hardware.Audio
	reader hardware.Reader
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func NewWorkflow(screen hardware.Screen, audio hardware.Audio, reader hardware.Reader, opts Options) *Workflow {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	return &Workflow{
		screen: screen,
		audio:  audio,
		reader: reader,
		opts:   opts,
		logger: common.GetLoggerWith(common.LoggerNameAuth),
		now:    time.Now,
	}
}

// Matches reports whether tag carries the expected credential, either as
// its id or inside its text. An empty expectation matches nothing.
func Matches(tag models.Tag, expected string) bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return false
	}
	return strings.TrimSpace(tag.ID) == expected || strings.Contains(tag.Text, expected)
}

// WaitForAuthorization prompts the patient and polls the reader until a
// matching tag is scanned or timeout elapses. The wait runs on its own
// goroutine; cancelling ctx abandons it and counts as not authorized.
// A panic in the poll loop is raised again on the caller's goroutine.
func (w *Workflow) WaitForAuthorization(ctx context.Context, expected string, timeout time.Duration, name string) bool {
	logger := w.logger.With(zap.String("patient", name))
	logger.Info("Waiting for RFID authentication", zap.Duration("timeout", timeout))

	w.prompt(name)
	w.play(models.SoundWaiting)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan bool, 1)
	faults := make(chan any, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				faults <- r
			}
		}()
		result <- w.poll(waitCtx, logger, expected, timeout, name)
	}()

	select {
	case ok := <-result:
		return ok
	case r := <-faults:
		logger.Error("Authentication wait failed", zap.Any("panic", r))
		panic(r)
	case <-ctx.Done():
		logger.Warn("Authentication abandoned", zap.Error(ctx.Err()))
		return false
	}
}

func (w *Workflow) poll(ctx context.Context, logger *zap.Logger, expected string, timeout time.Duration, name string) bool {
	start := w.now()

	for w.now().Sub(start) < timeout {
		tag, ok, err := w.reader.Read()
		if err != nil {
			logger.Debug("Reader error, treated as no tag", zap.Error(err))
			ok = false
		}

		if ok {
			if Matches(tag, expected) {
				logger.Info("Tag accepted", zap.String("tag_id", tag.ID))
				w.screen.Update("AUTHORIZED", "Tag Accepted", "Preparing...")
				w.play(models.SoundSuccess)
				pause(ctx, w.opts.SuccessPause)
				return true
			}

			logger.Info("Wrong tag scanned", zap.String("tag_id", tag.ID))
			w.screen.Update("UNAUTHORIZED", "Wrong Tag", "Try again")
			w.play(models.SoundError)
			if !pause(ctx, w.opts.RejectPause) {
				return false
			}
			w.prompt(name)
		}

		if !pause(ctx, w.opts.PollInterval) {
			return false
		}
	}

	logger.Warn("Authentication timeout, no valid tag scanned", zap.Duration("timeout", timeout))
	w.screen.Update("TIMEOUT", "No tag scanned", "Try again later")
	w.play(models.SoundError)
	pause(ctx, w.opts.TimeoutPause)
	return false
}

func (w *Workflow) prompt(name string) {
	w.screen.Update("AUTH NEEDED", "Hello "+name, "Scan your tag")
}

func (w *Workflow) play(kind models.Sound) {
	if err := w.audio.Play(kind); err != nil {
		w.logger.Debug("Sound failed", zap.String("sound", string(kind)), zap.Error(err))
	}
}

// pause sleeps for d unless ctx ends first; it reports whether the full
// pause elapsed.
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
