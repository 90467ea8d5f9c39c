package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"
	"liyu1981.xyz/medipi-dispenser/pkg/auth"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/hardware"
	"liyu1981.xyz/medipi-dispenser/pkg/hardware/mocks"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

func fastOptions() auth.Options {
	return auth.Options{PollInterval: 5 * time.Millisecond}
}

type harness struct {
	display *hardware.SimulatedDisplay
	screen  *hardware.ThrottledDisplay
	reader  *hardware.SimulatedReader
	flow    *auth.Workflow
}

func newHarness(t *testing.T, ctrl *gomock.Controller) (*harness, *mocks.MockAudio) {
	common.SetTestLoggerNop()
	h := &harness{
		display: hardware.NewSimulatedDisplay(),
		reader:  hardware.NewSimulatedReader(4),
	}
	h.screen = hardware.NewThrottledDisplay(h.display, 0)
	audio := mocks.NewMockAudio(ctrl)
	h.flow = auth.NewWorkflow(h.screen, audio, h.reader, fastOptions())
	return h, audio
}

func TestMatches(t *testing.T) {
	assert.True(t, auth.Matches(models.Tag{ID: "584185540932"}, "584185540932"))
	assert.True(t, auth.Matches(models.Tag{ID: "1", Text: "patient:alice-01      "}, "alice-01"))
	assert.False(t, auth.Matches(models.Tag{ID: "2", Text: "bob"}, "alice"))
	assert.False(t, auth.Matches(models.Tag{ID: "", Text: ""}, ""))
	assert.False(t, auth.Matches(models.Tag{ID: "1", Text: "anything"}, "  "))
}

func TestWaitForAuthorizationAcceptsMatchingTag(t *testing.T) {
	ctrl := gomock.NewController(t)
	h, audio := newHarness(t, ctrl)

	gomock.InOrder(
		audio.EXPECT().Play(models.SoundWaiting).Return(nil),
		audio.EXPECT().Play(models.SoundSuccess).Return(nil),
	)
	assert.NoError(t, h.reader.Scan(models.Tag{ID: "TAG-1"}))

	ok := h.flow.WaitForAuthorization(context.Background(), "TAG-1", time.Second, "Alice")
	assert.True(t, ok)
	assert.Equal(t, "AUTHORIZED", h.display.Last().Title)
}

func TestWaitForAuthorizationRejectsThenAccepts(t *testing.T) {
	ctrl := gomock.NewController(t)
	h, audio := newHarness(t, ctrl)

	gomock.InOrder(
		audio.EXPECT().Play(models.SoundWaiting).Return(nil),
		audio.EXPECT().Play(models.SoundError).Return(nil),
		audio.EXPECT().Play(models.SoundSuccess).Return(nil),
	)
	assert.NoError(t, h.reader.Scan(models.Tag{ID: "WRONG", Text: "bob"}))
	assert.NoError(t, h.reader.Scan(models.Tag{ID: "9", Text: "alice-tag"}))

	start := time.Now()
	ok := h.flow.WaitForAuthorization(context.Background(), "alice-tag", time.Second, "Alice")
	assert.True(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForAuthorizationTimesOut(t *testing.T) {
	ctrl := gomock.NewController(t)
	h, audio := newHarness(t, ctrl)

	gomock.InOrder(
		audio.EXPECT().Play(models.SoundWaiting).Return(nil),
		audio.EXPECT().Play(models.SoundError).Return(nil),
	)

	start := time.Now()
	ok := h.flow.WaitForAuthorization(context.Background(), "TAG-1", 50*time.Millisecond, "Alice")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, hardware.Frame{Title: "TIMEOUT", Status: "No tag scanned", Details: "Try again later"}, h.display.Last())
}

func TestWaitForAuthorizationSurvivesReaderErrors(t *testing.T) {
	common.SetTestLoggerNop()
	ctrl := gomock.NewController(t)

	reader := mocks.NewMockReader(ctrl)
	audio := mocks.NewMockAudio(ctrl)
	audio.EXPECT().Play(gomock.Any()).Return(hardware.ErrUnavailable).AnyTimes()

	gomock.InOrder(
		reader.EXPECT().Read().Return(models.Tag{}, false, errors.New("MI_ERR")).Times(3),
		reader.EXPECT().Read().Return(models.Tag{ID: "TAG-1"}, true, nil),
	)

	screen := hardware.NewThrottledDisplay(hardware.NewSimulatedDisplay(), 0)
	flow := auth.NewWorkflow(screen, audio, reader, fastOptions())

	assert.True(t, flow.WaitForAuthorization(context.Background(), "TAG-1", time.Second, "Alice"))
}

func TestWaitForAuthorizationCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	h, audio := newHarness(t, ctrl)
	audio.EXPECT().Play(models.SoundWaiting).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	assert.False(t, h.flow.WaitForAuthorization(ctx, "TAG-1", time.Minute, "Alice"))
}

func TestWaitForAuthorizationReaderPanicReachesCaller(t *testing.T) {
	common.SetTestLoggerNop()
	ctrl := gomock.NewController(t)

	reader := mocks.NewMockReader(ctrl)
	audio := mocks.NewMockAudio(ctrl)
	audio.EXPECT().Play(gomock.Any()).Return(nil).AnyTimes()
	reader.EXPECT().Read().DoAndReturn(func() (models.Tag, bool, error) {
		panic("spi bus fault")
	})

	screen := hardware.NewThrottledDisplay(hardware.NewSimulatedDisplay(), 0)
	flow := auth.NewWorkflow(screen, audio, reader, fastOptions())

	assert.PanicsWithValue(t, "spi bus fault", func() {
		flow.WaitForAuthorization(context.Background(), "TAG-1", time.Second, "Alice")
	})
}
