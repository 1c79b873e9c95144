package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskbot/internal/router"
	"taskbot/internal/task"
	logx "taskbot/pkg/logx"
)

func TestSinkNotify(t *testing.T) {
	fs := newFakeSender()
	s := NewSink(fs, SinkConfig{Location: time.UTC}, logx.Nop())

	tk := task.Task{ID: "0123456789abcdef", Owner: "42", Title: "Stand-up", DueAt: now0}
	require.NoError(t, s.Notify(context.Background(), tk))

	msgs := fs.all()
	require.Len(t, msgs, 1)
	require.Equal(t, int64(42), msgs[0].to.ChatID)
	require.Equal(t, "HTML", msgs[0].opt.ParseMode)
	require.Contains(t, msgs[0].text, "Reminder")
	require.Contains(t, msgs[0].text, "Stand-up")
	require.Contains(t, msgs[0].text, "/done 01234567")
}

func TestSinkRejectsNonNumericOwner(t *testing.T) {
	s := NewSink(newFakeSender(), SinkConfig{}, logx.Nop())
	err := s.Notify(context.Background(), task.Task{ID: "x", Owner: "alice"})
	require.ErrorContains(t, err, "not a chat id")
}

func TestSinkPropagatesSendErrors(t *testing.T) {
	fs := newFakeSender()
	fs.err = errors.New("telegram: 429")
	s := NewSink(fs, SinkConfig{}, logx.Nop())
	require.ErrorContains(t, s.Notify(context.Background(), task.Task{ID: "x", Owner: "42"}), "429")
}

func TestSinkRateLimitHonorsContext(t *testing.T) {
	fs := newFakeSender()
	s := NewSink(fs, SinkConfig{RatePerSec: 0.001, Burst: 1}, logx.Nop())
	tk := task.Task{ID: "x", Owner: "42", Title: "t", DueAt: now0}

	require.NoError(t, s.Notify(context.Background(), tk))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorContains(t, s.Notify(ctx, tk), "rate wait")
	require.Len(t, fs.all(), 1)

	s.Apply(SinkConfig{RatePerSec: 1000, Burst: 5})
	require.NoError(t, s.Notify(context.Background(), tk))
}

func TestSinkSendSummary(t *testing.T) {
	fs := newFakeSender()
	s := NewSink(fs, SinkConfig{}, logx.Nop())
	sum := router.Summary{Owner: "42", At: now0, Total: 2, Pending: 1, Done: 1}
	require.NoError(t, s.SendSummary(context.Background(), "42", sum))

	msgs := fs.all()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].text, "Task dashboard")
	require.Contains(t, msgs[0].text, "Pending: 1")
}
