package eventlog

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDisconnectedPublisher() *Publisher {
	return &Publisher{
		cfg:       Config{StreamURL: "redis://127.0.0.1:0", StreamKey: "transcription_segments"},
		logger:    testLogger(),
		published: make(map[string]bool),
		stop:      make(chan struct{}),
	}
}

func TestPublishSessionStartFailsWithoutConnectionAndDoesNotMark(t *testing.T) {
	p := newDisconnectedPublisher()

	err := p.PublishSessionStart("tok", "plat", "mid", "u1")
	require.Error(t, err)

	p.publishedMu.Lock()
	marked := p.published["u1"]
	p.publishedMu.Unlock()
	require.False(t, marked, "a failed publish must not mark the uid as published, so a later call retries")
}

func TestPublishSessionStartIdempotentOnceMarked(t *testing.T) {
	p := newDisconnectedPublisher()
	p.publishedMu.Lock()
	p.published["u1"] = true
	p.publishedMu.Unlock()

	// Already marked published: returns nil immediately without needing a
	// connection.
	err := p.PublishSessionStart("tok", "plat", "mid", "u1")
	require.NoError(t, err)
}

func TestHealthyFalseWhenDisconnected(t *testing.T) {
	p := newDisconnectedPublisher()
	require.False(t, p.Healthy())
}

func TestActiveClientFalseWhenDisconnected(t *testing.T) {
	p := newDisconnectedPublisher()
	_, ok := p.activeClient()
	require.False(t, ok)
}
