package wsgateway

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/calls-live/whisperlive-gateway/internal/transcribe"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type emptyTranscriber struct{}

func (emptyTranscriber) Transcribe(samples []float32, initialPrompt string) (transcribe.Result, error) {
	return transcribe.Result{}, nil
}
func (emptyTranscriber) LowLatency() bool { return false }
func (emptyTranscriber) Destroy() error   { return nil }

func newTestGateway(t *testing.T, maxClients int) (*Gateway, *httptest.Server) {
	t.Helper()
	gw := New(Config{
		MaxClients:        maxClients,
		MaxConnectionTime: time.Hour,
		UseVAD:            false,
		BackendName:       "test",
		NewTranscriber: func(h Handshake) (transcribe.Transcriber, error) {
			return emptyTranscriber{}, nil
		},
		Logger: testLogger(),
	})
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return gw, srv
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestHandshakeMissingFieldsRejected(t *testing.T) {
	_, srv := newTestGateway(t, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, Handshake{UID: "u1"}))

	var resp map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	require.Equal(t, "ERROR", resp["status"])
	require.Contains(t, resp["message"], "platform")
}

func TestHandshakeAcceptedReceivesReady(t *testing.T) {
	_, srv := newTestGateway(t, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, Handshake{
		UID: "u1", Platform: "zoom", MeetingURL: "https://zoom.example/1",
		Token: "tok", MeetingID: "m1",
	}))

	var resp map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	require.Equal(t, "SERVER_READY", resp["message"])
	require.Equal(t, "test", resp["backend"])

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(endOfAudio)))
}

func TestCapacityRejectionReturnsWait(t *testing.T) {
	_, srv := newTestGateway(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hold, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer hold.Close(websocket.StatusNormalClosure, "")
	require.NoError(t, wsjson.Write(ctx, hold, Handshake{
		UID: "u1", Platform: "zoom", MeetingURL: "https://zoom.example/1",
		Token: "tok", MeetingID: "m1",
	}))
	var ready map[string]any
	require.NoError(t, wsjson.Read(ctx, hold, &ready))
	require.Equal(t, "SERVER_READY", ready["message"])

	second, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer second.Close(websocket.StatusNormalClosure, "")
	require.NoError(t, wsjson.Write(ctx, second, Handshake{
		UID: "u2", Platform: "zoom", MeetingURL: "https://zoom.example/1",
		Token: "tok", MeetingID: "m1",
	}))

	var resp map[string]any
	require.NoError(t, wsjson.Read(ctx, second, &resp))
	require.Equal(t, "WAIT", resp["status"])
}

// TestRejectedConnectionNeverBuildsTranscriberOrSession guards against
// admitting the side effects of session construction (notably its eager
// session_start publish) before admission control has actually accepted the
// connection.
func TestRejectedConnectionNeverBuildsTranscriberOrSession(t *testing.T) {
	var calls int32
	gw := New(Config{
		MaxClients:        1,
		MaxConnectionTime: time.Hour,
		BackendName:       "test",
		NewTranscriber: func(h Handshake) (transcribe.Transcriber, error) {
			atomic.AddInt32(&calls, 1)
			return emptyTranscriber{}, nil
		},
		Logger: testLogger(),
	})
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hold, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer hold.Close(websocket.StatusNormalClosure, "")
	require.NoError(t, wsjson.Write(ctx, hold, Handshake{
		UID: "u1", Platform: "zoom", MeetingURL: "https://zoom.example/1",
		Token: "tok", MeetingID: "m1",
	}))
	var ready map[string]any
	require.NoError(t, wsjson.Read(ctx, hold, &ready))
	require.Equal(t, "SERVER_READY", ready["message"])
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	second, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer second.Close(websocket.StatusNormalClosure, "")
	require.NoError(t, wsjson.Write(ctx, second, Handshake{
		UID: "u2", Platform: "zoom", MeetingURL: "https://zoom.example/1",
		Token: "tok", MeetingID: "m1",
	}))

	var resp map[string]any
	require.NoError(t, wsjson.Read(ctx, second, &resp))
	require.Equal(t, "WAIT", resp["status"])
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "rejected connection must never construct a transcriber/session")
}

func TestSetUnreadyClearsReady(t *testing.T) {
	gw, _ := newTestGateway(t, 4)
	require.True(t, gw.Ready())
	gw.SetUnready()
	require.False(t, gw.Ready())
}

func TestMissingFieldsList(t *testing.T) {
	h := Handshake{UID: "u1"}
	require.ElementsMatch(t, []string{"platform", "meeting_url", "token", "meeting_id"}, h.missingFields())
}

func TestEffectiveUseVADHandshakeOverride(t *testing.T) {
	g := &Gateway{useVAD: true}
	off := false
	require.False(t, g.effectiveUseVAD(Handshake{UseVAD: &off}))

	g = &Gateway{useVAD: false}
	on := true
	require.True(t, g.effectiveUseVAD(Handshake{UseVAD: &on}))

	g = &Gateway{useVAD: true}
	require.True(t, g.effectiveUseVAD(Handshake{}))
}

func TestBytesToFloat32RoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1}
	data := make([]byte, 0, len(samples)*4)
	for _, s := range samples {
		bits := math.Float32bits(s)
		data = append(data, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	}
	out := bytesToFloat32(data)
	require.Equal(t, samples, out)
}
