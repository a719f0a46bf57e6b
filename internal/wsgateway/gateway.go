// Package wsgateway accepts client streams, performs the handshake, runs
// admission control, and routes audio frames into a Session.
package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/calls-live/whisperlive-gateway/internal/admission"
	"github.com/calls-live/whisperlive-gateway/internal/session"
	"github.com/calls-live/whisperlive-gateway/internal/transcribe"
)

const endOfAudio = "END_OF_AUDIO"

// Handshake is the first JSON message a client sends on a new stream.
type Handshake struct {
	UID               string         `json:"uid"`
	Platform          string         `json:"platform"`
	MeetingURL        string         `json:"meeting_url"`
	Token             string         `json:"token"`
	MeetingID         string         `json:"meeting_id"`
	Language          string         `json:"language,omitempty"`
	Task              string         `json:"task,omitempty"`
	Model             string         `json:"model,omitempty"`
	InitialPrompt     string         `json:"initial_prompt,omitempty"`
	VADParameters     map[string]any `json:"vad_parameters,omitempty"`
	UseVAD            *bool          `json:"use_vad,omitempty"`
	MaxClients        int            `json:"max_clients,omitempty"`
	MaxConnectionTime int            `json:"max_connection_time,omitempty"`
}

func (h Handshake) missingFields() []string {
	var missing []string
	if h.Platform == "" {
		missing = append(missing, "platform")
	}
	if h.MeetingURL == "" {
		missing = append(missing, "meeting_url")
	}
	if h.Token == "" {
		missing = append(missing, "token")
	}
	if h.MeetingID == "" {
		missing = append(missing, "meeting_id")
	}
	return missing
}

type errorMessage struct {
	UID     string `json:"uid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type waitMessage struct {
	UID     string `json:"uid"`
	Status  string `json:"status"`
	Message int    `json:"message"`
}

type readyMessage struct {
	UID     string `json:"uid"`
	Message string `json:"message"`
	Backend string `json:"backend"`
}

type disconnectMessage struct {
	UID     string `json:"uid"`
	Message string `json:"message"`
}

// VAD is the opaque voice-activity predicate used by the receive loop.
type VAD interface {
	IsVoice(frame []float32) (bool, error)
}

// vadReleaser is implemented by pooled VAD detectors that must be returned
// to their pool when a session ends.
type vadReleaser interface {
	Release()
}

// TranscriberFactory builds a fresh transcriber for a new session,
// selecting backend/task from the handshake.
type TranscriberFactory func(h Handshake) (transcribe.Transcriber, error)

// Gateway runs the handshake, admission control, and frame routing for each
// stream served through Handler. The listening socket belongs to the
// http.Server that serves Handler.
type Gateway struct {
	useVAD         bool
	backendName    string
	newTranscriber TranscriberFactory
	newVAD         func() (VAD, error)
	publisher      session.Publisher
	logger         *slog.Logger
	admission      *admission.Manager

	mu    sync.Mutex
	ready bool
}

// Config configures a Gateway.
type Config struct {
	Addr              string
	MaxClients        int
	MaxConnectionTime time.Duration
	UseVAD            bool
	BackendName       string
	NewTranscriber    TranscriberFactory
	NewVAD            func() (VAD, error)
	Publisher         session.Publisher
	Logger            *slog.Logger
}

// New constructs a Gateway.
func New(cfg Config) *Gateway {
	return &Gateway{
		useVAD:         cfg.UseVAD,
		backendName:    cfg.BackendName,
		newTranscriber: cfg.NewTranscriber,
		newVAD:         cfg.NewVAD,
		publisher:      cfg.Publisher,
		logger:         cfg.Logger,
		admission:      admission.New(cfg.MaxClients, cfg.MaxConnectionTime),
	}
}

// Ready reports whether the gateway is currently accepting connections, for
// the health component.
func (g *Gateway) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

func (g *Gateway) setReady(v bool) {
	g.mu.Lock()
	g.ready = v
	g.mu.Unlock()
}

// SetUnready marks the gateway as not ready to accept connections, for use
// during shutdown; it does not stop already-accepted connections.
func (g *Gateway) SetUnready() {
	g.setReady(false)
}

// Handler returns an http.Handler that accepts and serves one stream per
// request.
func (g *Gateway) Handler() http.Handler {
	g.setReady(true)
	return http.HandlerFunc(g.serveConn)
}

func (g *Gateway) serveConn(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Error("failed to accept connection", "err", err)
		return
	}

	ctx := r.Context()
	h, err := g.readHandshake(ctx, conn)
	if err != nil {
		g.logger.Warn("handshake failed", "err", err)
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	if h.UID == "" {
		h.UID = uuid.NewString()
	}

	if missing := h.missingFields(); len(missing) > 0 {
		msg := fmt.Sprintf("Missing required fields: %s", strings.Join(missing, ", "))
		_ = wsjson.Write(ctx, conn, errorMessage{UID: h.UID, Status: "ERROR", Message: msg})
		conn.Close(websocket.StatusPolicyViolation, "missing required fields")
		return
	}

	g.handleSession(ctx, conn, h)
}

func (g *Gateway) readHandshake(ctx context.Context, conn *websocket.Conn) (Handshake, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Handshake{}, fmt.Errorf("read handshake: %w", err)
	}
	var h Handshake
	if err := json.Unmarshal(data, &h); err != nil {
		return Handshake{}, fmt.Errorf("decode handshake: %w", err)
	}
	return h, nil
}

func (g *Gateway) handleSession(ctx context.Context, conn *websocket.Conn, h Handshake) {
	decodeCtx, cancelDecode := context.WithCancel(context.Background())

	// tr/sess are filled in only after admission succeeds; TryAdmit's
	// cleanup closure captures them by reference since it may run (via
	// Remove) before either exists, e.g. on a subsequent error return.
	var (
		tr   transcribe.Transcriber
		sess *session.Session
	)
	admitted, waitMinutes := g.admission.TryAdmit(h.UID, func() {
		if sess != nil {
			sess.Stop()
		}
		cancelDecode()
		if tr != nil {
			_ = tr.Destroy()
		}
	})
	if !admitted {
		cancelDecode()
		_ = wsjson.Write(ctx, conn, waitMessage{UID: h.UID, Status: "WAIT", Message: waitMinutes})
		conn.Close(websocket.StatusNormalClosure, "server full")
		return
	}
	defer g.admission.Remove(h.UID)

	var err error
	tr, err = g.newTranscriber(h)
	if err != nil {
		_ = wsjson.Write(ctx, conn, errorMessage{UID: h.UID, Status: "ERROR", Message: "Failed to load model"})
		conn.Close(websocket.StatusInternalError, "backend init failed")
		return
	}

	sink := &connSink{ctx: ctx, conn: conn}
	sess = session.New(session.Params{
		UID:           h.UID,
		Token:         h.Token,
		Platform:      h.Platform,
		MeetingID:     h.MeetingID,
		MeetingURL:    h.MeetingURL,
		InitialPrompt: h.InitialPrompt,
		Transcriber:   tr,
		Sink:          sink,
		Publisher:     g.publisher,
		Logger:        g.logger.With("uid", h.UID),
	})

	go sess.Run(decodeCtx)

	_ = wsjson.Write(ctx, conn, readyMessage{UID: h.UID, Message: "SERVER_READY", Backend: g.backendName})

	var vad VAD
	if g.effectiveUseVAD(h) && g.newVAD != nil {
		if v, err := g.newVAD(); err == nil {
			vad = v
			defer func() {
				if r, ok := vad.(vadReleaser); ok {
					r.Release()
				}
			}()
		} else {
			g.logger.Warn("failed to create VAD detector", "err", err)
		}
	}

	g.receiveLoop(ctx, conn, sess, vad)

	_ = wsjson.Write(ctx, conn, disconnectMessage{UID: h.UID, Message: "DISCONNECT"})
	conn.Close(websocket.StatusNormalClosure, "")
}

// effectiveUseVAD applies the client's per-handshake use_vad override, if
// present, to the gateway's server-wide default.
func (g *Gateway) effectiveUseVAD(h Handshake) bool {
	if h.UseVAD != nil {
		return *h.UseVAD
	}
	return g.useVAD
}

func (g *Gateway) receiveLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, vad VAD) {
	noVoiceStreak := 0

	for {
		if g.admission.IsTimedOut(sess.UID()) {
			return
		}

		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if msgType == websocket.MessageText && string(data) == endOfAudio {
			sess.SetEOS(true)
			return
		}
		if msgType != websocket.MessageBinary {
			continue
		}

		frame := bytesToFloat32(data)

		if vad != nil {
			voice, err := vad.IsVoice(frame)
			if err != nil {
				g.logger.Warn("vad failed", "err", err)
				voice = true
			}
			if voice {
				noVoiceStreak = 0
				sess.AppendAudio(frame)
			} else {
				noVoiceStreak++
				if noVoiceStreak > 3 {
					sess.SetEOS(true)
				}
			}
			continue
		}

		sess.AppendAudio(frame)
	}
}

var errConnClosed = errors.New("wsgateway: connection closed")

// connSink adapts a websocket.Conn to session.Sink.
type connSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (s *connSink) Send(v any) error {
	if s.ctx.Err() != nil {
		return errConnClosed
	}
	return wsjson.Write(s.ctx, s.conn, v)
}
