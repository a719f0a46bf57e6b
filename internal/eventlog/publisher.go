// Package eventlog implements the durable, reconnecting publisher that
// republishes session transcripts onto a Redis stream for downstream
// consumers.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/calls-live/whisperlive-gateway/internal/transcribe"
)

const (
	pingInterval   = 5 * time.Second
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
)

// Config configures a Publisher.
type Config struct {
	StreamURL string
	StreamKey string
}

// Publisher republishes segments onto a Redis stream, tracking which
// sessions have already had their session_start event emitted.
type Publisher struct {
	cfg    Config
	logger *slog.Logger

	connMu    sync.Mutex
	client    *redis.Client
	connected bool

	publishedMu sync.Mutex
	published   map[string]bool

	stop   chan struct{}
	stopWg sync.WaitGroup
}

// New constructs a Publisher and starts its connection worker. Call
// Disconnect to stop it.
func New(cfg Config, logger *slog.Logger) *Publisher {
	p := &Publisher{
		cfg:       cfg,
		logger:    logger,
		published: make(map[string]bool),
		stop:      make(chan struct{}),
	}

	p.stopWg.Add(1)
	go p.connectionWorker()

	return p
}

// connectionWorker owns the redis client's lifecycle: connect, then PING on
// an interval, reconnecting with exponential backoff on failure.
func (p *Publisher) connectionWorker() {
	defer p.stopWg.Done()

	backoff := backoffInitial
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		opts, err := redis.ParseURL(p.cfg.StreamURL)
		if err != nil {
			p.logger.Error("eventlog: invalid stream URL", "err", err)
			return
		}

		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = client.Ping(ctx).Err()
		cancel()
		if err != nil {
			p.logger.Warn("eventlog: connect failed, retrying", "err", err, "backoff", backoff)
			client.Close()
			select {
			case <-time.After(backoff):
			case <-p.stop:
				return
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}

		p.connMu.Lock()
		p.client = client
		p.connected = true
		p.connMu.Unlock()
		backoff = backoffInitial

		p.logger.Info("eventlog: connected")
		p.pingLoop(client)

		p.connMu.Lock()
		p.connected = false
		p.connMu.Unlock()
		client.Close()
	}
}

// pingLoop pings the active connection every pingInterval until it fails
// or Disconnect is called.
func (p *Publisher) pingLoop(client *redis.Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := client.Ping(ctx).Err()
			cancel()
			if err != nil {
				p.logger.Warn("eventlog: ping failed, reconnecting", "err", err)
				return
			}
		}
	}
}

// Healthy reports whether the publisher is connected and a fresh PING on
// the current connection succeeds, for the health component.
func (p *Publisher) Healthy() bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if !p.connected || p.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.client.Ping(ctx).Err() == nil
}

type sessionStartPayload struct {
	Type           string `json:"type"`
	Token          string `json:"token"`
	Platform       string `json:"platform"`
	MeetingID      string `json:"meeting_id"`
	UID            string `json:"uid"`
	StartTimestamp string `json:"start_timestamp"`
}

type transcriptionPayload struct {
	Type      string               `json:"type"`
	Token     string               `json:"token"`
	Platform  string               `json:"platform"`
	MeetingID string               `json:"meeting_id"`
	UID       string               `json:"uid"`
	Segments  []transcribe.Segment `json:"segments"`
}

// PublishSessionStart XADDs a session_start record exactly once per uid per
// publisher lifetime. If not currently connected, it returns an error
// without recording uid, so a later call can retry.
func (p *Publisher) PublishSessionStart(token, platform, meetingID, uid string) error {
	p.publishedMu.Lock()
	if p.published[uid] {
		p.publishedMu.Unlock()
		return nil
	}
	p.publishedMu.Unlock()

	client, ok := p.activeClient()
	if !ok {
		return fmt.Errorf("eventlog: not connected")
	}

	payload := sessionStartPayload{
		Type:           "session_start",
		Token:          token,
		Platform:       platform,
		MeetingID:      meetingID,
		UID:            uid,
		StartTimestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	if err := p.xadd(client, payload); err != nil {
		return err
	}

	p.publishedMu.Lock()
	p.published[uid] = true
	p.publishedMu.Unlock()
	return nil
}

// PublishTranscription opportunistically publishes session_start first if
// it has not yet succeeded for uid, then XADDs the transcription record.
func (p *Publisher) PublishTranscription(token, platform, meetingID, uid string, segments []transcribe.Segment) error {
	_ = p.PublishSessionStart(token, platform, meetingID, uid)

	client, ok := p.activeClient()
	if !ok {
		return fmt.Errorf("eventlog: not connected")
	}

	payload := transcriptionPayload{
		Type:      "transcription",
		Token:     token,
		Platform:  platform,
		MeetingID: meetingID,
		UID:       uid,
		Segments:  segments,
	}
	return p.xadd(client, payload)
}

func (p *Publisher) activeClient() (*redis.Client, bool) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if !p.connected || p.client == nil {
		return nil, false
	}
	return p.client, true
}

func (p *Publisher) xadd(client *redis.Client, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventlog: marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.cfg.StreamKey,
		Values: map[string]any{"payload": string(body)},
	}).Err()
}

// Disconnect stops the connection worker and closes the client.
func (p *Publisher) Disconnect() {
	close(p.stop)
	p.stopWg.Wait()

	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.connected = false
}
