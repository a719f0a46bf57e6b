// Package session implements the per-connection state, decode loop, and
// segment-assembly algorithm that form the core of the gateway.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calls-live/whisperlive-gateway/internal/ringbuffer"
	"github.com/calls-live/whisperlive-gateway/internal/transcribe"
)

const (
	noSpeechThresh             = 0.45
	sameOutputThreshold        = 10
	showPrevOutThresh          = 5 * time.Second
	addPauseThresh             = 3 * time.Second
	sendLastNSegments          = 10
	minChunkDurationSeconds    = 1.0
	minChunkDurationLowLatency = 0.4
)

// Sink delivers a JSON-serializable message to the connected client.
type Sink interface {
	Send(v any) error
}

// Publisher republishes session events onto the durable event log.
type Publisher interface {
	PublishSessionStart(token, platform, meetingID, uid string) error
	PublishTranscription(token, platform, meetingID, uid string, segments []transcribe.Segment) error
}

// TranscriptMessage is the wire shape of a transcript update.
type TranscriptMessage struct {
	UID      string               `json:"uid"`
	Segments []transcribe.Segment `json:"segments"`
}

// LanguageMessage is the wire shape of a detected-language notification.
type LanguageMessage struct {
	UID          string  `json:"uid"`
	Language     string  `json:"language"`
	LanguageProb float64 `json:"language_prob"`
}

// Params carries the handshake-derived metadata and collaborators needed to
// construct a Session.
type Params struct {
	UID           string
	Token         string
	Platform      string
	MeetingID     string
	MeetingURL    string
	InitialPrompt string

	Transcriber transcribe.Transcriber
	Sink        Sink
	Publisher   Publisher // nil if no event log is configured
	Logger      *slog.Logger
}

// Session owns one client's audio buffer and decode state. All decode-state
// mutation is guarded by mu; it is never held across I/O or transcriber
// calls.
type Session struct {
	uid, token, platform, meetingID, meetingURL, initialPrompt string

	transcriber transcribe.Transcriber
	sink        Sink
	publisher   Publisher
	logger      *slog.Logger

	buffer *ringbuffer.Buffer

	exit atomic.Bool
	eos  atomic.Bool

	mu                    sync.Mutex
	transcript            []transcribe.Segment
	prevOut               string
	currentOut            string
	sameOutputCount       int
	endTimeForSameOutput  *float64
	language              *transcribe.LanguageInfo
	sessionStartPublished bool
	pauseStart            *time.Time

	done chan struct{}
}

// New constructs a Session and attempts an eager, best-effort
// session_start publish (the opportunistic retry happens on the first
// transcription if this fails).
func New(p Params) *Session {
	s := &Session{
		uid:           p.UID,
		token:         p.Token,
		platform:      p.Platform,
		meetingID:     p.MeetingID,
		meetingURL:    p.MeetingURL,
		initialPrompt: p.InitialPrompt,
		transcriber:   p.Transcriber,
		sink:          p.Sink,
		publisher:     p.Publisher,
		logger:        p.Logger,
		buffer:        ringbuffer.New(),
		done:          make(chan struct{}),
	}

	if s.publisher != nil {
		if err := s.publisher.PublishSessionStart(s.token, s.platform, s.meetingID, s.uid); err != nil {
			s.logger.Warn("session_start publish failed, will retry opportunistically", "err", err)
		} else {
			s.sessionStartPublished = true
		}
	}

	return s
}

// UID returns the session identity.
func (s *Session) UID() string { return s.uid }

// AppendAudio feeds a frame of PCM into the session's ring buffer.
func (s *Session) AppendAudio(frame []float32) {
	s.buffer.Append(frame)
}

// SetEOS sets or clears the end-of-speech flag, driven by VAD silence
// streaks and the END_OF_AUDIO sentinel. The decode loop does not read it.
func (s *Session) SetEOS(eos bool) { s.eos.Store(eos) }

// EOS reports the current end-of-speech flag.
func (s *Session) EOS() bool { return s.eos.Load() }

// Stop signals the decode loop to exit at its next iteration.
func (s *Session) Stop() { s.exit.Store(true) }

// Done returns a channel closed once the decode loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run executes the decode loop until Stop is called or ctx is canceled. It
// is intended to be run in its own goroutine.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)

	minDur := minChunkDurationSeconds
	if s.transcriber.LowLatency() {
		minDur = minChunkDurationLowLatency
	}

	for {
		if s.exit.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !s.buffer.Started() {
			time.Sleep(20 * time.Millisecond)
			continue
		}

		s.buffer.ClipIfStalled()
		chunk, duration := s.buffer.Chunk()
		if duration < minDur {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		result, err := s.transcriber.Transcribe(chunk, s.initialPrompt)
		if err != nil {
			s.logger.Error("transcribe failed", "err", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if len(result.Segments) == 0 {
			s.buffer.Advance(duration)
			if segments := s.pauseOutput(time.Now()); segments != nil {
				s.emit(segments)
			}
			time.Sleep(250 * time.Millisecond)
			continue
		}

		s.resetPause()
		if result.Language != nil {
			s.maybeSetLanguage(*result.Language)
		}

		segments := s.assembleSegments(result.Segments, duration)
		s.emit(segments)
	}
}

// assembleSegments implements the segment-assembly algorithm: committing
// qualifying non-trailing segments, forming/debouncing the trailing
// partial, and promoting it to completed after enough repetitions.
func (s *Session) assembleSegments(result []transcribe.Segment, duration float64) []transcribe.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(result)
	timestampOffset := s.buffer.Offset()
	var offsetAdvance *float64

	if n > 1 && result[n-1].NoSpeechProb <= noSpeechThresh {
		for i := 0; i < n-1; i++ {
			seg := result[i]
			if seg.NoSpeechProb > noSpeechThresh || seg.Start >= seg.End {
				continue
			}
			end := min(duration, seg.End)
			s.transcript = append(s.transcript, transcribe.Segment{
				Text:      seg.Text,
				Start:     timestampOffset + seg.Start,
				End:       timestampOffset + end,
				Completed: true,
			})
			offsetAdvance = &end
		}
	}

	last := result[n-1]
	s.currentOut = ""
	if last.NoSpeechProb <= noSpeechThresh {
		s.currentOut = last.Text
	}

	trimmedCurrent := strings.TrimSpace(s.currentOut)
	trimmedPrev := strings.TrimSpace(s.prevOut)
	if trimmedCurrent != "" && trimmedCurrent == trimmedPrev {
		s.sameOutputCount++
		if s.endTimeForSameOutput == nil {
			end := last.End
			s.endTimeForSameOutput = &end
		}
	} else {
		s.prevOut = s.currentOut
		s.sameOutputCount = 0
		s.endTimeForSameOutput = nil
	}

	var partial *transcribe.Segment
	if last.NoSpeechProb <= noSpeechThresh {
		end := min(duration, last.End)
		partial = &transcribe.Segment{
			Text:      last.Text,
			Start:     timestampOffset + last.Start,
			End:       timestampOffset + end,
			Completed: false,
		}
	}

	if s.sameOutputCount > sameOutputThreshold {
		promotedText := s.currentOut
		lastCommitted := ""
		if len(s.transcript) > 0 {
			lastCommitted = s.transcript[len(s.transcript)-1].Text
		}
		promotedEnd := duration
		if s.endTimeForSameOutput != nil {
			promotedEnd = min(duration, *s.endTimeForSameOutput)
		}
		if !strings.EqualFold(strings.TrimSpace(lastCommitted), strings.TrimSpace(promotedText)) {
			s.transcript = append(s.transcript, transcribe.Segment{
				Text:      promotedText,
				Start:     timestampOffset,
				End:       timestampOffset + promotedEnd,
				Completed: true,
			})
		}
		offsetAdvance = &promotedEnd
		s.currentOut = ""
		partial = nil
		s.sameOutputCount = 0
		s.endTimeForSameOutput = nil
	}

	if offsetAdvance != nil {
		s.buffer.Advance(*offsetAdvance)
	}

	return s.prepareResponseLocked(partial)
}

// prepareResponseLocked returns the last sendLastNSegments completed
// segments, plus the trailing partial if present. Caller must hold mu.
func (s *Session) prepareResponseLocked(partial *transcribe.Segment) []transcribe.Segment {
	n := len(s.transcript)
	start := n - sendLastNSegments
	if start < 0 {
		start = 0
	}
	resp := append([]transcribe.Segment(nil), s.transcript[start:]...)
	if partial != nil {
		resp = append(resp, *partial)
	}
	return resp
}

// pauseOutput re-emits the last completed segments while less than
// showPrevOutThresh has passed since the first empty decode after the last
// successful one, and returns nil afterwards. It appends no pause marker to
// the transcript; addPauseThresh is not consulted.
func (s *Session) pauseOutput(now time.Time) []transcribe.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pauseStart == nil {
		t := now
		s.pauseStart = &t
	}
	elapsed := now.Sub(*s.pauseStart)

	var resp []transcribe.Segment
	if elapsed < showPrevOutThresh {
		resp = s.prepareResponseLocked(nil)
	}
	return resp
}

func (s *Session) resetPause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseStart = nil
}

func (s *Session) maybeSetLanguage(info transcribe.LanguageInfo) {
	s.mu.Lock()
	shouldSet := s.language == nil && info.Probability > 0.5
	if shouldSet {
		s.language = &info
	}
	s.mu.Unlock()

	if !shouldSet {
		return
	}
	if err := s.sink.Send(LanguageMessage{UID: s.uid, Language: info.Language, LanguageProb: info.Probability}); err != nil {
		s.logger.Warn("failed to send language message", "err", err)
	}
}

func (s *Session) emit(segments []transcribe.Segment) {
	if err := s.sink.Send(TranscriptMessage{UID: s.uid, Segments: segments}); err != nil {
		s.logger.Warn("failed to send transcript to client", "err", err)
	}

	if s.publisher == nil {
		return
	}

	s.mu.Lock()
	alreadyPublished := s.sessionStartPublished
	s.mu.Unlock()

	if !alreadyPublished {
		if err := s.publisher.PublishSessionStart(s.token, s.platform, s.meetingID, s.uid); err == nil {
			s.mu.Lock()
			s.sessionStartPublished = true
			s.mu.Unlock()
		}
	}

	if err := s.publisher.PublishTranscription(s.token, s.platform, s.meetingID, s.uid, segments); err != nil {
		s.logger.Warn("failed to publish transcription", "err", err)
	}
}

// Transcript returns a copy of the committed segments.
func (s *Session) Transcript() []transcribe.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transcribe.Segment(nil), s.transcript...)
}
