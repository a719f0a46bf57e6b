// Package whispercpp adapts the whisper.cpp Go bindings to the gateway's
// transcribe.Transcriber interface.
package whispercpp

import (
	"errors"
	"fmt"
	"io"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/calls-live/whisperlive-gateway/internal/transcribe"
)

// Adapter transcribes audio through a shared whisper.cpp model, creating a
// fresh whisper context for each call. When singleModel is true, transcribe
// calls on this Adapter are serialized through mu; mu belongs to the Adapter,
// so calls made through different Adapters (the gateway builds one per
// session) are not serialized against each other. Buffer operations
// performed by callers (internal/session) never hold this lock.
type Adapter struct {
	model    whisperlib.Model
	language string

	singleModel bool
	mu          sync.Mutex
}

// New constructs an Adapter from an already-loaded whisper.cpp model.
// Loading the model itself is the caller's responsibility.
func New(model whisperlib.Model, language string, singleModel bool) *Adapter {
	return &Adapter{model: model, language: language, singleModel: singleModel}
}

func (a *Adapter) LowLatency() bool { return false }

func (a *Adapter) Transcribe(samples []float32, initialPrompt string) (transcribe.Result, error) {
	if a.singleModel {
		a.mu.Lock()
		defer a.mu.Unlock()
	}

	wctx, err := a.model.NewContext()
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("whispercpp: create context: %w", err)
	}

	if a.language != "" {
		if err := wctx.SetLanguage(a.language); err != nil {
			return transcribe.Result{}, fmt.Errorf("whispercpp: set language: %w", err)
		}
	}
	// initialPrompt is accepted for interface parity with the azure adapter;
	// the whisper.cpp bindings expose no prompt-conditioning hook.
	_ = initialPrompt

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return transcribe.Result{}, fmt.Errorf("whispercpp: process audio: %w", err)
	}

	var segments []transcribe.Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return transcribe.Result{}, fmt.Errorf("whispercpp: read segment: %w", err)
		}
		segments = append(segments, transcribe.Segment{
			Text:  seg.Text,
			Start: seg.Start.Seconds(),
			End:   seg.End.Seconds(),
		})
	}

	result := transcribe.Result{Segments: segments}
	if lang := wctx.Language(); lang != "" {
		result.Language = &transcribe.LanguageInfo{Language: lang, Probability: 1}
	}
	return result, nil
}

// Destroy leaves the model open: it is loaded and closed by the caller and
// shared with the adapters of other sessions.
func (a *Adapter) Destroy() error {
	return nil
}
