// Package transcribe defines the opaque transcriber interface that backend
// adapters implement. The ASR model itself is out of scope; this package
// only describes the shape adapters must present to internal/session.
package transcribe

import (
	"encoding/json"
	"fmt"
)

// Segment is a single decoded span of speech.
type Segment struct {
	Text         string
	Start        float64 // seconds
	End          float64 // seconds
	NoSpeechProb float64
	Completed    bool
}

// MarshalJSON renders Start/End as fixed 3-decimal strings, matching the
// gateway's wire format.
func (s Segment) MarshalJSON() ([]byte, error) {
	type wire struct {
		Text      string `json:"text"`
		Start     string `json:"start"`
		End       string `json:"end"`
		Completed bool   `json:"completed"`
	}
	w := wire{
		Text:      s.Text,
		Start:     fmt.Sprintf("%.3f", s.Start),
		End:       fmt.Sprintf("%.3f", s.End),
		Completed: s.Completed,
	}
	return json.Marshal(w)
}

// LanguageInfo describes a detected spoken language.
type LanguageInfo struct {
	Language    string
	Probability float64
}

// Result is the outcome of a single Transcribe call.
type Result struct {
	Segments []Segment
	Language *LanguageInfo // nil if not detected/applicable
}

// Transcriber decodes a chunk of float32 PCM audio into segments. Adapters
// are not required to be safe for concurrent use by multiple sessions
// simultaneously unless documented otherwise (see SingleModel in
// internal/config).
type Transcriber interface {
	// Transcribe decodes samples (16kHz mono float32 PCM) and returns any
	// segments found, optionally with language detection info.
	Transcribe(samples []float32, initialPrompt string) (Result, error)

	// LowLatency reports whether this backend should use the shorter
	// minimum chunk duration. The session's EOS flag does not change how
	// either kind of backend is driven.
	LowLatency() bool

	// Destroy releases any resources held by the adapter.
	Destroy() error
}
