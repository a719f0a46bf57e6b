// Package azure adapts the Azure Cognitive Services Speech SDK to the
// gateway's transcribe.Transcriber interface, supporting both the
// "transcribe" and "translate" handshake tasks.
package azure

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Microsoft/cognitive-services-speech-sdk-go/audio"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/common"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/speech"

	"github.com/calls-live/whisperlive-gateway/internal/transcribe"
)

// Config configures an Adapter.
type Config struct {
	SpeechKey      string
	SpeechRegion   string
	DataDir        string
	Task           string // "transcribe" or "translate"
	InputLanguage  string // empty = auto-detect (translate task only)
	OutputLanguage string // required for translate task
}

func (c Config) IsValid() error {
	if c.SpeechKey == "" {
		return fmt.Errorf("invalid SpeechKey: should not be empty")
	}
	if c.SpeechRegion == "" {
		return fmt.Errorf("invalid SpeechRegion: should not be empty")
	}
	if c.Task == "translate" && c.OutputLanguage == "" {
		return fmt.Errorf("invalid OutputLanguage: required for translate task")
	}
	return nil
}

// Adapter transcribes (or translates) audio through the Azure Speech SDK.
// Each Transcribe call creates a fresh recognizer/stream: the Go SDK wrapper
// does not support flushing a reused push-audio stream without risking data
// loss, so a new one is built and torn down per call.
type Adapter struct {
	cfg            Config
	speechConfig   *speech.SpeechConfig
	translationCfg *speech.SpeechTranslationConfig
}

// New builds an Adapter. It does not open any recognizer until Transcribe is
// called.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("azure: invalid config: %w", err)
	}

	a := &Adapter{cfg: cfg}

	if cfg.Task == "translate" {
		tc, err := speech.NewSpeechTranslationConfigFromSubscription(cfg.SpeechKey, cfg.SpeechRegion)
		if err != nil {
			return nil, fmt.Errorf("azure: create translation config: %w", err)
		}
		if cfg.DataDir != "" {
			if err := tc.SetProperty(common.SpeechLogFilename, filepath.Join(cfg.DataDir, "azure_translator.log")); err != nil {
				return nil, fmt.Errorf("azure: set log property: %w", err)
			}
		}
		if cfg.InputLanguage != "" {
			if err := tc.SetSpeechRecognitionLanguage(cfg.InputLanguage); err != nil {
				return nil, fmt.Errorf("azure: set recognition language: %w", err)
			}
		}
		if err := tc.AddTargetLanguage(cfg.OutputLanguage); err != nil {
			return nil, fmt.Errorf("azure: add target language: %w", err)
		}
		a.translationCfg = tc
		return a, nil
	}

	sc, err := speech.NewSpeechConfigFromSubscription(cfg.SpeechKey, cfg.SpeechRegion)
	if err != nil {
		return nil, fmt.Errorf("azure: create speech config: %w", err)
	}
	if cfg.DataDir != "" {
		if err := sc.SetProperty(common.SpeechLogFilename, filepath.Join(cfg.DataDir, "azure.log")); err != nil {
			return nil, fmt.Errorf("azure: set log property: %w", err)
		}
	}
	if cfg.InputLanguage != "" {
		if err := sc.SetSpeechRecognitionLanguage(cfg.InputLanguage); err != nil {
			return nil, fmt.Errorf("azure: set recognition language: %w", err)
		}
	}
	a.speechConfig = sc
	return a, nil
}

// LowLatency reports that the Azure backend should use the shorter minimum
// chunk duration.
func (a *Adapter) LowLatency() bool { return true }

// Transcribe synchronously decodes samples through a fresh recognizer,
// returning once end-of-stream is signaled, the timeout elapses, or an
// error occurs.
func (a *Adapter) Transcribe(samples []float32, _ string) (transcribe.Result, error) {
	if a.cfg.Task == "translate" {
		return a.transcribeTranslate(samples)
	}
	return a.transcribeRecognize(samples)
}

func (a *Adapter) transcribeRecognize(samples []float32) (transcribe.Result, error) {
	inputDuration := time.Duration(float64(len(samples))/float64(audioSampleRate)) * time.Second

	audioStream, err := audio.CreatePushAudioInputStream()
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("azure: create audio stream: %w", err)
	}
	audioConfig, err := audio.NewAudioConfigFromStreamInput(audioStream)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("azure: create audio config: %w", err)
	}
	recognizer, err := speech.NewSpeechRecognizerFromConfig(a.speechConfig, audioConfig)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("azure: create speech recognizer: %w", err)
	}
	defer func() {
		audioStream.CloseStream()
		audioConfig.Close()
		recognizer.Close()
	}()

	resultsCh := make(chan speech.SpeechRecognitionResult, 1)
	errCh := make(chan error, 1)
	eosCh := make(chan struct{})

	recognizer.Recognized(func(event speech.SpeechRecognitionEventArgs) {
		defer event.Close()
		if event.Result.Reason == common.NoMatch {
			return
		}
		if len(event.Result.Text) == 0 {
			return
		}
		resultsCh <- event.Result
	})
	recognizer.Canceled(func(event speech.SpeechRecognitionCanceledEventArgs) {
		defer event.Close()
		if event.Reason == common.EndOfStream {
			close(eosCh)
		} else if event.Reason == common.Error {
			errCh <- errors.New(event.ErrorDetails)
		}
	})

	if err := <-recognizer.StartContinuousRecognitionAsync(); err != nil {
		return transcribe.Result{}, fmt.Errorf("azure: start recognizer: %w", err)
	}
	defer func() {
		if err := <-recognizer.StopContinuousRecognitionAsync(); err != nil {
			slog.Error("azure: failed to stop recognizer", "err", err)
		}
	}()

	if err := audioStream.Write(f32PCMToWAV(samples)); err != nil {
		return transcribe.Result{}, fmt.Errorf("azure: write audio data: %w", err)
	}
	audioStream.CloseStream()

	timeoutCh := time.After(max(inputDuration*2, 10*time.Second))

	var segments []transcribe.Segment
	for {
		select {
		case result := <-resultsCh:
			segments = append(segments, transcribe.Segment{
				Text:  result.Text,
				Start: result.Offset.Seconds(),
				End:   result.Offset.Seconds() + result.Duration.Seconds(),
			})
		case <-timeoutCh:
			return transcribe.Result{}, fmt.Errorf("azure: timed out waiting for transcription")
		case err := <-errCh:
			return transcribe.Result{}, fmt.Errorf("azure: transcription failed: %w", err)
		case <-eosCh:
			return transcribe.Result{Segments: segments}, nil
		}
	}
}

func (a *Adapter) transcribeTranslate(samples []float32) (transcribe.Result, error) {
	inputDuration := time.Duration(float64(len(samples))/float64(audioSampleRate)) * time.Second
	autoDetect := a.cfg.InputLanguage == ""

	audioStream, err := audio.CreatePushAudioInputStream()
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("azure: create audio stream: %w", err)
	}
	audioConfig, err := audio.NewAudioConfigFromStreamInput(audioStream)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("azure: create audio config: %w", err)
	}

	var recognizer *speech.TranslationRecognizer
	var langConfig *speech.AutoDetectSourceLanguageConfig
	if autoDetect {
		langConfig, err = speech.NewAutoDetectSourceLanguageConfigFromOpenRange()
		if err != nil {
			return transcribe.Result{}, fmt.Errorf("azure: create auto detect config: %w", err)
		}
		recognizer, err = speech.NewTranslationRecognizerFromAutoDetectSourceLangConfig(a.translationCfg, langConfig, audioConfig)
	} else {
		recognizer, err = speech.NewTranslationRecognizerFromConfig(a.translationCfg, audioConfig)
	}
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("azure: create translation recognizer: %w", err)
	}
	defer func() {
		audioStream.CloseStream()
		audioConfig.Close()
		recognizer.Close()
		if langConfig != nil {
			langConfig.Close()
		}
	}()

	resultsCh := make(chan speech.TranslationRecognitionResult, 1)
	errCh := make(chan error, 1)
	eosCh := make(chan struct{})

	recognizer.Recognized(func(event speech.TranslationRecognitionEventArgs) {
		defer event.Close()
		if event.Result == nil {
			return
		}
		translated := event.Result.GetTranslation(a.cfg.OutputLanguage)
		if translated == "" {
			return
		}
		resultsCh <- *event.Result
	})
	recognizer.Canceled(func(event speech.TranslationRecognitionCanceledEventArgs) {
		defer event.Close()
		if event.Reason == common.EndOfStream {
			close(eosCh)
		} else if event.Reason == common.Error {
			errCh <- errors.New(event.ErrorDetails)
		}
	})

	if err := <-recognizer.StartContinuousRecognitionAsync(); err != nil {
		return transcribe.Result{}, fmt.Errorf("azure: start recognizer: %w", err)
	}
	defer func() {
		if err := <-recognizer.StopContinuousRecognitionAsync(); err != nil {
			slog.Error("azure: failed to stop recognizer", "err", err)
		}
	}()

	if err := audioStream.Write(f32PCMToWAV(samples)); err != nil {
		return transcribe.Result{}, fmt.Errorf("azure: write audio data: %w", err)
	}
	audioStream.CloseStream()

	timeoutCh := time.After(max(inputDuration*2, 10*time.Second))

	var segments []transcribe.Segment
	for {
		select {
		case result := <-resultsCh:
			segments = append(segments, transcribe.Segment{
				Text:  result.GetTranslation(a.cfg.OutputLanguage),
				Start: result.Offset.Seconds(),
				End:   result.Offset.Seconds() + result.Duration.Seconds(),
			})
		case <-timeoutCh:
			return transcribe.Result{}, fmt.Errorf("azure: timed out waiting for translation")
		case err := <-errCh:
			return transcribe.Result{}, fmt.Errorf("azure: translation failed: %w", err)
		case <-eosCh:
			return transcribe.Result{Segments: segments}, nil
		}
	}
}

// Destroy releases the adapter's speech configuration.
func (a *Adapter) Destroy() error {
	if a.speechConfig != nil {
		a.speechConfig.Close()
	}
	if a.translationCfg != nil {
		a.translationCfg.Close()
	}
	return nil
}
