// Package job runs one synthesis request end to end: reference loading,
// language classification, synthesis, transcoding and atomic publication.
package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-broker/internal/artifact"
	"github.com/book-expert/speech-broker/internal/config"
	"github.com/book-expert/speech-broker/internal/core"
	"github.com/book-expert/speech-broker/internal/metrics"
	"github.com/book-expert/speech-broker/internal/tts/audio"
	"github.com/book-expert/speech-broker/internal/tts/text"
	"github.com/book-expert/speech-broker/internal/tts/ttsutils"
)

var (
	// ErrEmptyText indicates a request with nothing to synthesize.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrReferenceNotFound indicates the reference text or audio is missing.
	ErrReferenceNotFound = errors.New("reference not found")
	// ErrSynthesisFailed indicates the synthesis gateway failed or returned no audio.
	ErrSynthesisFailed = errors.New("synthesis gateway failed")
	// ErrTranscodeFailed indicates the transcoder failed or produced nothing.
	ErrTranscodeFailed = errors.New("transcode failed")
	// ErrPersistFailed indicates a filesystem error while writing the artifact.
	ErrPersistFailed = errors.New("persist failed")
)

const (
	logFmtJobStarted   = "Job %s: synthesizing %d characters (%s, reference %s)"
	logFmtJobCompleted = "Job %s: published %s (%s) in %s"
	logFmtJobFailed    = "Job %s failed: %v"
)

// Config carries the per-job synthesis settings.
type Config struct {
	ReferenceAudioPath string
	ReferenceTextPath  string
	CutStrategy        string
	Sampling           core.SamplingParams
	Speed              float64
	SampleSteps        int
	PauseSeconds       float64
	// MaxConcurrentJobs bounds concurrent jobs; negative means unlimited.
	MaxConcurrentJobs int
	// Timeout bounds one gateway call; zero means none.
	Timeout time.Duration
}

// ConfigFrom extracts the executor settings from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		ReferenceAudioPath: cfg.Reference.AudioPath,
		ReferenceTextPath:  cfg.Reference.TextPath,
		CutStrategy:        cfg.Synthesis.CutStrategy,
		Sampling: core.SamplingParams{
			TopK:        cfg.Synthesis.TopK,
			TopP:        cfg.Synthesis.TopP,
			Temperature: cfg.Synthesis.Temperature,
		},
		Speed:             cfg.Synthesis.Speed,
		SampleSteps:       cfg.Synthesis.SampleSteps,
		PauseSeconds:      cfg.Synthesis.PauseSeconds,
		MaxConcurrentJobs: cfg.Synthesis.MaxConcurrentJobs,
		Timeout:           cfg.Synthesis.Timeout(),
	}
}

// Request is one unit of work. Sampling overrides the configured parameters
// when set.
type Request struct {
	Text     string
	Sampling *core.SamplingParams
}

// Result describes a published artifact.
type Result struct {
	ID        artifact.ID
	SizeBytes int64
	Text      string
}

// Executor runs jobs against one artifact store. It is safe for concurrent
// use; admission is bounded by Config.MaxConcurrentJobs.
type Executor struct {
	cfg        Config
	store      *artifact.Store
	gateway    core.SynthesisGateway
	transcoder core.Transcoder
	recorder   metrics.Recorder
	log        *logger.Logger
	slots      chan struct{}
}

// NewExecutor wires an executor. A nil recorder disables metrics.
func NewExecutor(
	cfg Config,
	store *artifact.Store,
	gateway core.SynthesisGateway,
	transcoder core.Transcoder,
	recorder metrics.Recorder,
	log *logger.Logger,
) *Executor {
	if recorder == nil {
		recorder = metrics.Noop{}
	}

	var slots chan struct{}
	if cfg.MaxConcurrentJobs > 0 {
		slots = make(chan struct{}, cfg.MaxConcurrentJobs)
	}

	return &Executor{
		cfg:        cfg,
		store:      store,
		gateway:    gateway,
		transcoder: transcoder,
		recorder:   recorder,
		log:        log,
		slots:      slots,
	}
}

// Store returns the artifact store the executor publishes into.
func (e *Executor) Store() *artifact.Store {
	return e.store
}

// Execute synthesizes text with the configured parameters.
func (e *Executor) Execute(ctx context.Context, input string) (*Result, error) {
	return e.ExecuteRequest(ctx, Request{Text: input})
}

// ExecuteRequest runs one job. On any failure after the id is assigned, every
// file belonging to the id is removed before the error is returned.
func (e *Executor) ExecuteRequest(ctx context.Context, req Request) (*Result, error) {
	input := text.TrimText(req.Text)
	if input == "" {
		e.recorder.JobFinished(metrics.StatusRejected, 0)

		return nil, ErrEmptyText
	}

	releaseSlot, err := e.acquire(ctx)
	if err != nil {
		e.recorder.JobFinished(metrics.StatusRejected, 0)

		return nil, err
	}
	defer releaseSlot()

	started := time.Now()
	e.recorder.JobStarted()

	result, err := e.run(ctx, input, req.Sampling)

	e.recorder.JobFinished(statusOf(err), time.Since(started))

	return result, err
}

func (e *Executor) acquire(ctx context.Context) (func(), error) {
	if e.slots == nil {
		return func() {}, nil
	}

	select {
	case e.slots <- struct{}{}:
		return func() { <-e.slots }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for a synthesis slot: %w", ctx.Err())
	}
}

func (e *Executor) run(ctx context.Context, input string, sampling *core.SamplingParams) (*Result, error) {
	started := time.Now()

	referenceText, err := e.loadReference()
	if err != nil {
		e.log.Error("Reference unavailable: %v", err)

		return nil, err
	}

	synthesisReq := e.buildRequest(input, referenceText, sampling)

	id := artifact.NewID(e.store.Now())

	e.log.Info(logFmtJobStarted, id, len([]rune(input)), synthesisReq.TextLanguage, synthesisReq.ReferenceLanguage)

	art, err := e.produce(ctx, id, synthesisReq)
	if err != nil {
		e.log.Error(logFmtJobFailed, id, err)

		cleanupErr := e.store.Remove(id)
		if cleanupErr != nil {
			e.log.Warn("Job %s: cleanup incomplete: %v", id, cleanupErr)
		}

		return nil, err
	}

	e.log.Info(logFmtJobCompleted, id, art.Path, ttsutils.FormatFileSize(art.SizeBytes),
		ttsutils.FormatAge(time.Since(started)))

	return &Result{ID: id, SizeBytes: art.SizeBytes, Text: input}, nil
}

// loadReference reads the reference text and checks the reference audio on
// every job, so a fixed file is picked up without a restart.
func (e *Executor) loadReference() (string, error) {
	data, err := os.ReadFile(e.cfg.ReferenceTextPath)
	if err != nil {
		return "", fmt.Errorf("%w: reference text %s: %w", ErrReferenceNotFound, e.cfg.ReferenceTextPath, err)
	}

	referenceText := strings.TrimSpace(string(data))
	if referenceText == "" {
		return "", fmt.Errorf("%w: reference text %s is empty", ErrReferenceNotFound, e.cfg.ReferenceTextPath)
	}

	if !ttsutils.Exists(e.cfg.ReferenceAudioPath) {
		return "", fmt.Errorf("%w: reference audio %s", ErrReferenceNotFound, e.cfg.ReferenceAudioPath)
	}

	return referenceText, nil
}

func (e *Executor) buildRequest(input, referenceText string, sampling *core.SamplingParams) core.SynthesisRequest {
	params := e.cfg.Sampling
	if sampling != nil {
		params = *sampling
	}

	return core.SynthesisRequest{
		Text:               input,
		TextLanguage:       text.Classify(input),
		ReferenceAudioPath: e.cfg.ReferenceAudioPath,
		ReferenceText:      referenceText,
		ReferenceLanguage:  text.Classify(referenceText),
		CutStrategy:        e.cfg.CutStrategy,
		Sampling:           params,
		Speed:              e.cfg.Speed,
		SampleSteps:        e.cfg.SampleSteps,
		PauseSeconds:       e.cfg.PauseSeconds,
	}
}

// produce covers synthesis through publication; the caller cleans up on error.
func (e *Executor) produce(ctx context.Context, id artifact.ID, req core.SynthesisRequest) (artifact.Artifact, error) {
	synthesis, err := e.synthesize(ctx, req)
	if err != nil {
		return artifact.Artifact{}, err
	}

	rawPath := e.store.RawPath(id)

	writeErr := audio.WriteWAVFile(rawPath, synthesis.SampleRate, synthesis.Samples)
	if writeErr != nil {
		return artifact.Artifact{}, fmt.Errorf("%w: %w", ErrPersistFailed, writeErr)
	}

	stagingPath := e.store.StagingPath(id)

	transcodeErr := e.transcoder.Transcode(ctx, rawPath, stagingPath)
	if transcodeErr != nil {
		return artifact.Artifact{}, fmt.Errorf("%w: %w", ErrTranscodeFailed, transcodeErr)
	}

	info, statErr := os.Stat(stagingPath)
	if statErr != nil || info.Size() == 0 {
		return artifact.Artifact{}, fmt.Errorf("%w: no output at %s", ErrTranscodeFailed, stagingPath)
	}

	art, publishErr := e.store.Publish(id, stagingPath)
	if publishErr != nil {
		return artifact.Artifact{}, fmt.Errorf("%w: %w", ErrPersistFailed, publishErr)
	}

	removeErr := e.store.RemoveFile(rawPath)
	if removeErr != nil {
		e.log.Warn("Job %s: failed to remove raw audio %s: %v", id, rawPath, removeErr)
	}

	return art, nil
}

func (e *Executor) synthesize(ctx context.Context, req core.SynthesisRequest) (*core.Synthesis, error) {
	callCtx := ctx

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc

		callCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	synthesis, err := e.gateway.Synthesize(callCtx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}

	if synthesis == nil || len(synthesis.Samples) == 0 {
		return nil, fmt.Errorf("%w: no audio samples returned", ErrSynthesisFailed)
	}

	if synthesis.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", ErrSynthesisFailed, synthesis.SampleRate)
	}

	return synthesis, nil
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return metrics.StatusOK
	case errors.Is(err, ErrReferenceNotFound):
		return metrics.StatusReferenceNotFound
	case errors.Is(err, ErrSynthesisFailed):
		return metrics.StatusSynthesisFailed
	case errors.Is(err, ErrTranscodeFailed):
		return metrics.StatusTranscodeFailed
	default:
		return metrics.StatusPersistFailed
	}
}
