package job_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-broker/internal/artifact"
	"github.com/book-expert/speech-broker/internal/core"
	"github.com/book-expert/speech-broker/internal/job"
	"github.com/book-expert/speech-broker/internal/tts/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errModelCrashed = errors.New("model crashed")

type fakeGateway struct {
	mu       sync.Mutex
	requests []core.SynthesisRequest
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	err      error
	result   *core.Synthesis
}

func (g *fakeGateway) Synthesize(ctx context.Context, req core.SynthesisRequest) (*core.Synthesis, error) {
	current := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)

	for {
		peak := g.peak.Load()
		if current <= peak || g.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if g.err != nil {
		return nil, g.err
	}

	if g.result != nil {
		return g.result, nil
	}

	return &core.Synthesis{SampleRate: 16000, Samples: []int16{1, 2, 3, 4, 5, 6, 7, 8}}, nil
}

func (g *fakeGateway) calls() []core.SynthesisRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]core.SynthesisRequest(nil), g.requests...)
}

// copyTranscoder "transcodes" by copying the raw WAV bytes.
type copyTranscoder struct {
	err         error
	skipWrite   bool
	partialSize int
}

func (c *copyTranscoder) Transcode(_ context.Context, rawPath, targetPath string) error {
	data, err := os.ReadFile(rawPath)
	if err != nil {
		return err
	}

	if c.partialSize > 0 {
		_ = os.WriteFile(targetPath, data[:c.partialSize], 0o600)
	}

	if c.err != nil {
		return c.err
	}

	if c.skipWrite {
		return nil
	}

	return os.WriteFile(targetPath, data, 0o600)
}

type fixture struct {
	executor  *job.Executor
	store     *artifact.Store
	gateway   *fakeGateway
	cfg       job.Config
	outputDir string
}

func newFixture(t *testing.T, gateway *fakeGateway, transcoder core.Transcoder, mutate func(*job.Config)) *fixture {
	t.Helper()

	log, err := logger.New(t.TempDir(), "job-test.log")
	require.NoError(t, err)

	refDir := t.TempDir()
	refText := filepath.Join(refDir, "reference.txt")
	refAudio := filepath.Join(refDir, "reference.wav")
	require.NoError(t, os.WriteFile(refText, []byte("  hello world\n"), 0o600))
	require.NoError(t, audio.WriteWAVFile(refAudio, 16000, []int16{0, 1, 0}))

	outputDir := filepath.Join(t.TempDir(), "results")

	store, err := artifact.NewStore(artifact.Options{
		Dir:       outputDir,
		Format:    audio.FormatMP3,
		Retention: time.Hour,
	}, log)
	require.NoError(t, err)

	cfg := job.Config{
		ReferenceAudioPath: refAudio,
		ReferenceTextPath:  refText,
		CutStrategy:        "none",
		Sampling:           core.SamplingParams{TopK: 20, TopP: 0.6, Temperature: 0.6},
		Speed:              1.0,
		SampleSteps:        8,
		PauseSeconds:       0.3,
		MaxConcurrentJobs:  1,
	}

	if mutate != nil {
		mutate(&cfg)
	}

	return &fixture{
		executor:  job.NewExecutor(cfg, store, gateway, transcoder, nil, log),
		store:     store,
		gateway:   gateway,
		cfg:       cfg,
		outputDir: outputDir,
	}
}

func (f *fixture) files(t *testing.T) []string {
	t.Helper()

	entries, err := os.ReadDir(f.outputDir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	return names
}

func TestExecute_Success(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeGateway{}, &copyTranscoder{}, nil)

	result, err := fx.executor.Execute(context.Background(), "  你好世界 ")
	require.NoError(t, err)

	assert.True(t, artifact.ValidID(result.ID.String()))
	assert.Equal(t, "你好世界", result.Text)
	assert.Equal(t, []string{result.ID.String() + ".mp3"}, fx.files(t))

	info, err := os.Stat(fx.store.FinalPath(result.ID))
	require.NoError(t, err)
	assert.Equal(t, info.Size(), result.SizeBytes)

	calls := fx.gateway.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, core.LanguageNative, calls[0].TextLanguage)
	assert.Equal(t, core.LanguageForeign, calls[0].ReferenceLanguage)
	assert.Equal(t, "hello world", calls[0].ReferenceText)
	assert.Equal(t, fx.cfg.ReferenceAudioPath, calls[0].ReferenceAudioPath)
	assert.Equal(t, fx.cfg.Sampling, calls[0].Sampling)
	assert.Equal(t, 8, calls[0].SampleSteps)
}

func TestExecute_KeepsLineBreaks(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeGateway{}, &copyTranscoder{}, nil)

	result, err := fx.executor.Execute(context.Background(), "\n第一行。\n第二行。\n\n")
	require.NoError(t, err)

	assert.Equal(t, "第一行。\n第二行。", result.Text)

	calls := fx.gateway.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "第一行。\n第二行。", calls[0].Text)
}

func TestExecute_Retrievable(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeGateway{}, &copyTranscoder{}, nil)

	result, err := fx.executor.Execute(context.Background(), "hello")
	require.NoError(t, err)

	file, art, err := fx.store.Open(result.ID)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	assert.Equal(t, result.SizeBytes, art.SizeBytes)
}

func TestExecuteRequest_SamplingOverride(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeGateway{}, &copyTranscoder{}, nil)
	override := core.SamplingParams{TopK: 5, TopP: 0.9, Temperature: 1.1}

	_, err := fx.executor.ExecuteRequest(context.Background(), job.Request{
		Text:     "hello 世界",
		Sampling: &override,
	})
	require.NoError(t, err)

	calls := fx.gateway.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, override, calls[0].Sampling)
	assert.Equal(t, core.LanguageMixed, calls[0].TextLanguage)
}

func TestExecute_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		gateway     *fakeGateway
		transcoder  *copyTranscoder
		mutate      func(*job.Config)
		text        string
		wantErr     error
		wantNoCalls bool
	}{
		{
			name:        "empty text",
			gateway:     &fakeGateway{},
			transcoder:  &copyTranscoder{},
			text:        " \n\t ",
			wantErr:     job.ErrEmptyText,
			wantNoCalls: true,
		},
		{
			name:       "missing reference text",
			gateway:    &fakeGateway{},
			transcoder: &copyTranscoder{},
			mutate: func(cfg *job.Config) {
				cfg.ReferenceTextPath = filepath.Join(os.TempDir(), "does-not-exist", "ref.txt")
			},
			text:        "hello",
			wantErr:     job.ErrReferenceNotFound,
			wantNoCalls: true,
		},
		{
			name:       "missing reference audio",
			gateway:    &fakeGateway{},
			transcoder: &copyTranscoder{},
			mutate: func(cfg *job.Config) {
				cfg.ReferenceAudioPath = filepath.Join(os.TempDir(), "does-not-exist", "ref.wav")
			},
			text:        "hello",
			wantErr:     job.ErrReferenceNotFound,
			wantNoCalls: true,
		},
		{
			name:       "gateway error",
			gateway:    &fakeGateway{err: errModelCrashed},
			transcoder: &copyTranscoder{},
			text:       "hello",
			wantErr:    job.ErrSynthesisFailed,
		},
		{
			name:       "gateway returns no samples",
			gateway:    &fakeGateway{result: &core.Synthesis{SampleRate: 16000}},
			transcoder: &copyTranscoder{},
			text:       "hello",
			wantErr:    job.ErrSynthesisFailed,
		},
		{
			name:       "gateway returns bad sample rate",
			gateway:    &fakeGateway{result: &core.Synthesis{Samples: []int16{1}}},
			transcoder: &copyTranscoder{},
			text:       "hello",
			wantErr:    job.ErrSynthesisFailed,
		},
		{
			name:       "transcoder fails after partial write",
			gateway:    &fakeGateway{},
			transcoder: &copyTranscoder{err: errModelCrashed, partialSize: 10},
			text:       "hello",
			wantErr:    job.ErrTranscodeFailed,
		},
		{
			name:       "transcoder writes nothing",
			gateway:    &fakeGateway{},
			transcoder: &copyTranscoder{skipWrite: true},
			text:       "hello",
			wantErr:    job.ErrTranscodeFailed,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t, testCase.gateway, testCase.transcoder, testCase.mutate)

			result, err := fx.executor.Execute(context.Background(), testCase.text)
			require.ErrorIs(t, err, testCase.wantErr)
			assert.Nil(t, result)
			assert.Empty(t, fx.files(t), "a failed job must leave no files behind")

			if testCase.wantNoCalls {
				assert.Empty(t, fx.gateway.calls())
			}
		})
	}
}

func TestExecute_ConcurrentJobsGetDistinctIDs(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeGateway{}, &copyTranscoder{}, func(cfg *job.Config) {
		cfg.MaxConcurrentJobs = -1
	})

	const jobs = 16

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[artifact.ID]struct{}, jobs)
	)

	for range jobs {
		wg.Add(1)

		go func() {
			defer wg.Done()

			result, err := fx.executor.Execute(context.Background(), "hello")
			assert.NoError(t, err)

			if result != nil {
				mu.Lock()
				ids[result.ID] = struct{}{}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Len(t, ids, jobs)
	assert.Len(t, fx.files(t), jobs)
}

func TestExecute_AdmissionControl(t *testing.T) {
	t.Parallel()

	gateway := &fakeGateway{delay: 20 * time.Millisecond}
	fx := newFixture(t, gateway, &copyTranscoder{}, func(cfg *job.Config) {
		cfg.MaxConcurrentJobs = 2
	})

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := fx.executor.Execute(context.Background(), "hello")
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, gateway.peak.Load(), int32(2))
}

func TestExecute_WaitingForSlotHonoursContext(t *testing.T) {
	t.Parallel()

	gateway := &fakeGateway{delay: 500 * time.Millisecond}
	fx := newFixture(t, gateway, &copyTranscoder{}, nil)

	started := make(chan struct{})

	go func() {
		close(started)

		_, _ = fx.executor.Execute(context.Background(), "first")
	}()

	<-started

	require.Eventually(t, func() bool { return gateway.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := fx.executor.Execute(ctx, "second")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecute_GatewayTimeout(t *testing.T) {
	t.Parallel()

	gateway := &fakeGateway{delay: time.Second}
	fx := newFixture(t, gateway, &copyTranscoder{}, func(cfg *job.Config) {
		cfg.Timeout = 20 * time.Millisecond
	})

	_, err := fx.executor.Execute(context.Background(), "hello")
	require.ErrorIs(t, err, job.ErrSynthesisFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, fx.files(t))
}
