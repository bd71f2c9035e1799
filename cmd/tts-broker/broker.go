package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-broker/internal/artifact"
	"github.com/book-expert/speech-broker/internal/command"
	"github.com/book-expert/speech-broker/internal/config"
	"github.com/book-expert/speech-broker/internal/core"
	"github.com/book-expert/speech-broker/internal/download"
	"github.com/book-expert/speech-broker/internal/job"
	"github.com/book-expert/speech-broker/internal/metrics"
	"github.com/book-expert/speech-broker/internal/objectstore"
	"github.com/book-expert/speech-broker/internal/sweeper"
	"github.com/book-expert/speech-broker/internal/transcode"
	"github.com/book-expert/speech-broker/internal/tts"
	"github.com/book-expert/speech-broker/internal/tts/audio"
	"github.com/book-expert/speech-broker/internal/tts/ttsutils"
	"github.com/book-expert/speech-broker/internal/worker"
	"github.com/nats-io/nats.go"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
	healthTimeout     = 5 * time.Second
)

// broker holds every long-running component of the service.
type broker struct {
	cfg         *config.Config
	log         *logger.Logger
	gateway     core.SynthesisGateway
	executor    *job.Executor
	dispatcher  *command.Dispatcher
	sweeper     *sweeper.Sweeper
	commandSrv  *http.Server
	downloadSrv *http.Server

	// Bound listener addresses, set once run starts listening.
	mu           sync.Mutex
	commandAddr  string
	downloadAddr string
	listening    chan struct{}
}

func newBroker(cfg *config.Config, log *logger.Logger) (*broker, error) {
	format := audio.Format(cfg.Store.ArtifactFormat)

	store, err := artifact.NewStore(artifact.Options{
		Dir:       cfg.Store.OutputDir,
		Format:    format,
		Retention: cfg.Store.Retention(),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	transcoder, err := transcode.New(transcode.Options{
		Format:  format,
		Codec:   cfg.Transcoder.Codec,
		Quality: cfg.Transcoder.Quality,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to configure transcoder: %w", err)
	}

	gateway, err := tts.NewGateway(cfg.Synthesis, os.TempDir(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to configure synthesis gateway: %w", err)
	}

	prom := metrics.NewProm(cfg.Metrics.Namespace)
	executor := job.NewExecutor(job.ConfigFrom(cfg), store, gateway, transcoder, prom, log)

	dispatcher := command.NewDispatcher(command.Options{
		PublicBaseURL:  cfg.Server.PublicBaseURL,
		KeepAliveToken: cfg.Server.KeepAliveToken,
	}, executor, prom, log)

	sw, err := sweeper.New(store, cfg.Store.SweepInterval(), prom, log)
	if err != nil {
		return nil, err
	}

	router := download.NewRouter(download.NewHandler(store, prom, log), prom.Handler())

	commandSrv := &http.Server{Handler: dispatcher, ReadHeaderTimeout: readHeaderTimeout}
	downloadSrv := &http.Server{Handler: router, ReadHeaderTimeout: readHeaderTimeout}

	return &broker{
		cfg:         cfg,
		log:         log,
		gateway:     gateway,
		executor:    executor,
		dispatcher:  dispatcher,
		sweeper:     sw,
		commandSrv:  commandSrv,
		downloadSrv: downloadSrv,
		listening:   make(chan struct{}),
	}, nil
}

// run serves until ctx is cancelled, then shuts every component down.
func (b *broker) run(ctx context.Context) error {
	b.checkGateway(ctx)

	commandListener, err := net.Listen("tcp", b.cfg.Server.CommandAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.cfg.Server.CommandAddr, err)
	}

	downloadListener, err := net.Listen("tcp", b.cfg.Server.DownloadAddr)
	if err != nil {
		_ = commandListener.Close()

		return fmt.Errorf("failed to listen on %s: %w", b.cfg.Server.DownloadAddr, err)
	}

	b.mu.Lock()
	b.commandAddr = commandListener.Addr().String()
	b.downloadAddr = downloadListener.Addr().String()
	b.mu.Unlock()
	close(b.listening)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	errs := make(chan error, 4)

	start := func(name string, fn func() error) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			runErr := fn()
			if runErr != nil {
				errs <- fmt.Errorf("%s: %w", name, runErr)

				cancel()
			}
		}()
	}

	start("command server", func() error { return serveHTTP(b.commandSrv, commandListener) })
	start("download server", func() error { return serveHTTP(b.downloadSrv, downloadListener) })
	start("sweeper", func() error { return b.sweeper.Run(runCtx) })

	if b.cfg.NATS.Enabled() {
		start("nats worker", func() error { return b.runWorker(runCtx) })
	}

	b.log.System("Speech broker ready: commands on %s, downloads on %s (public %s), retention %s",
		b.commandAddr, b.downloadAddr, b.cfg.Server.PublicBaseURL, ttsutils.FormatAge(b.cfg.Store.Retention()))

	<-runCtx.Done()

	b.log.System("Shutting down")
	b.shutdown()

	wg.Wait()
	close(errs)

	var runErrs []error
	for runErr := range errs {
		runErrs = append(runErrs, runErr)
	}

	return errors.Join(runErrs...)
}

func (b *broker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range []*http.Server{b.commandSrv, b.downloadSrv} {
		shutdownErr := srv.Shutdown(ctx)
		if shutdownErr != nil {
			b.log.Warn("HTTP shutdown: %v", shutdownErr)
		}
	}

	// WebSocket connections are hijacked, so http.Server.Shutdown leaves them
	// open; the dispatcher stops their read loops itself.
	b.dispatcher.Shutdown()

	done := make(chan struct{})

	go func() {
		b.dispatcher.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn("Gave up waiting for in-flight jobs")
	}
}

func (b *broker) runWorker(ctx context.Context) error {
	natsConnection, err := nats.Connect(b.cfg.NATS.URL, nats.Name("tts-broker"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", b.cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, b.cfg.NATS.ObjectStoreBucket, b.cfg.Store.Retention())
	if err != nil {
		return err
	}

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		b.cfg.NATS.SynthesisSubject,
		store,
		b.executor,
		job.ConfigFrom(b.cfg).Sampling,
		b.log,
	)
	if err != nil {
		return err
	}

	return natsWorker.Run(ctx)
}

// checkGateway logs whether an HTTP inference service answers; the broker
// starts either way and reports failures per job.
func (b *broker) checkGateway(ctx context.Context) {
	checker, ok := b.gateway.(interface{ HealthCheck(ctx context.Context) error })
	if !ok {
		return
	}

	healthCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	healthErr := checker.HealthCheck(healthCtx)
	if healthErr != nil {
		b.log.Warn("Synthesis service not healthy yet: %v", healthErr)

		return
	}

	b.log.Info("Synthesis service is healthy")
}

func serveHTTP(srv *http.Server, listener net.Listener) error {
	err := srv.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// addrs returns the bound listener addresses once run is listening.
func (b *broker) addrs() (string, string) {
	<-b.listening

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.commandAddr, b.downloadAddr
}
