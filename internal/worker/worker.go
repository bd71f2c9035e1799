// Package worker accepts synthesis jobs from a NATS subject, as an
// alternative intake to the WebSocket command channel.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/speech-broker/internal/artifact"
	"github.com/book-expert/speech-broker/internal/core"
	"github.com/book-expert/speech-broker/internal/job"
	"github.com/nats-io/nats.go"
)

const handleMessageTimeout = 10 * time.Minute

// HeaderError carries the failure reason on an error reply.
const HeaderError = "Synthesis-Error"

var (
	// ErrTextKeyEmpty indicates an event without a text key.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrTopPRange indicates that the TopP parameter is out of the valid range [0.0, 1.0].
	ErrTopPRange = errors.New("top_p must be between 0.0 and 1.0")
	// ErrTemperatureRange indicates that the Temperature parameter is out of the valid range [0.0, ...).
	ErrTemperatureRange = errors.New("temperature must be >= 0.0")
)

// Runner executes a job and exposes the store it publishes into.
type Runner interface {
	ExecuteRequest(ctx context.Context, req job.Request) (*job.Result, error)
	Store() *artifact.Store
}

// NatsWorker listens for synthesis jobs on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	store          core.ObjectStore
	runner         Runner
	defaults       core.SamplingParams
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. defaults fills the
// sampling fields an event does not carry.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	store core.ObjectStore,
	runner Runner,
	defaults core.SamplingParams,
	log *logger.Logger,
) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		store:          store,
		runner:         runner,
		defaults:       defaults,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Listening for synthesis jobs on %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := w.parseEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse event: %v", err)
		w.replyError(msg, err)

		return
	}

	audioKey, processErr := w.processJob(ctx, event)
	if processErr != nil {
		w.log.Error("Failed to process synthesis job for workflow %s: %v", event.Header.WorkflowID, processErr)
		w.replyError(msg, processErr)

		return
	}

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// processJob downloads the text, synthesizes it and mirrors the artifact
// into the object store under "<id>.<ext>".
func (w *NatsWorker) processJob(ctx context.Context, event *events.TextProcessedEvent) (string, error) {
	sampling, err := w.samplingFor(event)
	if err != nil {
		return "", err
	}

	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	result, err := w.runner.ExecuteRequest(ctx, job.Request{Text: string(textData), Sampling: sampling})
	if err != nil {
		return "", fmt.Errorf("failed to synthesize text: %w", err)
	}

	artifacts := w.runner.Store()
	audioKey := result.ID.String() + "." + string(artifacts.Format())

	err = w.store.UploadFile(ctx, audioKey, artifacts.FinalPath(result.ID))
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	w.log.Info("Workflow %s: page %d/%d synthesized as %s",
		event.Header.WorkflowID, event.PageNumber, event.TotalPages, audioKey)

	return audioKey, nil
}

// samplingFor returns the event's sampling overrides, or nil when the event
// carries none. Zero TopP and Temperature mean "not set".
func (w *NatsWorker) samplingFor(event *events.TextProcessedEvent) (*core.SamplingParams, error) {
	if event.TopP == 0 && event.Temperature == 0 {
		return nil, nil
	}

	if event.TopP < 0.0 || event.TopP > 1.0 {
		return nil, fmt.Errorf("%w: got %f", ErrTopPRange, event.TopP)
	}

	if event.Temperature < 0.0 {
		return nil, fmt.Errorf("%w: got %f", ErrTemperatureRange, event.Temperature)
	}

	sampling := w.defaults
	if event.TopP != 0 {
		sampling.TopP = event.TopP
	}

	if event.Temperature != 0 {
		sampling.Temperature = event.Temperature
	}

	return &sampling, nil
}

// publishReplyEvent marshals and responds with the AudioChunkCreatedEvent.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	if msg.Reply == "" {
		return nil
	}

	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

// replyError answers a request with an empty body and the reason in a header.
func (w *NatsWorker) replyError(msg *nats.Msg, cause error) {
	if msg.Reply == "" {
		return
	}

	reply := nats.NewMsg(msg.Reply)
	reply.Header.Set(HeaderError, strings.ReplaceAll(cause.Error(), "\n", " "))

	err := msg.RespondMsg(reply)
	if err != nil {
		w.log.Warn("Failed to publish error reply: %v", err)
	}
}

func (w *NatsWorker) parseEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if strings.TrimSpace(event.TextKey) == "" {
		return nil, ErrTextKeyEmpty
	}

	return &event, nil
}
