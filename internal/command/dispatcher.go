// Package command serves the WebSocket command channel: it accepts
// synthesis commands, runs them through the job executor and answers each
// with a result or error envelope.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-broker/internal/job"
	"github.com/book-expert/speech-broker/internal/metrics"
	"github.com/gorilla/websocket"
)

const (
	defaultQueueSize = 32
	maxMessageBytes  = 1 << 20
	writeTimeout     = 10 * time.Second
)

// Runner executes one synthesis job.
type Runner interface {
	Execute(ctx context.Context, text string) (*job.Result, error)
}

// Options configures a Dispatcher.
type Options struct {
	PublicBaseURL  string
	KeepAliveToken string
	// QueueSize bounds messages read ahead of the one being processed.
	QueueSize int
}

// Dispatcher is an http.Handler that upgrades each request to a WebSocket
// and serves it until the client disconnects.
type Dispatcher struct {
	runner    Runner
	baseURL   string
	keepAlive string
	queueSize int
	recorder  metrics.Recorder
	log       *logger.Logger
	upgrader  websocket.Upgrader
	conns     sync.WaitGroup

	mu      sync.Mutex
	live    map[*websocket.Conn]struct{}
	closing bool
}

// NewDispatcher creates a dispatcher. A nil recorder disables metrics.
func NewDispatcher(opts Options, runner Runner, recorder metrics.Recorder, log *logger.Logger) *Dispatcher {
	if recorder == nil {
		recorder = metrics.Noop{}
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	return &Dispatcher{
		runner:    runner,
		baseURL:   opts.PublicBaseURL,
		keepAlive: strings.TrimSpace(opts.KeepAliveToken),
		queueSize: opts.QueueSize,
		recorder:  recorder,
		log:       log,
		upgrader: websocket.Upgrader{
			// Browser clients are served from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		live: make(map[*websocket.Conn]struct{}),
	}
}

// Shutdown stops reading from every open connection and refuses new ones.
// Jobs already running finish and their responses are dropped; Wait blocks
// until they have.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closing = true

	for conn := range d.live {
		_ = conn.SetReadDeadline(time.Now())
	}
}

func (d *Dispatcher) track(conn *websocket.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closing {
		return false
	}

	d.live[conn] = struct{}{}

	return true
}

func (d *Dispatcher) untrack(conn *websocket.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.live, conn)
}

// Wait blocks until every accepted connection, including jobs still running
// for clients that already left, has finished.
func (d *Dispatcher) Wait() {
	d.conns.Wait()
}

// ServeHTTP upgrades the request and runs the connection's read and process
// loops.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warn("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)

		return
	}

	if !d.track(conn) {
		_ = conn.Close()

		return
	}
	defer d.untrack(conn)

	d.conns.Add(1)
	defer d.conns.Done()

	d.recorder.ConnectionOpened()
	defer d.recorder.ConnectionClosed()

	d.log.Info("Client connected: %s", r.RemoteAddr)

	// Jobs outlive the connection that submitted them.
	d.serve(context.WithoutCancel(r.Context()), conn)

	d.log.Info("Client disconnected: %s", r.RemoteAddr)
}

// IsKeepAlive reports whether raw is the keep-alive token, ignoring case and
// surrounding whitespace.
func (d *Dispatcher) IsKeepAlive(raw []byte) bool {
	return d.keepAlive != "" && strings.EqualFold(strings.TrimSpace(string(raw)), d.keepAlive)
}

func (d *Dispatcher) serve(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageBytes)

	sess := &session{conn: conn}

	writeErr := sess.write(connectedEnvelope())
	if writeErr != nil {
		d.log.Warn("Failed to acknowledge connection: %v", writeErr)
		_ = conn.Close()

		return
	}

	var disconnected atomic.Bool

	queue := make(chan []byte, d.queueSize)
	processed := make(chan struct{})

	go func() {
		defer close(processed)

		d.process(ctx, sess, queue, &disconnected)
	}()

	for {
		_, data, readErr := conn.ReadMessage()
		if readErr != nil {
			if !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				d.log.Info("Read loop ended: %v", readErr)
			}

			break
		}

		if d.IsKeepAlive(data) {
			continue
		}

		if !d.enqueue(sess, queue, data) {
			break
		}
	}

	disconnected.Store(true)
	close(queue)
	<-processed

	_ = conn.Close()
}

// enqueue hands data to the processor, or rejects it with a busy envelope
// when the queue is full so the read loop keeps servicing control frames.
// It reports false once the connection can no longer be written.
func (d *Dispatcher) enqueue(sess *session, queue chan<- []byte, data []byte) bool {
	select {
	case queue <- data:
		return true
	default:
	}

	d.log.Warn("Command queue full (%d pending), rejecting message", d.queueSize)

	writeErr := sess.write(errorEnvelope(fmt.Sprintf(msgFmtBusy, d.queueSize)))
	if writeErr != nil {
		d.log.Warn("Failed to write busy response: %v", writeErr)

		return false
	}

	return true
}

// process handles queued messages strictly in arrival order.
func (d *Dispatcher) process(ctx context.Context, sess *session, queue <-chan []byte, disconnected *atomic.Bool) {
	writable := true

	for data := range queue {
		if disconnected.Load() {
			// Client is gone; nothing queued behind the running job starts.
			continue
		}

		response := d.HandleMessage(ctx, data)

		if !writable || disconnected.Load() {
			d.log.Info("Discarding %s response for closed connection", response.Command)

			continue
		}

		writeErr := sess.write(response)
		if writeErr != nil {
			d.log.Warn("Failed to write %s response: %v", response.Command, writeErr)

			writable = false
			// Unblocks the read loop.
			_ = sess.conn.Close()
		}
	}
}

// session serializes writes to one connection; gorilla allows a single
// concurrent writer.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *session) write(envelope Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadlineErr := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if deadlineErr != nil {
		return deadlineErr
	}

	return s.conn.WriteJSON(envelope)
}

// HandleMessage turns one inbound message into exactly one response
// envelope. It never panics.
func (d *Dispatcher) HandleMessage(ctx context.Context, raw []byte) (response Envelope) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.log.Error("Recovered from panic while handling message: %v", recovered)

			response = errorEnvelope(fmt.Sprintf(msgFmtInternal, recovered))
		}
	}()

	if len(raw) == 0 {
		return errorEnvelope(msgEmptyMessage)
	}

	var msg inbound

	decodeErr := json.Unmarshal(raw, &msg)
	if decodeErr != nil {
		return errorEnvelope(fmt.Sprintf(msgFmtInvalidEnvelope, decodeErr))
	}

	switch msg.Command {
	case CommandBeginSynthesis:
		return d.beginSynthesis(ctx, msg.Parameter)
	case "":
		return errorEnvelope(fmt.Sprintf(msgFmtInvalidEnvelope, errMissingCommand))
	default:
		return errorEnvelope(fmt.Sprintf(msgFmtUnsupported, msg.Command))
	}
}

var errMissingCommand = errors.New("missing command field")

func (d *Dispatcher) beginSynthesis(ctx context.Context, parameter json.RawMessage) Envelope {
	var text string

	decodeErr := json.Unmarshal(parameter, &text)
	if decodeErr != nil || text == "" {
		return errorEnvelope(msgInvalidParameter)
	}

	result, err := d.runner.Execute(ctx, text)
	if err != nil {
		return errorEnvelope(fmt.Sprintf(msgFmtSynthesisFailed, err))
	}

	return Envelope{
		Command: CommandSynthesisResult,
		Parameter: SynthesisResult{
			Status:      statusOK,
			DownloadURL: DownloadURL(d.baseURL, result.ID.String()),
			SizeBytes:   result.SizeBytes,
			Text:        result.Text,
		},
	}
}
