package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-broker/internal/command"
	"github.com/book-expert/speech-broker/internal/tts/ttsutils"
	"github.com/gorilla/websocket"
)

// Flag descriptions.
const (
	flagURLDesc     = "WebSocket URL of the broker command channel"
	flagTextDesc    = "Text to convert to speech"
	flagFileDesc    = "File containing the text to convert to speech"
	flagOutputDesc  = "Download the finished artifact to this path"
	flagTimeoutDesc = "Maximum time to wait for the synthesis result"
	flagVerboseDesc = "Enable verbose logging"
	flagHealthDesc  = "Check that the broker accepts connections and exit"
)

// Flag names.
const (
	flagURL     = "url"
	flagText    = "text"
	flagFile    = "file"
	flagOutput  = "output"
	flagTimeout = "timeout"
	flagVerbose = "verbose"
	flagHealth  = "health"
)

// Error messages.
const (
	errFailedToInitLogger  = "Failed to initialize logger: %v"
	errHealthCheckFailed   = "Health check failed: %v"
	errServiceNotHealthy   = "Broker is not healthy: %v\n"
	errEitherTextOrFile    = "Either --text or --file must be provided"
	errCannotSpecifyBoth   = "Cannot specify both --text and --file"
	errFailedToReadText    = "Failed to read text file: %v"
	errFailedToSynthesize  = "Failed to synthesize: %v"
	errFailedToDownload    = "Failed to download artifact: %v"
	errUnexpectedStatus    = "unexpected download status %d"
	errUnexpectedCommand   = "unexpected command %q"
	errConnectionNotAckned = "broker did not acknowledge the connection"
)

// Log messages.
const (
	msgServiceHealthy       = "Broker is healthy"
	logSubmitting           = "Submitting %d characters to %s"
	logResult               = "Artifact ready: %s (%s)"
	logDownloaded           = "Downloaded %s to %s"
	outResult               = "Download URL: %s\nSize: %s\n"
	outDownloaded           = "Saved: %s\n"
	logFileNameDefault      = "broker-client.log"
	logFileNameVerbose      = "broker-client-verbose.log"
	defaultBrokerURL        = "ws://localhost:8765/"
	defaultTimeout          = 10 * time.Minute
	healthTimeout           = 10 * time.Second
	statusConnectedExpected = "connected"
)

var (
	errNoText   = errors.New(errEitherTextOrFile)
	errBothText = errors.New(errCannotSpecifyBoth)
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	url     string
	text    string
	file    string
	output  string
	timeout time.Duration
	verbose bool
	health  bool
}

// message is an envelope whose parameter is decoded once the command is known.
type message struct {
	Command   string          `json:"command"`
	Parameter json.RawMessage `json:"parameter"`
}

func main() {
	err := run()
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run() error {
	flags, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}

	logFileName := logFileNameDefault
	if flags.verbose {
		logFileName = logFileNameVerbose
	}

	clientLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf(errFailedToInitLogger, err)
	}
	defer clientLog.Close()

	if flags.health {
		return handleHealthCheck(flags.url, clientLog)
	}

	return handleExecution(flags, clientLog)
}

// parseFlags defines flags on fs and parses args, returning them in a struct.
func parseFlags(fs *flag.FlagSet, args []string) (appFlags, error) {
	var flags appFlags
	fs.StringVar(&flags.url, flagURL, defaultBrokerURL, flagURLDesc)
	fs.StringVar(&flags.text, flagText, "", flagTextDesc)
	fs.StringVar(&flags.file, flagFile, "", flagFileDesc)
	fs.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	fs.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	fs.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)
	fs.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)

	err := fs.Parse(args)

	return flags, err
}

// validateArguments checks that exactly one text source was given.
func validateArguments(flags appFlags) error {
	if flags.text == "" && flags.file == "" {
		return errNoText
	}

	if flags.text != "" && flags.file != "" {
		return errBothText
	}

	return nil
}

// handleHealthCheck connects to the broker and waits for its acknowledgement.
func handleHealthCheck(url string, clientLog *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()

	conn, err := connect(ctx, url)
	if err != nil {
		clientLog.Error(errHealthCheckFailed, err)
		fmt.Printf(errServiceNotHealthy, err)

		return err
	}

	_ = conn.Close()

	fmt.Println(msgServiceHealthy)

	return nil
}

// handleExecution submits the text and optionally downloads the result.
func handleExecution(flags appFlags, clientLog *logger.Logger) error {
	err := validateArguments(flags)
	if err != nil {
		flag.Usage()
		clientLog.Error("%v", err)

		return err
	}

	text := flags.text
	if flags.file != "" {
		data, readErr := os.ReadFile(flags.file)
		if readErr != nil {
			return fmt.Errorf(errFailedToReadText, readErr)
		}

		text = string(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	clientLog.Info(logSubmitting, len(text), flags.url)

	result, err := synthesize(ctx, flags.url, text)
	if err != nil {
		clientLog.Error(errFailedToSynthesize, err)

		return fmt.Errorf(errFailedToSynthesize, err)
	}

	size := ttsutils.FormatFileSize(result.SizeBytes)
	clientLog.Info(logResult, result.DownloadURL, size)
	fmt.Printf(outResult, result.DownloadURL, size)

	if flags.output == "" {
		return nil
	}

	err = download(ctx, result.DownloadURL, flags.output)
	if err != nil {
		clientLog.Error(errFailedToDownload, err)

		return fmt.Errorf(errFailedToDownload, err)
	}

	clientLog.Info(logDownloaded, result.DownloadURL, flags.output)
	fmt.Printf(outDownloaded, flags.output)

	return nil
}

// connect dials the command channel and consumes the acknowledgement.
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		return nil, err
	}

	ack, err := readMessage(ctx, conn)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	var status string

	if ack.Command != command.CommandStatus ||
		json.Unmarshal(ack.Parameter, &status) != nil ||
		status != statusConnectedExpected {
		_ = conn.Close()

		return nil, errors.New(errConnectionNotAckned)
	}

	return conn, nil
}

// synthesize runs one begin-synthesis exchange and returns the result.
func synthesize(ctx context.Context, url, text string) (*command.SynthesisResult, error) {
	conn, err := connect(ctx, url)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	err = conn.WriteJSON(command.Envelope{Command: command.CommandBeginSynthesis, Parameter: text})
	if err != nil {
		return nil, err
	}

	for {
		reply, readErr := readMessage(ctx, conn)
		if readErr != nil {
			return nil, readErr
		}

		switch reply.Command {
		case command.CommandSynthesisResult:
			var result command.SynthesisResult

			decodeErr := json.Unmarshal(reply.Parameter, &result)
			if decodeErr != nil {
				return nil, decodeErr
			}

			return &result, nil
		case command.CommandError:
			var detail string

			_ = json.Unmarshal(reply.Parameter, &detail)

			return nil, errors.New(detail)
		case command.CommandStatus:
			continue
		default:
			return nil, fmt.Errorf(errUnexpectedCommand, reply.Command)
		}
	}
}

func readMessage(ctx context.Context, conn *websocket.Conn) (*message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	var reply message

	err := conn.ReadJSON(&reply)
	if err != nil {
		return nil, err
	}

	return &reply, nil
}

// download streams the artifact at url into path.
func download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf(errUnexpectedStatus+": %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()

	if copyErr != nil {
		_ = os.Remove(path)

		return copyErr
	}

	return closeErr
}
