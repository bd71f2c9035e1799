package command

import (
	"encoding/json"
	"strings"
)

// Command names carried in envelopes.
const (
	CommandBeginSynthesis  = "begin-synthesis"
	CommandStatus          = "status"
	CommandError           = "error"
	CommandSynthesisResult = "synthesis-result"
)

const (
	statusConnected = "connected"
	statusOK        = "ok"
	downloadPath    = "/download/"
)

// Client-facing error messages.
const (
	msgEmptyMessage       = "empty message"
	msgFmtInvalidEnvelope = "invalid command envelope: %v"
	msgInvalidParameter   = "parameter must be a non-empty string"
	msgFmtSynthesisFailed = "synthesis failed: %v"
	msgFmtUnsupported     = "unsupported command: %s"
	msgFmtInternal        = "internal error: %v"
	msgFmtBusy            = "busy: %d commands already pending, retry later"
)

// Envelope is the JSON object exchanged on the command channel in both
// directions.
type Envelope struct {
	Command   string `json:"command"`
	Parameter any    `json:"parameter"`
}

// inbound defers decoding of the parameter until the command is known.
type inbound struct {
	Command   string          `json:"command"`
	Parameter json.RawMessage `json:"parameter"`
}

// SynthesisResult is the parameter of a synthesis-result envelope.
type SynthesisResult struct {
	Status      string `json:"status"`
	DownloadURL string `json:"downloadUrl"`
	SizeBytes   int64  `json:"sizeBytes"`
	Text        string `json:"text"`
}

func errorEnvelope(message string) Envelope {
	return Envelope{Command: CommandError, Parameter: message}
}

func connectedEnvelope() Envelope {
	return Envelope{Command: CommandStatus, Parameter: statusConnected}
}

// DownloadURL joins the public base URL and the retrieval path for id.
func DownloadURL(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + downloadPath + id
}
