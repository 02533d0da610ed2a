package vc

import (
	"errors"
	"fmt"
	"slices"

	"github.com/bytedance/sonic"

	"github.com/resemble-ai/resemble-live-sts-socket/pkg/audio"
)

// Event names of the conversion namespace.
const (
	EventUpdateSettings    = "update_model_settings"
	EventGetSettings       = "get_settings"
	EventRequestConversion = "request_conversion"
	EventResponse          = "response"
	EventMessage           = "message"
)

// DefaultNamespace is the Socket.IO namespace served by the conversion
// service.
const DefaultNamespace = "/synthesize"

// ExtraConvertSizes lists the values the server accepts for
// [VoiceSettings.ExtraConvertSize].
var ExtraConvertSizes = []int{4096, 8192, 16384, 32768, 65536, 131072}

// VoiceSettings are the conversion parameters sent to the server. The JSON
// names are part of the wire protocol.
type VoiceSettings struct {
	Voice                string  `json:"voice"`
	CrossFadeOffsetRate  float64 `json:"crossFadeOffsetRate"`
	CrossFadeEndRate     float64 `json:"crossFadeEndRate"`
	CrossFadeOverlapSize int     `json:"crossFadeOverlapSize"`
	ExtraConvertSize     int     `json:"extraConvertSize"`
	GPU                  int     `json:"gpu"`
	Pitch                float64 `json:"pitch"`
	VAD                  int     `json:"vad"`
}

// Validate checks the ranges the server accepts.
func (s VoiceSettings) Validate() error {
	var errs []error
	if s.CrossFadeOffsetRate < 0 || s.CrossFadeOffsetRate > 1 {
		errs = append(errs, fmt.Errorf("crossfade offset rate must be within [0, 1], got %g", s.CrossFadeOffsetRate))
	}
	if s.CrossFadeEndRate < 0 || s.CrossFadeEndRate > 1 {
		errs = append(errs, fmt.Errorf("crossfade end rate must be within [0, 1], got %g", s.CrossFadeEndRate))
	}
	if s.CrossFadeOverlapSize <= 0 {
		errs = append(errs, fmt.Errorf("crossfade overlap size must be positive, got %d", s.CrossFadeOverlapSize))
	}
	if !slices.Contains(ExtraConvertSizes, s.ExtraConvertSize) {
		errs = append(errs, fmt.Errorf("extra convert size must be one of %v, got %d", ExtraConvertSizes, s.ExtraConvertSize))
	}
	if s.GPU < 0 {
		errs = append(errs, fmt.Errorf("gpu id must be non-negative, got %d", s.GPU))
	}
	if s.VAD < 0 || s.VAD > 3 {
		errs = append(errs, fmt.Errorf("vad level must be within [0, 3], got %d", s.VAD))
	}
	return errors.Join(errs...)
}

// ─── Status messages ──────────────────────────────────────────────────────────

// Severity is the log level a server status maps to.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the lower-case severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// ClassifyStatus maps an HTTP-style status code to a severity: below 300 is
// informational, 300-399 a warning and 400 or above an error.
func ClassifyStatus(code int) Severity {
	switch {
	case code < 300:
		return SeverityInfo
	case code < 400:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// StatusMessage is a server notification on the message event.
type StatusMessage struct {
	Status int
	// Message is either a string or a structured detail object.
	Message any
}

// Severity classifies the message by its status code.
func (m StatusMessage) Severity() Severity { return ClassifyStatus(m.Status) }

// Text renders Message for logging. Structured details are rendered as JSON.
func (m StatusMessage) Text() string {
	switch v := m.Message.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		s, err := sonic.ConfigStd.MarshalToString(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return s
	}
}

func parseStatusMessage(args []any) (StatusMessage, error) {
	if len(args) == 0 {
		return StatusMessage{}, errors.New("message event without payload")
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return StatusMessage{}, fmt.Errorf("message payload is %T, want object", args[0])
	}
	code, ok := asInt64(m["status"])
	if !ok {
		return StatusMessage{}, fmt.Errorf("message status is %T, want number", m["status"])
	}
	return StatusMessage{Status: int(code), Message: m["message"]}, nil
}

// ─── Audio payloads ───────────────────────────────────────────────────────────

// framePayload is the wire form of a request_conversion event.
func framePayload(f audio.Frame) map[string]any {
	return map[string]any{
		"timestamp":  f.Timestamp,
		"audio_data": f.Data,
	}
}

// parseFrame extracts the frame from a response event. Failures wrap
// [audio.ErrMalformedFrame].
func parseFrame(args []any) (audio.Frame, error) {
	if len(args) == 0 {
		return audio.Frame{}, fmt.Errorf("%w: response without payload", audio.ErrMalformedFrame)
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return audio.Frame{}, fmt.Errorf("%w: response payload is %T", audio.ErrMalformedFrame, args[0])
	}
	ts, ok := asInt64(m["timestamp"])
	if !ok {
		return audio.Frame{}, fmt.Errorf("%w: timestamp is %T", audio.ErrMalformedFrame, m["timestamp"])
	}
	data, ok := m["audio_data"].([]byte)
	if !ok {
		return audio.Frame{}, fmt.Errorf("%w: audio_data is %T, want binary", audio.ErrMalformedFrame, m["audio_data"])
	}
	return audio.Frame{Timestamp: ts, Data: data}, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
