package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Inbound command names.
const (
	CommandGetStatus        = "get_status"
	CommandStartListening   = "start_listening"
	CommandStopListening    = "stop_listening"
	CommandSynthesizeSpeech = "synthesize_speech"
	CommandStopTTS          = "stop_tts"
	CommandSendGGWave       = "send_ggwave"
)

// Outbound event names.
const (
	EventConnected         = "connected"
	EventStatus            = "status"
	EventListeningStarted  = "listening_started"
	EventListeningStopped  = "listening_stopped"
	EventSpeechRecognized  = "speech_recognized"
	EventSpeechGenerated   = "speech_generated"
	EventSpeechError       = "speech_error"
	EventTTSStreamStart    = "tts_stream_start"
	EventTTSStreamChunk    = "tts_stream_chunk"
	EventTTSStreamComplete = "tts_stream_complete"
	EventTTSStreamError    = "tts_stream_error"
	EventTTSStopped        = "tts_stopped"
	EventGGWaveSent        = "ggwave_sent"
	EventGGWaveError       = "ggwave_error"
	EventError             = "error"
)

// Message is the wire envelope shared by inbound commands and outbound events.
type Message struct {
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp float64         `json:"timestamp,omitempty"`
}

// Event is an outbound message before encoding. Timestamp is assigned on
// delivery.
type Event struct {
	Command string
	Payload any
}

// NewEvent builds an Event.
func NewEvent(command string, payload any) Event {
	return Event{Command: command, Payload: payload}
}

type outbound struct {
	Command   string  `json:"command"`
	Payload   any     `json:"payload"`
	Timestamp float64 `json:"timestamp"`
}

// Encode serializes the event stamped with the given delivery time as
// fractional unix seconds.
func (e Event) Encode(at time.Time) ([]byte, error) {
	payload := e.Payload
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(outbound{
		Command:   e.Command,
		Payload:   payload,
		Timestamp: float64(at.Unix()) + float64(at.Nanosecond())/float64(time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Command, err)
	}
	return data, nil
}

// Command is the closed set of inbound commands. Handlers switch over the
// concrete types below.
type Command interface {
	Name() string
}

type GetStatus struct{}

type StartListening struct{}

type StopListening struct{}

type SynthesizeSpeech struct {
	Text      string    `json:"text"`
	MessageID MessageID `json:"messageId,omitempty"`
	Streaming bool      `json:"streaming,omitempty"`
}

type StopTTS struct{}

type SendGGWave struct {
	Text string `json:"text"`
}

func (GetStatus) Name() string        { return CommandGetStatus }
func (StartListening) Name() string   { return CommandStartListening }
func (StopListening) Name() string    { return CommandStopListening }
func (SynthesizeSpeech) Name() string { return CommandSynthesizeSpeech }
func (StopTTS) Name() string          { return CommandStopTTS }
func (SendGGWave) Name() string       { return CommandSendGGWave }

// ProtocolError reports an inbound message that could not be decoded.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// UnknownCommandError reports a well-formed message naming a command this
// service does not implement.
type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return "Unknown command: " + e.Command
}

// DecodeCommand parses one inbound message into its command variant.
func DecodeCommand(data []byte) (Command, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Reason: "invalid JSON message", Err: err}
	}
	name := strings.TrimSpace(msg.Command)
	if name == "" {
		return nil, &ProtocolError{Reason: "missing command"}
	}

	switch name {
	case CommandGetStatus:
		return GetStatus{}, nil
	case CommandStartListening:
		return StartListening{}, nil
	case CommandStopListening:
		return StopListening{}, nil
	case CommandStopTTS:
		return StopTTS{}, nil
	case CommandSynthesizeSpeech:
		var cmd SynthesizeSpeech
		if err := decodePayload(msg.Payload, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	case CommandSendGGWave:
		var cmd SendGGWave
		if err := decodePayload(msg.Payload, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	default:
		return nil, &UnknownCommandError{Command: name}
	}
}

func decodePayload(raw json.RawMessage, target any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &ProtocolError{Reason: "invalid payload", Err: err}
	}
	return nil
}

// IsProtocolError reports whether err is a decoding failure.
func IsProtocolError(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr)
}
