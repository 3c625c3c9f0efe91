package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Defaults applied to inbound messages that omit optional fields.
const (
	DefaultTranscriptRole = "assistant"
	DefaultErrorMessage   = "Voice agent error"
)

// Message is one decoded inbound wire message. The set of implementations is
// closed: [Audio], [Transcript], [RemoteError] and [Unknown]. Callers switch on
// the concrete type.
type Message interface {
	// Kind returns the wire tag of the message ("audio", "transcript",
	// "error") or "unknown".
	Kind() string

	isMessage()
}

// Audio carries a chunk of agent speech as raw 16-bit little-endian PCM.
type Audio struct {
	PCM []byte
}

// Transcript carries one spoken turn.
type Transcript struct {
	Role string
	Text string
}

// RemoteError is an explicit, non-fatal error notice sent by the agent.
type RemoteError struct {
	Message string
}

// Unknown is any payload that did not parse as one of the known messages. It
// is a normal case, not an error: the dispatcher simply ignores it.
type Unknown struct {
	// Type is the wire tag if one could be read.
	Type string

	// Reason describes why the payload was not recognised.
	Reason string
}

func (Audio) Kind() string       { return "audio" }
func (Transcript) Kind() string  { return "transcript" }
func (RemoteError) Kind() string { return "error" }
func (Unknown) Kind() string     { return "unknown" }

func (Audio) isMessage()       {}
func (Transcript) isMessage()  {}
func (RemoteError) isMessage() {}
func (Unknown) isMessage()     {}

// wireMessage is the JSON envelope shared by every message on the connection.
type wireMessage struct {
	Type       string `json:"type"`
	Audio      string `json:"audio,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Role       string `json:"role,omitempty"`
	Text       string `json:"text,omitempty"`
	Content    string `json:"content,omitempty"`
	Message    string `json:"message,omitempty"`
}

// EncodeAudio builds the outbound frame for one captured chunk:
// {"type":"audio","audio":"<base64 PCM16LE>","sampleRate":N}.
func EncodeAudio(pcm []byte, sampleRate int) ([]byte, error) {
	data, err := json.Marshal(wireMessage{
		Type:       "audio",
		Audio:      base64.StdEncoding.EncodeToString(pcm),
		SampleRate: sampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: marshal audio: %w", err)
	}
	return data, nil
}

// Decode parses one inbound payload. It never fails: anything that is not a
// well-formed known message decodes to [Unknown].
func Decode(data []byte) Message {
	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Unknown{Reason: "malformed json"}
	}

	switch m.Type {
	case "audio":
		if m.Audio == "" {
			return Unknown{Type: m.Type, Reason: "empty audio payload"}
		}
		pcm, err := base64.StdEncoding.DecodeString(m.Audio)
		if err != nil {
			return Unknown{Type: m.Type, Reason: "malformed base64"}
		}
		return Audio{PCM: pcm}

	case "transcript":
		role := m.Role
		if role == "" {
			role = DefaultTranscriptRole
		}
		text := m.Text
		if text == "" {
			text = m.Content
		}
		return Transcript{Role: role, Text: text}

	case "error":
		msg := m.Message
		if msg == "" {
			msg = DefaultErrorMessage
		}
		return RemoteError{Message: msg}

	default:
		return Unknown{Type: m.Type, Reason: "unrecognised type"}
	}
}
