// Package protocol defines the discriminated messages exchanged between a
// sandbox host and the guest mini-app running in its isolated context.
//
// Every message is a JSON object with a required "type" discriminant. The
// payload shapes are load-bearing for compatibility between host and guest
// builds: change them only together with the guest runtime in package shim.
//
// Guest → host: ready, updateState, mouseMove, aiGenerateContent.
// Host → guest: initialize, updateState, aiGenerateContentResponse.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type is the message discriminant.
type Type string

const (
	TypeReady                     Type = "ready"
	TypeUpdateState               Type = "updateState"
	TypeMouseMove                 Type = "mouseMove"
	TypeAIGenerateContent         Type = "aiGenerateContent"
	TypeInitialize                Type = "initialize"
	TypeAIGenerateContentResponse Type = "aiGenerateContentResponse"
)

// User is the identity handed to the guest in initialize.
type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Part is one piece of a generation turn. Only text parts are relayed.
type Part struct {
	Text string `json:"text"`
}

// Content is one conversational turn ("user" or "model").
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// GenerateRequest is the embedded AI request of aiGenerateContent.
type GenerateRequest struct {
	Model    string    `json:"model,omitempty"`
	Contents []Content `json:"contents"`
}

// Text concatenates all text parts, turn by turn.
func (r GenerateRequest) Text() string {
	var s string
	for _, c := range r.Contents {
		for _, p := range c.Parts {
			s += p.Text
		}
	}
	return s
}

// GuestMessage is a message sent by the guest. Only the fields belonging to
// Type are meaningful.
type GuestMessage struct {
	Type Type

	// updateState
	StateKey  string
	ValueJSON string

	// mouseMove
	X, Y float64

	// aiGenerateContent
	RequestID string
	Request   GenerateRequest
}

// HostMessage is a message sent by the host. Only the fields belonging to
// Type are meaningful.
type HostMessage struct {
	Type Type

	// initialize
	User        User
	SyncedState map[string]json.RawMessage

	// updateState
	StateKey  string
	ValueJSON string

	// aiGenerateContentResponse: exactly one of Chunk, Error, Done.
	RequestID string
	Chunk     *string
	Error     *string
	Done      bool
}

// Terminal reports whether m ends an AI stream.
func (m HostMessage) Terminal() bool {
	return m.Type == TypeAIGenerateContentResponse && (m.Error != nil || m.Done)
}

// --- constructors ---

// Ready builds the guest's handshake message.
func Ready() GuestMessage { return GuestMessage{Type: TypeReady} }

// GuestUpdate builds a guest-originated updateState.
func GuestUpdate(key, valueJSON string) GuestMessage {
	return GuestMessage{Type: TypeUpdateState, StateKey: key, ValueJSON: valueJSON}
}

// MouseMove builds a pointer position report.
func MouseMove(x, y float64) GuestMessage {
	return GuestMessage{Type: TypeMouseMove, X: x, Y: y}
}

// GenerateContent builds an AI request with the given correlation id.
func GenerateContent(requestID string, req GenerateRequest) GuestMessage {
	return GuestMessage{Type: TypeAIGenerateContent, RequestID: requestID, Request: req}
}

// Initialize builds the one-shot initialize message. A nil state is sent as {}.
func Initialize(user User, state map[string]json.RawMessage) HostMessage {
	if state == nil {
		state = map[string]json.RawMessage{}
	}
	return HostMessage{Type: TypeInitialize, User: user, SyncedState: state}
}

// UpdateState builds a host-originated updateState.
func UpdateState(key, valueJSON string) HostMessage {
	return HostMessage{Type: TypeUpdateState, StateKey: key, ValueJSON: valueJSON}
}

// AIChunk builds a non-terminal stream message.
func AIChunk(requestID, chunk string) HostMessage {
	return HostMessage{Type: TypeAIGenerateContentResponse, RequestID: requestID, Chunk: &chunk}
}

// AIError builds the failing terminal stream message.
func AIError(requestID, msg string) HostMessage {
	return HostMessage{Type: TypeAIGenerateContentResponse, RequestID: requestID, Error: &msg}
}

// AIDone builds the successful terminal stream message.
func AIDone(requestID string) HostMessage {
	return HostMessage{Type: TypeAIGenerateContentResponse, RequestID: requestID, Done: true}
}

// EncodeValue serialises a synced-state value for the wire. A nil value is
// normalised to null so that the payload never carries an absent value.
func EncodeValue(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("protocol: encode value: %w", err)
	}
	return string(data), nil
}
