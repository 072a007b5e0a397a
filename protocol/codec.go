package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed guest.schema.json
var guestSchemaJSON []byte

//go:embed host.schema.json
var hostSchemaJSON []byte

// ErrMalformed is returned for messages that are not valid JSON, carry an
// unknown type, or miss required fields. Receivers log and drop them.
var ErrMalformed = errors.New("protocol: malformed message")

var (
	schemaOnce  sync.Once
	guestSchema *jsonschema.Schema
	hostSchema  *jsonschema.Schema
)

func schemas() (*jsonschema.Schema, *jsonschema.Schema) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource("guest.schema.json", bytes.NewReader(guestSchemaJSON)); err != nil {
			panic("protocol: add guest schema: " + err.Error())
		}
		if err := c.AddResource("host.schema.json", bytes.NewReader(hostSchemaJSON)); err != nil {
			panic("protocol: add host schema: " + err.Error())
		}
		guestSchema = c.MustCompile("guest.schema.json")
		hostSchema = c.MustCompile("host.schema.json")
	})
	return guestSchema, hostSchema
}

func validate(schema *jsonschema.Schema, data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// wire shapes, one per message type.

type wireType struct {
	Type Type `json:"type"`
}

type wireUpdate struct {
	Type      Type   `json:"type"`
	StateKey  string `json:"stateKey"`
	ValueJSON string `json:"valueJson"`
}

type wireMouse struct {
	Type Type    `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type wireGenerate struct {
	Type      Type            `json:"type"`
	RequestID string          `json:"requestId"`
	Request   GenerateRequest `json:"request"`
}

type wireInitialize struct {
	Type        Type                       `json:"type"`
	User        User                       `json:"user"`
	SyncedState map[string]json.RawMessage `json:"syncedState"`
}

type wireResponse struct {
	Type      Type    `json:"type"`
	RequestID string  `json:"requestId"`
	Chunk     *string `json:"chunk,omitempty"`
	Error     *string `json:"error,omitempty"`
	Done      bool    `json:"done,omitempty"`
}

// MarshalJSON emits exactly the payload shape of m.Type.
func (m GuestMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case TypeReady:
		return json.Marshal(wireType{Type: m.Type})
	case TypeUpdateState:
		return json.Marshal(wireUpdate{Type: m.Type, StateKey: m.StateKey, ValueJSON: m.ValueJSON})
	case TypeMouseMove:
		return json.Marshal(wireMouse{Type: m.Type, X: m.X, Y: m.Y})
	case TypeAIGenerateContent:
		req := m.Request
		if req.Contents == nil {
			req.Contents = []Content{}
		}
		return json.Marshal(wireGenerate{Type: m.Type, RequestID: m.RequestID, Request: req})
	}
	return nil, fmt.Errorf("protocol: unknown guest message type %q", m.Type)
}

// MarshalJSON emits exactly the payload shape of m.Type.
func (m HostMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case TypeInitialize:
		state := m.SyncedState
		if state == nil {
			state = map[string]json.RawMessage{}
		}
		return json.Marshal(wireInitialize{Type: m.Type, User: m.User, SyncedState: state})
	case TypeUpdateState:
		return json.Marshal(wireUpdate{Type: m.Type, StateKey: m.StateKey, ValueJSON: m.ValueJSON})
	case TypeAIGenerateContentResponse:
		n := 0
		if m.Chunk != nil {
			n++
		}
		if m.Error != nil {
			n++
		}
		if m.Done {
			n++
		}
		if n != 1 {
			return nil, fmt.Errorf("protocol: response %s must carry exactly one of chunk, error, done", m.RequestID)
		}
		return json.Marshal(wireResponse{Type: m.Type, RequestID: m.RequestID, Chunk: m.Chunk, Error: m.Error, Done: m.Done})
	}
	return nil, fmt.Errorf("protocol: unknown host message type %q", m.Type)
}

// DecodeGuest parses a guest message. Any failure wraps ErrMalformed.
func DecodeGuest(data []byte) (GuestMessage, error) {
	gs, _ := schemas()
	if err := validate(gs, data); err != nil {
		return GuestMessage{}, err
	}
	var head wireType
	if err := json.Unmarshal(data, &head); err != nil {
		return GuestMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch head.Type {
	case TypeReady:
		return Ready(), nil
	case TypeUpdateState:
		var w wireUpdate
		if err := json.Unmarshal(data, &w); err != nil {
			return GuestMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return GuestUpdate(w.StateKey, w.ValueJSON), nil
	case TypeMouseMove:
		var w wireMouse
		if err := json.Unmarshal(data, &w); err != nil {
			return GuestMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return MouseMove(w.X, w.Y), nil
	case TypeAIGenerateContent:
		var w wireGenerate
		if err := json.Unmarshal(data, &w); err != nil {
			return GuestMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return GenerateContent(w.RequestID, w.Request), nil
	}
	return GuestMessage{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, head.Type)
}

// DecodeHost parses a host message. Any failure wraps ErrMalformed.
func DecodeHost(data []byte) (HostMessage, error) {
	_, hs := schemas()
	if err := validate(hs, data); err != nil {
		return HostMessage{}, err
	}
	var head wireType
	if err := json.Unmarshal(data, &head); err != nil {
		return HostMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch head.Type {
	case TypeInitialize:
		var w wireInitialize
		if err := json.Unmarshal(data, &w); err != nil {
			return HostMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Initialize(w.User, w.SyncedState), nil
	case TypeUpdateState:
		var w wireUpdate
		if err := json.Unmarshal(data, &w); err != nil {
			return HostMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return UpdateState(w.StateKey, w.ValueJSON), nil
	case TypeAIGenerateContentResponse:
		var w wireResponse
		if err := json.Unmarshal(data, &w); err != nil {
			return HostMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return HostMessage{
			Type:      TypeAIGenerateContentResponse,
			RequestID: w.RequestID,
			Chunk:     w.Chunk,
			Error:     w.Error,
			Done:      w.Done,
		}, nil
	}
	return HostMessage{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, head.Type)
}
