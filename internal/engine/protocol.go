// Package engine drives the external sandboxed rendering engine. The engine
// is an opaque black box reached only by asynchronous namespaced messages:
// commands go out, events come back, and nothing is a synchronous round trip.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/studioposts/api/internal/model"
)

// Command types (core → engine)
const (
	CmdOpenDocument = "openDocument"
	CmdApplyEdits   = "applyEdits"
	CmdMoveLayer    = "moveLayer"
	CmdExport       = "export"
	// CmdTeardown releases the sandboxed engine instance backing a
	// namespace. Instances are expensive; every session must send this.
	CmdTeardown = "teardown"
)

// Event types (engine → core)
const (
	EvtReady             = "ready"
	EvtLayerCountChanged = "layerCountChanged"
	EvtFileExported      = "fileExported"
	EvtEngineError       = "engineError"
)

// Command is the wire envelope for a message sent to the engine
type Command struct {
	Type      string          `json:"type"`
	Namespace string          `json:"namespace"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is the wire envelope for a message received from the engine
type Event struct {
	Type      string          `json:"type"`
	Namespace string          `json:"namespace"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type OpenDocumentPayload struct {
	URL string `json:"url"`
}

type ApplyEditsPayload struct {
	Instructions []model.EditInstruction `json:"instructions"`
}

type MoveLayerPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type ExportPayload struct {
	Formats []string `json:"formats"`
}

type LayerCountChangedPayload struct {
	Count int `json:"count"`
}

// FileExportedPayload carries one finished output. Data is base64 on the
// wire; encoding/json handles that for []byte.
type FileExportedPayload struct {
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

// EngineErrorPayload reports an engine-side failure. Messages prefixed
// "warning:" are per-layer degradations (an unreachable image URL) and do
// not fail the render.
type EngineErrorPayload struct {
	Message string `json:"message"`
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(raw, v)
}

func newCommand(typ, namespace string, payload interface{}) (*Command, error) {
	cmd := &Command{Type: typ, Namespace: namespace}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		cmd.Payload = raw
	}
	return cmd, nil
}

// Conn is one session's outbound channel to its engine instance. Sends are
// fire-and-forget; replies arrive as Events routed through the Registry.
type Conn interface {
	Send(cmd *Command) error
	Close() error
}
