package protocol

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Operation is a single RFC 6902 instruction: add, remove, replace, move,
// copy or test against a JSON pointer path.
type Operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
	From  string          `json:"from,omitempty"`
}

// StreamMessage is the patch-stream wire format: either an ordered batch of
// operations or the terminal finished signal. Exactly one of the two is set.
type StreamMessage struct {
	JsonPatch []Operation `json:"JsonPatch,omitempty"`
	Finished  bool        `json:"finished,omitempty"`
}

// DecodeStreamMessage parses one patch-stream frame.
func DecodeStreamMessage(data []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed stream message: %w", err)
	}
	if !msg.Finished && msg.JsonPatch == nil {
		return nil, fmt.Errorf("stream message carries neither JsonPatch nor finished")
	}
	return &msg, nil
}

// ApplyOperations applies ops in order to a deep clone of doc and returns the
// resulting document. The batch is atomic: on any failure the error is
// returned and doc is untouched, so callers keep their previous value.
func ApplyOperations(doc any, ops []Operation) (any, error) {
	if len(ops) == 0 {
		return doc, nil
	}

	current, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}

	encoded, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("marshal operations: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}

	next, err := patch.Apply(current)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}

	var result any
	if err := json.Unmarshal(next, &result); err != nil {
		return nil, fmt.Errorf("unmarshal patched document: %w", err)
	}
	return result, nil
}
