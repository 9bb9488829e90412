package protocol

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestApplyOperationsInOrder(t *testing.T) {
	doc := map[string]any{"title": "draft"}

	ops := []Operation{
		{Op: "add", Path: "/count", Value: json.RawMessage(`1`)},
		{Op: "replace", Path: "/count", Value: json.RawMessage(`2`)},
		{Op: "replace", Path: "/title", Value: json.RawMessage(`"final"`)},
	}

	next, err := ApplyOperations(doc, ops)
	assert.Equal(t, err, nil)

	result := next.(map[string]any)
	assert.Equal(t, result["count"], float64(2))
	assert.Equal(t, result["title"], "final")
}

func TestApplyOperationsOverlappingPathsOrderMatters(t *testing.T) {
	doc := map[string]any{}

	ops := []Operation{
		{Op: "add", Path: "/items", Value: json.RawMessage(`[]`)},
		{Op: "add", Path: "/items/-", Value: json.RawMessage(`"a"`)},
		{Op: "add", Path: "/items/0", Value: json.RawMessage(`"b"`)},
	}

	next, err := ApplyOperations(doc, ops)
	assert.Equal(t, err, nil)

	items := next.(map[string]any)["items"].([]any)
	assert.Equal(t, len(items), 2)
	assert.Equal(t, items[0], "b")
	assert.Equal(t, items[1], "a")
}

func TestApplyOperationsAtomicOnFailure(t *testing.T) {
	doc := map[string]any{"a": float64(1)}

	// The second op targets a missing path, so the whole batch must fail.
	ops := []Operation{
		{Op: "replace", Path: "/a", Value: json.RawMessage(`5`)},
		{Op: "replace", Path: "/missing", Value: json.RawMessage(`1`)},
	}

	next, err := ApplyOperations(doc, ops)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, next, nil)

	// The caller's document is untouched.
	assert.Equal(t, doc["a"], float64(1))
}

func TestApplyOperationsEmptyBatch(t *testing.T) {
	doc := map[string]any{"a": float64(1)}

	next, err := ApplyOperations(doc, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, next.(map[string]any)["a"], float64(1))
}

func TestApplyOperationsMoveAndRemove(t *testing.T) {
	doc := map[string]any{"from": "value", "gone": true}

	ops := []Operation{
		{Op: "move", Path: "/to", From: "/from"},
		{Op: "remove", Path: "/gone"},
	}

	next, err := ApplyOperations(doc, ops)
	assert.Equal(t, err, nil)

	result := next.(map[string]any)
	assert.Equal(t, result["to"], "value")
	_, hasFrom := result["from"]
	assert.Equal(t, hasFrom, false)
	_, hasGone := result["gone"]
	assert.Equal(t, hasGone, false)
}

func TestDecodeStreamMessagePatchBatch(t *testing.T) {
	msg, err := DecodeStreamMessage([]byte(`{"JsonPatch":[{"op":"add","path":"/x","value":1}]}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, msg.Finished, false)
	assert.Equal(t, len(msg.JsonPatch), 1)
	assert.Equal(t, msg.JsonPatch[0].Op, "add")
	assert.Equal(t, msg.JsonPatch[0].Path, "/x")
}

func TestDecodeStreamMessageEmptyBatch(t *testing.T) {
	// An explicitly empty batch is valid and applies as a no-op.
	msg, err := DecodeStreamMessage([]byte(`{"JsonPatch":[]}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(msg.JsonPatch), 0)
}

func TestDecodeStreamMessageFinished(t *testing.T) {
	msg, err := DecodeStreamMessage([]byte(`{"finished":true}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, msg.Finished, true)
}

func TestDecodeStreamMessageRejectsUnrecognized(t *testing.T) {
	_, err := DecodeStreamMessage([]byte(`{"something":"else"}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeStreamMessage([]byte(`not json`))
	assert.NotEqual(t, err, nil)
}
