package streamhub

import (
	"encoding/json"
	"strconv"
)

// Op is a single RFC 6902-flavored JSON-Patch operation. taskctl only ever
// emits "add" operations: entries are append-only and the store itself
// never rewrites or removes a prior index.
type Op struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// Batch is one wire message: the set of patch operations produced by a
// single push_patch (or push_finished) call. Subscribers receive batches
// whole, never a partial one, preserving the atomicity of the original
// append.
type Batch []Op

// Encode renders the batch as the SSE/WS wire payload: a JSON array of
// patch operations.
func (b Batch) Encode() ([]byte, error) {
	return json.Marshal([]Op(b))
}

// finishedBatch is the sticky sentinel appended exactly once, after which
// no further batches are ever produced for a store.
func finishedBatch() Batch {
	return Batch{{Op: "add", Path: "/finished", Value: json.RawMessage("true")}}
}

func entryBatch(startIndex int, entries []json.RawMessage) Batch {
	b := make(Batch, 0, len(entries))
	for i, e := range entries {
		b = append(b, Op{
			Op:    "add",
			Path:  entryPath(startIndex + i),
			Value: e,
		})
	}
	return b
}

func entryPath(index int) string {
	return "/entries/" + strconv.Itoa(index)
}
