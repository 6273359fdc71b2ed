// Package codec defines the wire shapes exchanged between clients and the
// state server, and the framing used to put them on a connection: JSON
// values, one per line.
package codec

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gitter-badger/zproc/internal/zerrors"
)

// Request is one client call. ID correlates a Reply; Op names the
// operation (see the Op* constants in the stateserver package); Payload
// is op-specific and decoded by the handler for that op.
type Request struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply answers a Request with the same ID. Exactly one of Value or
// Error is meaningful when Ok is true/false respectively.
type Reply struct {
	ID    string          `json:"id"`
	Ok    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *zerrors.Error  `json:"error,omitempty"`
}

// KeyChange describes one key's before/after state within a ChangeRecord.
type KeyChange struct {
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	ExistedBefore bool            `json:"existed_before"`
	ExistsAfter   bool            `json:"exists_after"`
}

// ChangeRecord is published exactly once per successful mutation.
type ChangeRecord struct {
	Revision uint64               `json:"revision"`
	Changes  map[string]KeyChange `json:"changes"`
}

// TouchesKey reports whether the record changed the given key, or
// (key == "") whether it changed anything at all.
func (c ChangeRecord) TouchesKey(key string) bool {
	if key == "" {
		return len(c.Changes) > 0
	}
	_, ok := c.Changes[key]
	return ok
}

// Encoder writes newline-framed JSON values to an underlying writer.
// Not safe for concurrent use; callers serialize their own writes (the
// proxy client holds its encoder behind a mutex; the state server writes
// each connection's encoder from that connection's one goroutine).
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("codec: marshal: %w", err)
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}

// Decoder reads newline-framed JSON values from an underlying reader.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

func (d *Decoder) Decode(v any) error {
	line, err := d.r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return err
	}
	return json.Unmarshal(line, v)
}

// Marshal and Unmarshal are thin wrappers kept for symmetry with the rest
// of the codebase so call sites never reach for encoding/json directly.
func Marshal(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

func Unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
