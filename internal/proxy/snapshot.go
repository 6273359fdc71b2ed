package proxy

import (
	"encoding/json"

	"github.com/gitter-badger/zproc/internal/zerrors"
)

// Snapshot is an immutable point-in-time read of the full state, returned
// by Proxy.Snapshot. Resolves the question of what happens if a caller
// mutates a value read out of a snapshot: there is no path to do so. Get
// decodes a fresh copy into out on every call, and the only exported
// accessor to the raw set of keys (Keys) hands back a new slice each
// time. Holding a Snapshot across later mutations on the server is safe
// and intentional — it is frozen at Revision.
type Snapshot struct {
	revision uint64
	state    map[string]json.RawMessage
}

func newSnapshot(revision uint64, state map[string]json.RawMessage) *Snapshot {
	return &Snapshot{revision: revision, state: state}
}

// Revision is the server revision this snapshot was taken at.
func (s *Snapshot) Revision() uint64 {
	return s.revision
}

// Get decodes the value at key into out. ok reports whether key was
// present in the snapshot.
func (s *Snapshot) Get(key string, out any) (ok bool, err error) {
	raw, present := s.state[key]
	if !present {
		return false, nil
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return true, zerrors.Protocol("decode snapshot value for %q: %v", key, err)
		}
	}
	return true, nil
}

// Has reports whether key was present at the time of the snapshot.
func (s *Snapshot) Has(key string) bool {
	_, ok := s.state[key]
	return ok
}

// Keys returns a new slice listing every key present in the snapshot.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.state))
	for k := range s.state {
		keys = append(keys, k)
	}
	return keys
}

// Len reports the number of keys in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.state)
}
