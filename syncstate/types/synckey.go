package types

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// SyncKey is the opaque continuation token of the form {GUID}N. The GUID
// identifies a series, N a monotonically increasing generation within it.
// The zero SyncKey stands for the bootstrap token "0": no state exists yet.
type SyncKey struct {
	Series  string
	Counter uint64
}

var syncKeyRegexp = regexp.MustCompile(`^\{([0-9A-Za-z-]+)\}([0-9]+)$`)

// ParseSyncKey parses a wire sync key. Anything that does not match
// {GUID}N is a protocol error.
func ParseSyncKey(s string) (SyncKey, error) {
	m := syncKeyRegexp.FindStringSubmatch(s)
	if m == nil {
		return SyncKey{}, &ProtocolError{Key: s}
	}
	var counter uint64
	if _, err := fmt.Sscanf(m[2], "%d", &counter); err != nil {
		return SyncKey{}, &ProtocolError{Key: s}
	}
	return SyncKey{Series: m[1], Counter: counter}, nil
}

// NewSyncKey generates the first key of a fresh series. The caller must
// check the new series for collisions with other folders of the same
// device before using it.
func NewSyncKey() SyncKey {
	return SyncKey{Series: uuid.New().String(), Counter: 1}
}

// Next returns the following generation of the same series.
func (k SyncKey) Next() SyncKey {
	return SyncKey{Series: k.Series, Counter: k.Counter + 1}
}

// Previous returns the preceding generation of the same series, or the key
// itself for generation zero.
func (k SyncKey) Previous() SyncKey {
	if k.Counter == 0 {
		return k
	}
	return SyncKey{Series: k.Series, Counter: k.Counter - 1}
}

// SameSeries returns true if both keys share a GUID.
func (k SyncKey) SameSeries(other SyncKey) bool {
	return k.Series != "" && k.Series == other.Series
}

// IsZero reports whether this is the bootstrap key.
func (k SyncKey) IsZero() bool {
	return k.Series == ""
}

func (k SyncKey) String() string {
	if k.IsZero() {
		return "0"
	}
	return fmt.Sprintf("{%s}%d", k.Series, k.Counter)
}
