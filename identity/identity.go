// Package identity tracks the association between client-generated temporary
// identifiers and server-assigned real identifiers.
//
// A temporary id exists so that an optimistically created record can be cached
// and rendered before the remote store confirms the write. Once the store
// assigns the real id, the mapping is registered exactly once and every
// consumer observes it, including callers already blocked in AwaitRealID.
// Mappings are append-only and live for one session.
package identity

// ID is a tagged entity identifier: either real (assigned by the remote store)
// or temporary (generated locally by a Registry). The tag is authoritative;
// the temp-looking Value prefix exists only for debuggability and is never
// inspected to decide temp-ness.
type ID struct {
	Value string `json:"value" msgpack:"value" cbor:"value"`
	Temp  bool   `json:"temp,omitempty" msgpack:"temp" cbor:"temp,omitempty"`
}

// Real wraps a server-assigned identifier.
func Real(value string) ID {
	return ID{Value: value}
}

// IsTemp reports whether the id is a local placeholder.
func (id ID) IsTemp() bool { return id.Temp }

// IsZero reports whether the id is the zero value (no identifier at all).
func (id ID) IsZero() bool { return id.Value == "" && !id.Temp }

func (id ID) String() string { return id.Value }
