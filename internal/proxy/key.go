package proxy

import "github.com/google/uuid"

// Key is an opaque interned string identifying one live proxy connection
// (one tunnel, a single application flow). Created at connection-accept
// time, destroyed at connection close (spec §3).
type Key string

// NewKey mints a fresh process-wide-unique proxy key. The corpus has no
// precedent for hand-rolled random-id generation in this domain; uuid is
// the ecosystem-standard opaque-id generator, so we lean on
// google/uuid rather than reinventing one.
func NewKey() Key {
	return Key(uuid.NewString())
}
