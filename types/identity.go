package types

import (
	"encoding/hex"
	"fmt"
)

// IdentityLength is the byte length of an Identity.
const IdentityLength = 32

// Identity names a connected principal. It is assigned by the server once per
// connection and compares byte-wise.
type Identity [IdentityLength]byte

// ParseIdentity decodes the hex form used on the wire.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	if len(s) != hex.EncodedLen(IdentityLength) {
		return id, fmt.Errorf("identity %q: want %d hex characters, got %d", s, hex.EncodedLen(IdentityLength), len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("identity %q: %w", s, err)
	}
	return id, nil
}

// IdentityFromBytes copies b into an Identity.
func IdentityFromBytes(b []byte) (Identity, error) {
	var id Identity
	if len(b) != IdentityLength {
		return id, fmt.Errorf("identity: want %d bytes, got %d", IdentityLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

func (id Identity) Bytes() []byte {
	out := make([]byte, IdentityLength)
	copy(out, id[:])
	return out
}

func (id Identity) IsZero() bool {
	return id == Identity{}
}
