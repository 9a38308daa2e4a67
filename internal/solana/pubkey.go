package solana

import (
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// PubkeyLength is the size of a decoded Solana public key.
const PubkeyLength = 32

// DecodePubkey decodes a base58 public key and checks its length.
func DecodePubkey(s string) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode pubkey %q: %w", s, err)
	}
	if len(b) != PubkeyLength {
		return nil, fmt.Errorf("decode pubkey %q: got %d bytes, want %d", s, len(b), PubkeyLength)
	}
	return b, nil
}

// IsOnCurve reports whether the key is a valid ed25519 point, i.e. an
// account that can sign. Program derived addresses are off the curve.
// Malformed keys report false.
func IsOnCurve(pubkey string) bool {
	b, err := DecodePubkey(pubkey)
	if err != nil {
		return false
	}
	_, err = new(edwards25519.Point).SetBytes(b)
	return err == nil
}
