// Package spltoken recognizes SPL token accounts under the two supported
// token programs and extracts their owner and mint keys from the raw
// account payload. It deliberately understands nothing else about the
// layout: two fixed offsets and a length check.
package spltoken

import (
	"bytes"
	"encoding/hex"
)

const (
	// KeyLength is the length of a Solana public key in bytes.
	KeyLength = 32

	// accountLength is the packed length of a token account under both
	// program layouts. Token-2022 accounts may be longer when extensions
	// are present.
	accountLength = 165

	mintOffset  = 0
	ownerOffset = 32

	// accountTypeAccount tags an extended Token-2022 payload as a token
	// account (as opposed to a mint or multisig).
	accountTypeAccount = 2
)

// Program describes one token program's account layout. UnpackOwner and
// UnpackMint report ok=false when the payload does not parse as a token
// account under that layout; that is the common case, not an error.
type Program interface {
	// ID returns the program's public key.
	ID() []byte
	UnpackOwner(data []byte) ([]byte, bool)
	UnpackMint(data []byte) ([]byte, bool)
}

// Programs is the closed set of supported token programs. Call sites
// iterate it explicitly; an account matches at most one entry.
var Programs = []Program{Token{}, Token2022{}}

var (
	tokenID     = mustKey("06ddf6e1d765a193d9cbe146ceeb79ac1cb485ed5f5b37913a8cf5857eff00a9")
	token2022ID = mustKey("06ddf6e1ee758fde18425dbce46ccddab61afc4d83b90d27febdf928d8a18bfc")
)

func mustKey(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != KeyLength {
		panic("spltoken: bad program id constant")
	}
	return b
}

// Owns reports whether the account owner id matches program p.
func Owns(p Program, owner []byte) bool {
	return bytes.Equal(owner, p.ID())
}

// Token is the original SPL token program
// (TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA). Its accounts are always
// exactly 165 bytes.
type Token struct{}

func (Token) ID() []byte { return tokenID }

func (Token) UnpackOwner(data []byte) ([]byte, bool) {
	if len(data) != accountLength {
		return nil, false
	}
	return data[ownerOffset : ownerOffset+KeyLength], true
}

func (Token) UnpackMint(data []byte) ([]byte, bool) {
	if len(data) != accountLength {
		return nil, false
	}
	return data[mintOffset : mintOffset+KeyLength], true
}

// Token2022 is the Token-2022 program
// (TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb). The base layout matches
// the original program; accounts carrying extensions are longer and tag
// byte 165 with the account type.
type Token2022 struct{}

func (Token2022) ID() []byte { return token2022ID }

func (Token2022) UnpackOwner(data []byte) ([]byte, bool) {
	if !validToken2022Account(data) {
		return nil, false
	}
	return data[ownerOffset : ownerOffset+KeyLength], true
}

func (Token2022) UnpackMint(data []byte) ([]byte, bool) {
	if !validToken2022Account(data) {
		return nil, false
	}
	return data[mintOffset : mintOffset+KeyLength], true
}

func validToken2022Account(data []byte) bool {
	return len(data) == accountLength ||
		(len(data) > accountLength && data[accountLength] == accountTypeAccount)
}
