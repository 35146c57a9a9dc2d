package session

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// ErrInvalidSignature is returned when a login signature does not match the
// connection's current anti-replay token.
var ErrInvalidSignature = errors.New("invalid signature")

// Signature returns the login signature a client must present: the
// lowercase hex sha384 of username, password and nonce concatenated.
func Signature(username, password, nonce string) string {
	sum := sha512.Sum384([]byte(username + password + nonce))
	return hex.EncodeToString(sum[:])
}

// CheckSignature compares sig against the expected signature in constant time.
func CheckSignature(username, password, nonce, sig string) error {
	want := Signature(username, password, nonce)
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
