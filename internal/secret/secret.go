// Package secret keeps room passwords in memguard-protected memory so
// they never sit in a plain heap allocation between connection attempts.
package secret

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// Value holds one sensitive string in a locked buffer. The zero of the
// package is a nil *Value, which behaves as an empty secret.
type Value struct {
	buf *memguard.LockedBuffer
}

// New stores plaintext in protected memory. An empty plaintext yields
// nil, so "no password configured" and "no secret" are the same thing.
func New(plaintext string) *Value {
	if plaintext == "" {
		return nil
	}
	return &Value{buf: memguard.NewBufferFromBytes([]byte(plaintext))}
}

// IsEmpty reports whether no secret is held. Safe on nil and after
// Destroy.
func (v *Value) IsEmpty() bool {
	return v == nil || v.buf == nil || len(v.buf.Bytes()) == 0
}

// WithString hands the plaintext to fn. The exposed copy is only valid
// for the duration of the call; fn must not retain it.
func (v *Value) WithString(fn func(string)) {
	if v.IsEmpty() {
		return
	}
	fn(string(v.buf.Bytes()))
}

// Equal compares against a plaintext in constant time.
func (v *Value) Equal(plaintext string) bool {
	if v.IsEmpty() {
		return plaintext == ""
	}
	return subtle.ConstantTimeCompare(v.buf.Bytes(), []byte(plaintext)) == 1
}

// Destroy wipes the secret. The value reads as empty afterwards.
func (v *Value) Destroy() {
	if v == nil || v.buf == nil {
		return
	}
	v.buf.Destroy()
	v.buf = nil
}

// Purge wipes every live secret allocation; call once on process exit.
func Purge() {
	memguard.Purge()
}
