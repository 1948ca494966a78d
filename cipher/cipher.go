// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cipher is the optional byte-oriented stream cipher contract
// consumed by the core: a Factory builds a WR cipher (used to
// encrypt/decrypt live table files) or an uninitialised RO cipher (bound
// later, by the RO read path, which lives elsewhere).
package cipher

import "fmt"

// StreamCipher is a byte-oriented stream cipher: any contiguous byte range
// of a file can be encrypted or decrypted in place, independent of any
// other range, by naming its absolute position. A block cipher in a mode
// that requires sequential chaining cannot satisfy this and has no adapter
// here.
type StreamCipher interface {
	// XORKeyStreamAt XORs src with the keystream at absolute byte
	// position pos in the underlying file, writing the result to dst.
	// dst and src may overlap exactly, matching the crypto/cipher
	// Stream.XORKeyStream contract. Encryption and decryption are the
	// same operation for a stream cipher.
	XORKeyStreamAt(dst, src []byte, pos int64) error
}

// Factory builds the ciphers a database needs over its lifecycle.
type Factory interface {
	// CreateAndInitWRCipher returns a cipher ready to encrypt (if
	// encrypt) or decrypt a WR database's table files. Most stream
	// ciphers answer identically regardless of encrypt, since XOR is its
	// own inverse; the parameter exists for factories whose underlying
	// primitive is directional.
	CreateAndInitWRCipher(encrypt bool) (StreamCipher, error)

	// CreateROCipher returns an uninitialised cipher suitable for the RO
	// format (out of scope here; provided so a Factory implementation is
	// complete even though nothing in this repository calls it yet).
	CreateROCipher() (StreamCipher, error)

	// InitROCipher binds key material to a cipher returned by
	// CreateROCipher.
	InitROCipher(c StreamCipher, encrypt bool) error
}

// ErrNotInitialized reports a use of a cipher returned by CreateROCipher
// before InitROCipher has bound it.
type ErrNotInitialized struct{}

func (ErrNotInitialized) Error() string { return "cipher: cipher used before initialization" }

// ErrKeySize reports a key or nonce of the wrong length for the underlying
// primitive.
type ErrKeySize struct {
	Want, Got int
}

func (e *ErrKeySize) Error() string {
	return fmt.Sprintf("cipher: want %d key/nonce bytes, got %d", e.Want, e.Got)
}
