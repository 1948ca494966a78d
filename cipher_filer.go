// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acdp

import (
	"github.com/cznic/acdp/cipher"
	"github.com/cznic/acdp/fsm"
	"github.com/cznic/acdp/recorder"
)

// encryptingFiler wraps a fsm.Filer, encrypting every byte written and
// decrypting every byte read through cipher.StreamCipher.XORKeyStreamAt,
// positioned at the absolute file offset. It sits beneath recordingFiler in
// the Filer stack a table builds (see Database.openTable), so a captured
// before-image is always plaintext -- ReadAt decrypts it on the way in, and
// replaying it through a plain WriteAt re-encrypts it on the way back out,
// symmetrically.
type encryptingFiler struct {
	fsm.Filer
	c cipher.StreamCipher
}

func (f *encryptingFiler) ReadAt(b []byte, off int64) (int, error) {
	n, err := f.Filer.ReadAt(b, off)
	if n > 0 {
		if cerr := f.c.XORKeyStreamAt(b[:n], b[:n], off); cerr != nil {
			return n, &CryptoError{Msg: "decrypting read", Cause: cerr}
		}
	}
	return n, err
}

func (f *encryptingFiler) WriteAt(b []byte, off int64) (int, error) {
	enc := make([]byte, len(b))
	if err := f.c.XORKeyStreamAt(enc, b, off); err != nil {
		return 0, &CryptoError{Msg: "encrypting write", Cause: err}
	}
	return f.Filer.WriteAt(enc, off)
}

// newFileCipher derives one table file's StreamCipher from db.cipherFactory.
// A table's FL and VL file would otherwise share one (key, nonce) pair and
// so the same keystream at matching offsets -- a two-time-pad break letting
// an attacker XOR same-offset ciphertexts down to the XOR of the two
// plaintexts. For the one Factory this repository ships,
// *cipher.ChaCha20Factory, the nonce is distinguishable per file: copy the
// factory and XOR the table id and file kind into its Nonce before building
// the cipher. An arbitrary third-party Factory implementation has no nonce
// field this code can reach into, so it falls back to the shared cipher,
// and every file of the database is then encrypted with the same
// keystream.
func (db *Database) newFileCipher(tableID uint32, kind recorder.FileKind) (cipher.StreamCipher, error) {
	cc, ok := db.cipherFactory.(*cipher.ChaCha20Factory)
	if !ok {
		return db.cipherFactory.CreateAndInitWRCipher(true)
	}
	derived := *cc
	derived.Nonce[0] ^= byte(tableID)
	derived.Nonce[1] ^= byte(tableID >> 8)
	derived.Nonce[2] ^= byte(tableID >> 16)
	derived.Nonce[3] ^= byte(tableID >> 24)
	derived.Nonce[4] ^= byte(kind)
	return derived.CreateAndInitWRCipher(true)
}
