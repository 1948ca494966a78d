// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cipher

import (
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// ChaCha20Factory builds StreamCipher values backed by
// golang.org/x/crypto/chacha20. ChaCha20 is itself a block-counter stream
// cipher (64-byte blocks); seekCipher below closes the gap to the required
// 1-byte granularity by discarding into the current block rather than only
// seeking whole blocks.
type ChaCha20Factory struct {
	Key   [chacha20.KeySize]byte
	Nonce [chacha20.NonceSize]byte
}

// NewChaCha20Factory validates key and nonce lengths and returns a Factory.
func NewChaCha20Factory(key, nonce []byte) (*ChaCha20Factory, error) {
	if len(key) != chacha20.KeySize {
		return nil, &ErrKeySize{Want: chacha20.KeySize, Got: len(key)}
	}
	if len(nonce) != chacha20.NonceSize {
		return nil, &ErrKeySize{Want: chacha20.NonceSize, Got: len(nonce)}
	}
	f := &ChaCha20Factory{}
	copy(f.Key[:], key)
	copy(f.Nonce[:], nonce)
	return f, nil
}

func (f *ChaCha20Factory) CreateAndInitWRCipher(encrypt bool) (StreamCipher, error) {
	return newSeekCipher(f.Key[:], f.Nonce[:])
}

func (f *ChaCha20Factory) CreateROCipher() (StreamCipher, error) {
	return &seekCipher{}, nil
}

func (f *ChaCha20Factory) InitROCipher(c StreamCipher, encrypt bool) error {
	sc, ok := c.(*seekCipher)
	if !ok {
		return fmt.Errorf("cipher: InitROCipher: not a *seekCipher")
	}
	init, err := newSeekCipher(f.Key[:], f.Nonce[:])
	if err != nil {
		return err
	}
	*sc = *init
	return nil
}

// seekCipher wraps a chacha20.Cipher to give it byte-granular random access:
// chacha20.Cipher.SetCounter only seeks to 64-byte block boundaries, so
// XORKeyStreamAt additionally discards the sub-block remainder by running
// the cipher over a scratch buffer before the real data.
type seekCipher struct {
	key, nonce []byte
	ready      bool
}

func newSeekCipher(key, nonce []byte) (*seekCipher, error) {
	k := append([]byte(nil), key...)
	n := append([]byte(nil), nonce...)
	return &seekCipher{key: k, nonce: n, ready: true}, nil
}

func (c *seekCipher) XORKeyStreamAt(dst, src []byte, pos int64) error {
	if !c.ready {
		return ErrNotInitialized{}
	}
	if pos < 0 {
		return fmt.Errorf("cipher: negative position %d", pos)
	}
	const blockSize = 64
	block := uint32(pos / blockSize)
	within := int(pos % blockSize)

	ch, err := chacha20.NewUnauthenticatedCipher(c.key, c.nonce)
	if err != nil {
		return err
	}
	ch.SetCounter(block)

	if within > 0 {
		discard := make([]byte, within)
		ch.XORKeyStream(discard, discard)
	}
	ch.XORKeyStream(dst, src)
	return nil
}
