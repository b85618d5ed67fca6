// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package crypto implements the per-direction stream codec used by the
// resilient transport: authenticated-confidentiality-free, length-preserving
// encryption keyed to an ever-increasing byte counter.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// KeySize is the required symmetric key length in bytes (AES-256).
const KeySize = 32

// nonceSize is the block size of AES, used as the CTR IV length.
const nonceSize = aes.BlockSize

// ErrInvalidKeySize is returned by New when key is not KeySize bytes.
var ErrInvalidKeySize = fmt.Errorf("crypto: key must be %d bytes", KeySize)

// ServerToClientNoncePrefix and ClientToServerNoncePrefix are the two
// fixed, direction-distinct 64-bit values mixed into the CTR IV so that a
// reflection of ciphertext back at its sender can never be decrypted by
// the sender's own codec instance.
const (
	ServerToClientNoncePrefix uint64 = 0x4554526c_7332637a // "ETRls2cz" (arbitrary, stable)
	ClientToServerNoncePrefix uint64 = 0x4554526c_6332737a // "ETRlc2sz" (arbitrary, stable)
)

// Codec encrypts or decrypts one direction of a resilient stream.
// It preserves byte count exactly: len(Encrypt(p)) == len(p) and
// len(Decrypt(c)) == len(c). The internal counter advances by the number of
// bytes processed, not by the number of calls, so that replaying an exact
// byte range after a reconnect re-derives the identical keystream.
type Codec struct {
	block        cipher.Block
	noncePrefix  uint64
	bytesCounted uint64
}

// New builds a Codec for one direction. key must be KeySize bytes.
// noncePrefix must differ between the two directions of a session (see
// ServerToClientNoncePrefix / ClientToServerNoncePrefix).
func New(key []byte, noncePrefix uint64) (*Codec, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: building cipher: %w", err)
	}
	return &Codec{block: block, noncePrefix: noncePrefix}, nil
}

// Encrypt returns the ciphertext for plaintext, advancing the internal
// counter by len(plaintext).
func (c *Codec) Encrypt(plaintext []byte) []byte {
	return c.crypt(plaintext)
}

// Decrypt returns the plaintext for ciphertext, advancing the internal
// counter by len(ciphertext). CTR mode is an involution, so Decrypt and
// Encrypt share an implementation.
func (c *Codec) Decrypt(ciphertext []byte) []byte {
	return c.crypt(ciphertext)
}

// crypt XORs buf against the keystream starting at the codec's current
// byte position, then advances that position by len(buf).
func (c *Codec) crypt(buf []byte) []byte {
	if len(buf) == 0 {
		return buf
	}
	out := make([]byte, len(buf))

	pos := c.bytesCounted
	blockIndex := pos / nonceSize
	blockOffset := int(pos % nonceSize)

	stream := cipher.NewCTR(c.block, ivForBlock(c.noncePrefix, blockIndex))

	// Discard the leading blockOffset bytes of keystream so that the first
	// byte written to out aligns with pos, not with the start of the block.
	if blockOffset > 0 {
		discard := make([]byte, blockOffset)
		stream.XORKeyStream(discard, discard)
	}
	stream.XORKeyStream(out, buf)

	c.bytesCounted += uint64(len(buf))
	return out
}

// ivForBlock derives a 16-byte CTR IV from the direction prefix and the
// current AES-block index, so that seeking to an arbitrary byte position is
// a pure function of (noncePrefix, blockIndex) and carries no state besides
// the running counter.
func ivForBlock(noncePrefix uint64, blockIndex uint64) []byte {
	iv := make([]byte, nonceSize)
	binary.BigEndian.PutUint64(iv[0:8], noncePrefix)
	binary.BigEndian.PutUint64(iv[8:16], blockIndex)
	return iv
}
