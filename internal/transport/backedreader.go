// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/etrelay/etr/internal/crypto"
)

// BackedReader is the receiving half of a resilient stream: it decrypts
// inbound bytes with a per-direction Codec and tracks how many plaintext
// bytes it has ever handed back to its caller, so that figure can be sent
// to the peer as a SequenceHeader during a recovery handshake.
//
// BackedReader is not safe for concurrent Read calls (callers serialize
// reads through Connection), but Revive/InvalidateSocket/HasData may run
// concurrently with a blocked Read: a Read in flight on a socket that is
// concurrently invalidated or revived is an acknowledged race inherited
// from the reference protocol this package implements (recovering a
// connection while a read is blocked on the stale socket is inherently
// racy in any implementation that uses blocking I/O without a dedicated
// per-socket reader goroutine); we accept it rather than add machinery the
// original design never required.
type BackedReader struct {
	mu             sync.Mutex
	conn           net.Conn
	br             *bufio.Reader
	codec          *crypto.Codec
	localBuffer    []byte
	sequenceNumber uint64
}

// NewBackedReader creates a BackedReader with no socket installed yet.
func NewBackedReader(codec *crypto.Codec) *BackedReader {
	return &BackedReader{codec: codec}
}

// installFresh installs conn as a brand-new socket.
func (r *BackedReader) installFresh(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = conn
	r.br = bufio.NewReader(conn)
}

// HasData reports whether a Read would return data without blocking:
// either because bytes are already buffered locally (from a carryover
// delivered by Revive) or because the socket currently has bytes ready to
// read. It never consumes bytes.
func (r *BackedReader) HasData() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return false
	}
	if len(r.localBuffer) > 0 || r.br.Buffered() > 0 {
		return true
	}
	r.conn.SetReadDeadline(time.Now())
	_, err := r.br.Peek(1)
	r.conn.SetReadDeadline(time.Time{})
	return err == nil
}

// Read decrypts and returns up to len(buf) bytes. If no socket is
// currently installed, it returns (0, nil) after a short sleep so callers
// polling in a loop don't busy-spin; this mirrors the reference
// implementation's "sleep and retry" behavior while the connection is
// between sockets.
func (r *BackedReader) Read(buf []byte) (int, error) {
	r.mu.Lock()

	if r.conn == nil {
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return 0, nil
	}

	if len(r.localBuffer) > 0 {
		n := copy(buf, r.localBuffer)
		chunk := r.localBuffer[:n]
		r.localBuffer = r.localBuffer[n:]
		r.mu.Unlock()
		// sequenceNumber for carryover bytes was already advanced by
		// Revive, so decrypting them here must not double-count.
		plain := r.codec.Decrypt(chunk)
		copy(buf[:n], plain)
		return n, nil
	}

	br := r.br
	r.mu.Unlock()

	n, err := br.Read(buf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	plain := r.codec.Decrypt(buf[:n])
	copy(buf[:n], plain)

	r.mu.Lock()
	r.sequenceNumber += uint64(n)
	r.mu.Unlock()

	return n, nil
}

// Installed reports whether a socket is currently installed.
func (r *BackedReader) Installed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// SequenceNumber reports how many plaintext bytes have ever been handed
// back by Read (including any carryover counted by Revive).
func (r *BackedReader) SequenceNumber() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sequenceNumber
}

// InvalidateSocket marks the reader as having no usable socket; Read
// calls after this return (0, nil) until Revive installs a new one.
func (r *BackedReader) InvalidateSocket() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = nil
	r.br = nil
}

// Revive installs conn as the reader's new socket and appends carryover
// (bytes the peer already sent us during the recovery handshake, in
// ciphertext form) to the local buffer, which Read drains before reading
// from conn, advancing sequenceNumber by
// len(carryover) immediately so a subsequent SequenceHeader reflects them
// even before they are individually Read and decrypted.
func (r *BackedReader) Revive(conn net.Conn, carryover []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = conn
	r.br = bufio.NewReader(conn)
	r.localBuffer = append(r.localBuffer, carryover...)
	r.sequenceNumber += uint64(len(carryover))
}
