// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"net"
	"sync"

	"github.com/etrelay/etr/internal/crypto"
)

// WriteState reports what Write actually did with its payload.
type WriteState int

const (
	// Skipped means no socket was installed (or a recovery is in
	// progress), so the bytes were neither encrypted, counted, nor sent.
	// The caller must retry the same bytes later.
	Skipped WriteState = iota
	// Success means the bytes were encrypted, recorded, and fully sent.
	Success
	// WroteWithFailure means the bytes were encrypted and recorded (so
	// sequenceNumber has already moved past them) but the socket write
	// itself failed; the caller should invalidate the socket and drive a
	// reconnect. The bytes are NOT retried — they are already durable in
	// the replay buffer for a future recovery handshake.
	WroteWithFailure
)

// BackedWriter is the sending half of a resilient stream: it encrypts
// outbound bytes with a per-direction Codec, tracks how many plaintext
// bytes have ever been handed to it, and retains the tail of what it sent
// (post-encryption) in a ReplayBuffer so a reconnect can replay exactly
// the suffix the peer never received.
//
// A single mutex plays two roles, mirroring the reference implementation:
// it guards the conn/sequenceNumber/replay triple against concurrent
// Write calls, and it is held for the full duration of a Recover call so
// that no Write can interleave encryption with an in-flight recovery
// handshake.
type BackedWriter struct {
	mu             sync.Mutex
	conn           net.Conn
	codec          *crypto.Codec
	replay         *ReplayBuffer
	sequenceNumber uint64
}

// NewBackedWriter creates a BackedWriter with no socket installed yet.
func NewBackedWriter(codec *crypto.Codec, replayCapacity int64) *BackedWriter {
	return &BackedWriter{
		codec:  codec,
		replay: NewReplayBuffer(replayCapacity),
	}
}

// installFresh installs conn as a brand-new socket (sequenceNumber and the
// replay buffer are untouched; used for the first connection of a session,
// never for a post-recovery revive).
func (w *BackedWriter) installFresh(conn net.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = conn
}

// Write encrypts p, records it in the replay buffer, advances
// sequenceNumber, and attempts to send it on the current socket.
//
// Write never blocks waiting for a concurrent Recover to finish: if the
// writer's mutex is currently held (a recovery handshake is in progress),
// it returns Skipped immediately without touching the codec, so a
// recovering connection never desynchronizes its byte counter from what
// actually reached the wire.
func (w *BackedWriter) Write(p []byte) WriteState {
	if len(p) == 0 {
		return Success
	}
	if !w.mu.TryLock() {
		return Skipped
	}
	defer w.mu.Unlock()

	if w.conn == nil {
		return Skipped
	}

	ciphertext := w.codec.Encrypt(p)
	w.replay.Append(ciphertext)
	w.sequenceNumber += uint64(len(p))

	sent := 0
	for sent < len(ciphertext) {
		n, err := w.conn.Write(ciphertext[sent:])
		sent += n
		if err != nil {
			return WroteWithFailure
		}
	}
	return Success
}

// SequenceNumber reports how many plaintext bytes have ever been handed
// to Write.
func (w *BackedWriter) SequenceNumber() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequenceNumber
}

// InvalidateSocket marks the writer as having no usable socket, so
// subsequent Write calls return Skipped. Must be called before Recover;
// calling it while Recover already holds the lock would deadlock, so
// InvalidateSocket uses its own short-lived lock acquisition rather than
// requiring the caller to hold one.
func (w *BackedWriter) InvalidateSocket() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = nil
}

// Recover begins a recovery handshake: it locks the writer for the
// remainder of the handshake (the caller MUST call Unlock, typically via
// defer, once the handshake completes or fails) and returns the bytes
// this side needs to replay to the peer so it catches up to
// sequenceNumber.
//
// peerLastSeen is how many bytes of this writer's output the peer
// acknowledges having received. If peerLastSeen exceeds sequenceNumber,
// the peer is lying or corrupted and ErrRecoveryImpossible is returned
// (the lock is still held; the caller must Unlock). If the gap exceeds
// what the replay buffer retains, ErrReplayWindowExceeded is returned.
func (w *BackedWriter) Recover(peerLastSeen uint64) ([]byte, error) {
	w.mu.Lock()

	if peerLastSeen > w.sequenceNumber {
		return nil, ErrRecoveryImpossible
	}
	gap := int64(w.sequenceNumber - peerLastSeen)
	if gap == 0 {
		return nil, nil
	}
	buf, ok := w.replay.Suffix(gap)
	if !ok {
		return nil, ErrReplayWindowExceeded
	}
	return buf, nil
}

// Revive installs conn as the writer's new socket, completing a recovery
// handshake begun by Recover. The caller still holds the lock acquired by
// Recover; Revive does not unlock it — call Unlock separately once the
// handshake is fully done (e.g. after the reader side has revived too).
func (w *BackedWriter) Revive(conn net.Conn) {
	w.conn = conn
}

// Unlock releases the lock acquired by Recover.
func (w *BackedWriter) Unlock() {
	w.mu.Unlock()
}
