// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/etrelay/etr/internal/crypto"
)

// discardConn is a minimal net.Conn whose Write never blocks (it just
// appends to an in-memory buffer), used in tests that need Write to
// succeed without pairing every call with a concurrent reader.
type discardConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *discardConn) Read(p []byte) (int, error)  { return 0, io.EOF }
func (c *discardConn) Close() error                { return nil }
func (c *discardConn) LocalAddr() net.Addr         { return nil }
func (c *discardConn) RemoteAddr() net.Addr        { return nil }
func (c *discardConn) SetDeadline(time.Time) error { return nil }
func (c *discardConn) SetReadDeadline(time.Time) error {
	return nil
}
func (c *discardConn) SetWriteDeadline(time.Time) error { return nil }
func (c *discardConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func testCodec(t *testing.T) *crypto.Codec {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := crypto.New(key, crypto.ClientToServerNoncePrefix)
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}
	return c
}

func TestBackedWriter_SkippedWithoutSocket(t *testing.T) {
	w := NewBackedWriter(testCodec(t), 1024)
	if state := w.Write([]byte("hello")); state != Skipped {
		t.Fatalf("expected Skipped, got %v", state)
	}
	if w.SequenceNumber() != 0 {
		t.Fatal("sequenceNumber must not advance on a skipped write")
	}
}

func TestBackedWriter_SuccessWritesAndCounts(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	w := NewBackedWriter(testCodec(t), 1024)
	w.installFresh(client)

	done := make(chan struct{})
	var got []byte
	go func() {
		buf := make([]byte, 5)
		io.ReadFull(server, buf)
		got = buf
		close(done)
	}()

	if state := w.Write([]byte("hello")); state != Success {
		t.Fatalf("expected Success, got %v", state)
	}
	<-done
	if string(got) == "hello" {
		t.Fatal("expected ciphertext on the wire, not plaintext")
	}
	if w.SequenceNumber() != 5 {
		t.Fatalf("expected sequenceNumber 5, got %d", w.SequenceNumber())
	}
}

func TestBackedWriter_FailureClosesButCountsBytes(t *testing.T) {
	server, client := net.Pipe()
	server.Close() // force the next write on client to fail

	w := NewBackedWriter(testCodec(t), 1024)
	w.installFresh(client)

	state := w.Write([]byte("hello"))
	if state != WroteWithFailure {
		t.Fatalf("expected WroteWithFailure, got %v", state)
	}
	if w.SequenceNumber() != 5 {
		t.Fatal("bytes must be counted even when the send itself fails, so replay stays consistent")
	}
	if w.replay.Len() != 5 {
		t.Fatal("ciphertext must still be retained for replay even when the send fails")
	}
}

func TestBackedWriter_RecoverImpossibleWhenPeerAhead(t *testing.T) {
	w := NewBackedWriter(testCodec(t), 1024)
	w.installFresh(&discardConn{})
	w.Write([]byte("abc"))

	_, err := w.Recover(100)
	defer w.Unlock()
	if !errors.Is(err, ErrRecoveryImpossible) {
		t.Fatalf("expected ErrRecoveryImpossible, got %v", err)
	}
}

func TestBackedWriter_RecoverWindowExceeded(t *testing.T) {
	w := NewBackedWriter(testCodec(t), 4) // tiny capacity
	w.installFresh(&discardConn{})
	w.Write([]byte("0123456789"))

	_, err := w.Recover(0)
	defer w.Unlock()
	if !errors.Is(err, ErrReplayWindowExceeded) {
		t.Fatalf("expected ErrReplayWindowExceeded, got %v", err)
	}
}

func TestBackedWriter_RecoverReviveCycle(t *testing.T) {
	w := NewBackedWriter(testCodec(t), 1024)
	w.installFresh(&discardConn{})
	w.Write([]byte("0123456789"))

	buf, err := w.Recover(4)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(buf) != 6 {
		t.Fatalf("expected 6 bytes of replay, got %d", len(buf))
	}

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	w.Revive(client)
	w.Unlock()

	done := make(chan struct{})
	go func() {
		io.CopyN(io.Discard, server, 3)
		close(done)
	}()
	if state := w.Write([]byte("xyz")); state != Success {
		t.Fatalf("expected Success after revive, got %v", state)
	}
	<-done
}

func TestBackedWriter_WriteSkippedDuringRecover(t *testing.T) {
	w := NewBackedWriter(testCodec(t), 1024)
	w.installFresh(&discardConn{})
	w.Write([]byte("abc"))

	_, err := w.Recover(0)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer w.Unlock()

	// Recover is still holding the lock (Unlock deferred to test end), so
	// a concurrent Write must be skipped rather than block or desync.
	if state := w.Write([]byte("more")); state != Skipped {
		t.Fatalf("expected Skipped while recovery is in progress, got %v", state)
	}
}
