// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/etrelay/etr/internal/crypto"
)

// pairedConnections builds two Connections sharing a symmetric key, wired
// so that what one writes the other reads, matching how a client and
// server Connection relate in production (each side's writer codec is the
// other side's reader codec).
func pairedConnections(t *testing.T) (a, b *Connection, closeFn func()) {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	aToB, _ := crypto.New(key, crypto.ClientToServerNoncePrefix)
	bFromA, _ := crypto.New(key, crypto.ClientToServerNoncePrefix)
	bToA, _ := crypto.New(key, crypto.ServerToClientNoncePrefix)
	aFromB, _ := crypto.New(key, crypto.ServerToClientNoncePrefix)

	a = New(aFromB, aToB, 4096)
	b = New(bFromA, bToA, 4096)

	s1, s2 := net.Pipe()
	a.InstallSocket(s1)
	b.InstallSocket(s2)

	return a, b, func() { s1.Close(); s2.Close() }
}

func TestConnection_WriteRead(t *testing.T) {
	a, b, closeFn := pairedConnections(t)
	defer closeFn()

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 5)
		done <- b.ReadAll(buf)
		if !bytes.Equal(buf, []byte("hello")) {
			t.Errorf("got %q want %q", buf, "hello")
		}
	}()

	if err := a.WriteAll([]byte("hello")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
}

func TestConnection_ShutdownRejectsFurtherIO(t *testing.T) {
	a, _, closeFn := pairedConnections(t)
	defer closeFn()

	a.Shutdown()
	if !a.IsShuttingDown() {
		t.Fatal("expected IsShuttingDown true")
	}
	buf := make([]byte, 1)
	if err := a.ReadAll(buf); err != ErrShutdown {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}

func TestConnection_RecoverHandshake(t *testing.T) {
	a, b, closeFn := pairedConnections(t)
	defer closeFn()

	// Exchange some bytes on the first socket pair.
	doneB := make(chan struct{})
	go func() {
		buf := make([]byte, 5)
		b.ReadAll(buf)
		close(doneB)
	}()
	a.WriteAll([]byte("abcde"))
	<-doneB

	// Simulate a network failure and reconnect on a new socket pair.
	a.CloseSocket()
	b.CloseSocket()

	s1, s2 := net.Pipe()
	defer s1.Close()
	defer s2.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- a.Recover(s1, true) }()
	go func() { errCh <- b.Recover(s2, false) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("Recover: %v", err)
		}
	}

	// Post-recovery traffic must still flow correctly.
	doneB2 := make(chan struct{})
	go func() {
		buf := make([]byte, 5)
		b.ReadAll(buf)
		if !bytes.Equal(buf, []byte("fghij")) {
			t.Errorf("got %q want %q", buf, "fghij")
		}
		close(doneB2)
	}()
	a.WriteAll([]byte("fghij"))
	select {
	case <-doneB2:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for post-recovery traffic")
	}
}
