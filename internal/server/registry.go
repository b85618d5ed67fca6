// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implements the server side of the resilient stream:
// ServerConnection owns the listening socket and a registry of
// ServerClientConnections keyed by the clientId it mints on first
// contact; it dispatches every accepted socket to either "new client" or
// "reviving client" handling.
package server

import (
	"bytes"
	"sync"
	"time"

	"github.com/etrelay/etr/internal/protocol"
	"github.com/etrelay/etr/internal/transport"
)

// clientState mirrors the client-side lifecycle, observed from the
// server's side of the same resilient session.
type clientState string

const (
	stateActive     clientState = "active"
	stateBroken     clientState = "broken"
	stateTerminated clientState = "terminated"
)

// ServerClientConnection is one logical client as seen by the server: a
// stable clientId bound to a transport.Connection that may be recovered
// across arbitrarily many underlying sockets.
type ServerClientConnection struct {
	mu sync.Mutex

	clientID int32
	conn     *transport.Connection

	state      clientState
	brokenSince time.Time
}

func newServerClientConnection(clientID int32, conn *transport.Connection) *ServerClientConnection {
	return &ServerClientConnection{
		clientID: clientID,
		conn:     conn,
		state:    stateActive,
	}
}

// ClientID reports the stable id minted for this client.
func (s *ServerClientConnection) ClientID() int32 {
	return s.clientID
}

// Read decrypts and returns application bytes sent by this client.
func (s *ServerClientConnection) Read(buf []byte) (int, error) {
	n, err := s.conn.Read(buf)
	if err == nil && n == 0 && !s.conn.SocketLive() {
		s.markBroken()
	}
	return n, err
}

// Write encrypts and sends application bytes to this client.
func (s *ServerClientConnection) Write(buf []byte) (int, error) {
	return s.conn.Write(buf)
}

// WriteAll delegates to the underlying Connection.
func (s *ServerClientConnection) WriteAll(buf []byte) error {
	return s.conn.WriteAll(buf)
}

// HasData reports whether a Read would return application bytes without
// blocking.
func (s *ServerClientConnection) HasData() bool {
	return s.conn.HasData()
}

// SendPacket frames payload under the application-level Packet envelope
// and writes it on the active socket. It satisfies forward.PacketSink, so
// a PortForwardHandler wired to a ServerClientConnection can emit
// port-forward packets through it directly.
func (s *ServerClientConnection) SendPacket(pt protocol.PacketType, payload []byte) error {
	var buf bytes.Buffer
	if err := protocol.WritePacket(&buf, pt, payload); err != nil {
		return err
	}
	return s.WriteAll(buf.Bytes())
}

// markBroken records that this client's socket has gone away; the
// registry janitor uses brokenSince to decide when to expire the entry.
func (s *ServerClientConnection) markBroken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateActive {
		s.state = stateBroken
		s.brokenSince = time.Now()
	}
}

func (s *ServerClientConnection) markActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateActive
	s.brokenSince = time.Time{}
}

func (s *ServerClientConnection) markTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateTerminated
}

// brokenFor reports how long this client has been Broken, or 0 if it is
// not currently Broken.
func (s *ServerClientConnection) brokenFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateBroken {
		return 0
	}
	return now.Sub(s.brokenSince)
}

// shutdown terminates the underlying Connection permanently.
func (s *ServerClientConnection) shutdown() {
	s.conn.Shutdown()
	s.markTerminated()
}
