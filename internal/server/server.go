// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/etrelay/etr/internal/crypto"
	"github.com/etrelay/etr/internal/protocol"
	"github.com/etrelay/etr/internal/transport"
)

// maxClientIDMintAttempts bounds the retry loop that mints a fresh,
// collision-free clientId for a new client.
const maxClientIDMintAttempts = 1000

// defaultJanitorSchedule runs the registry sweep once a minute.
const defaultJanitorSchedule = "@every 1m"

// defaultBrokenTTL is how long a Broken ServerClientConnection is kept
// around waiting for its client to reconnect before the janitor expires
// it.
const defaultBrokenTTL = 1 * time.Hour

// NewClientHook is invoked synchronously after a new ServerClientConnection
// is registered but before its ConnectResponse-triggering caller proceeds.
// Returning false rejects the client: the entry is removed and the socket
// closed.
type NewClientHook func(*ServerClientConnection) bool

// TerminatedHook is invoked after a ServerClientConnection has been
// permanently removed from the registry (by the janitor or by explicit
// shutdown), letting callers archive or log the finished session.
type TerminatedHook func(clientID int32)

// Config parameterizes a ServerConnection.
type Config struct {
	SymmetricKey    []byte
	ReplayCapacity  int64
	DSCP            string
	RateLimiter     *rate.Limiter
	JanitorSchedule string
	BrokenTTL       time.Duration
	OnNewClient     NewClientHook
	OnTerminated    TerminatedHook
}

// ServerConnection owns the client registry and the accept loop that
// feeds it: every incoming socket is dispatched to either "mint a new
// client" or "recover an existing one," keyed by the clientId carried in
// its ConnectRequest.
type ServerConnection struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[int32]*ServerClientConnection
	rng     *rand.Rand

	dscpCode int
	cron     *cron.Cron

	shuttingDown atomic.Bool
}

// New builds a ServerConnection with an empty registry.
func New(cfg Config, logger *slog.Logger) (*ServerConnection, error) {
	if cfg.JanitorSchedule == "" {
		cfg.JanitorSchedule = defaultJanitorSchedule
	}
	if cfg.BrokenTTL == 0 {
		cfg.BrokenTTL = defaultBrokenTTL
	}
	dscpCode, err := transport.ParseDSCP(cfg.DSCP)
	if err != nil {
		return nil, err
	}
	return &ServerConnection{
		cfg:      cfg,
		logger:   logger.With("component", "server_connection"),
		clients:  make(map[int32]*ServerClientConnection),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		dscpCode: dscpCode,
	}, nil
}

// Registry returns a snapshot of the currently registered clientIds, for
// tests and diagnostics.
func (s *ServerConnection) Registry() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int32, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// Lookup returns the registered ServerClientConnection for id, if any.
func (s *ServerConnection) Lookup(id int32) (*ServerClientConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	return c, ok
}

// StartJanitor launches the cron-scheduled registry sweep that expires
// long-Broken clients. It returns immediately; the sweep runs until ctx
// is canceled.
func (s *ServerConnection) StartJanitor(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.JanitorSchedule, s.sweep)
	if err != nil {
		return fmt.Errorf("server: scheduling registry janitor: %w", err)
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// sweep removes every Broken client whose brokenFor duration exceeds
// cfg.BrokenTTL. It never touches Active clients and introduces no lock
// beyond the registry mutex already used by removeClient.
func (s *ServerConnection) sweep() {
	now := time.Now()
	var expired []int32

	s.mu.Lock()
	for id, c := range s.clients {
		if c.brokenFor(now) > s.cfg.BrokenTTL {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.logger.Info("registry janitor expiring broken client", "client_id", id)
		s.removeClient(id)
	}
}

// Serve runs the accept loop on ln until ctx is canceled. It mirrors the
// reference accept loop's consecutive-error backoff: a burst of accept
// errors slows down rather than hot-looping, while shutdown via ctx
// returns cleanly.
func (s *ServerConnection) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		s.shuttingDown.Store(true)
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				s.logger.Info("server shutdown complete")
				return nil
			}
			consecutiveErrors++
			s.logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
			if consecutiveErrors > 5 {
				delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
				if delay > 5*time.Second {
					delay = 5 * time.Second
				}
				time.Sleep(delay)
			}
			continue
		}
		consecutiveErrors = 0
		go s.handleSocket(conn)
	}
}

// Shutdown terminates every registered client and stops the janitor.
func (s *ServerConnection) Shutdown() {
	s.shuttingDown.Store(true)
	if s.cron != nil {
		s.cron.Stop()
	}
	s.mu.Lock()
	ids := make([]int32, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.removeClient(id)
	}
}

// handleSocket reads the ConnectRequest off a freshly accepted socket and
// dispatches it to either mintAndRegister (new client) or recoverClient
// (reconnect).
func (s *ServerConnection) handleSocket(conn net.Conn) {
	if s.dscpCode != 0 {
		if err := transport.ApplyDSCP(conn, s.dscpCode); err != nil {
			s.logger.Warn("failed to apply DSCP marking", "error", err)
		}
	}

	req, err := protocol.ReadConnectRequest(conn)
	if err != nil {
		s.logger.Warn("reading connect request", "error", err)
		conn.Close()
		return
	}
	if req.Version != protocol.ProtocolVersion {
		s.logger.Warn("rejecting client with mismatched protocol version", "version", req.Version)
		conn.Close()
		return
	}

	if req.ClientID == protocol.NullClientID {
		s.mintAndRegister(conn)
		return
	}
	s.recoverClient(conn, req.ClientID)
}

// mintAndRegister handles a first-time connect: it mints a fresh clientId,
// builds the Connection and its codecs, installs the socket, registers the
// client, and invokes the new-client hook.
func (s *ServerConnection) mintAndRegister(conn net.Conn) {
	clientID, err := s.mintClientID()
	if err != nil {
		s.logger.Error("minting client id", "error", err)
		conn.Close()
		return
	}

	if err := protocol.WriteConnectResponse(conn, protocol.ConnectResponse{ClientID: clientID}); err != nil {
		s.logger.Warn("sending connect response", "error", err)
		conn.Close()
		return
	}

	readerCodec, writerCodec, err := s.codecs()
	if err != nil {
		s.logger.Error("building codecs", "error", err)
		conn.Close()
		return
	}

	tc := transport.New(readerCodec, writerCodec, s.cfg.ReplayCapacity)
	tc.InstallSocket(conn)

	client := newServerClientConnection(clientID, tc)

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	s.logger.Info("new client registered", "client_id", clientID)

	if s.cfg.OnNewClient != nil && !s.cfg.OnNewClient(client) {
		s.logger.Info("new client rejected by hook", "client_id", clientID)
		s.removeClient(clientID)
	}
}

// recoverClient handles a reconnect: it looks up the existing
// ServerClientConnection by id and runs the acceptor half of the recovery
// handshake on the new socket. An unknown id closes the socket, per the
// reconnect-unknown-id requirement.
func (s *ServerConnection) recoverClient(conn net.Conn, clientID int32) {
	s.mu.Lock()
	client, ok := s.clients[clientID]
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("reconnect for unknown client id", "client_id", clientID)
		conn.Close()
		return
	}

	if err := client.conn.Recover(conn, false /* acceptor */); err != nil {
		s.logger.Warn("recovery handshake failed", "client_id", clientID, "error", err)
		conn.Close()
		return
	}
	client.markActive()
	s.logger.Info("client recovered", "client_id", clientID)
}

// removeClient shuts down and erases a registry entry, firing the
// terminated hook if configured.
func (s *ServerConnection) removeClient(clientID int32) {
	s.mu.Lock()
	client, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	client.shutdown()
	if s.cfg.OnTerminated != nil {
		s.cfg.OnTerminated(clientID)
	}
}

// mintClientID generates a random non-null clientId that is not already
// registered, retrying on collision up to maxClientIDMintAttempts times.
func (s *ServerConnection) mintClientID() (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxClientIDMintAttempts; attempt++ {
		candidate := s.rng.Int31()
		if candidate == protocol.NullClientID {
			continue
		}
		if _, exists := s.clients[candidate]; exists {
			continue
		}
		return candidate, nil
	}
	return 0, fmt.Errorf("server: exhausted %d attempts minting a client id", maxClientIDMintAttempts)
}

// codecs builds the reader/writer Codec pair for a new server-side
// client: the server decrypts with the client-to-server direction and
// encrypts with the server-to-client direction, the mirror image of
// client.ClientConnection.codecs.
func (s *ServerConnection) codecs() (reader, writer *crypto.Codec, err error) {
	reader, err = crypto.New(s.cfg.SymmetricKey, crypto.ClientToServerNoncePrefix)
	if err != nil {
		return nil, nil, err
	}
	writer, err = crypto.New(s.cfg.SymmetricKey, crypto.ServerToClientNoncePrefix)
	if err != nil {
		return nil, nil, err
	}
	return reader, writer, nil
}
