// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client implements the client side of the resilient stream: a
// persistent logical session that survives arbitrarily many underlying
// TCP sockets, transparently reconnecting and replaying lost bytes.
package client

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/etrelay/etr/internal/crypto"
	"github.com/etrelay/etr/internal/protocol"
	"github.com/etrelay/etr/internal/transport"
)

// State is the lifecycle of a ClientConnection.
type State string

// Lifecycle states, matching the resilient-session state machine: a
// session starts Fresh, becomes Active once the first socket is
// installed, drops to Broken when that socket is lost, cycles through
// Recovering while a new socket is being negotiated, returns to Active
// once recovered, and ends in Terminated.
const (
	StateFresh       State = "fresh"
	StateActive      State = "active"
	StateBroken      State = "broken"
	StateRecovering  State = "recovering"
	StateTerminated  State = "terminated"
)

// ewmaAlpha smooths the round-trip-time estimate derived from KeepAlive
// ping/pong pairs.
const ewmaAlpha = 0.25

// Config parameterizes a ClientConnection.
type Config struct {
	ServerAddress     string
	SymmetricKey      []byte
	ReplayCapacity    int64
	DialTimeout       time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	KeepAliveInterval time.Duration
	DSCP              string
	RateLimiter       *rate.Limiter
}

// ClientConnection is a resilient, auto-reconnecting session to one
// server. It owns a transport.Connection and the dial loop that keeps it
// alive.
type ClientConnection struct {
	cfg    Config
	logger *slog.Logger

	conn     *transport.Connection
	clientID atomic.Int32

	state atomic.Value // State

	rttNanos   atomic.Int64
	serverLoad atomic.Value // float32

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	dscpCode int
}

// New builds a ClientConnection that is not yet dialed.
func New(cfg Config, logger *slog.Logger) (*ClientConnection, error) {
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = 5 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 500 * time.Millisecond
	}
	if cfg.MaxReconnectDelay == 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	dscpCode, err := transport.ParseDSCP(cfg.DSCP)
	if err != nil {
		return nil, err
	}

	cc := &ClientConnection{
		cfg:      cfg,
		logger:   logger.With("component", "client_connection"),
		stopCh:   make(chan struct{}),
		dscpCode: dscpCode,
	}
	cc.clientID.Store(protocol.NullClientID)
	cc.state.Store(StateFresh)
	cc.serverLoad.Store(float32(0))
	return cc, nil
}

// State reports the current lifecycle state.
func (cc *ClientConnection) State() State {
	return cc.state.Load().(State)
}

// ClientID reports the id minted by the server on first connect, or
// protocol.NullClientID before the first handshake completes.
func (cc *ClientConnection) ClientID() int32 {
	return cc.clientID.Load()
}

// RTT reports the EWMA round-trip-time estimate, 0 before the first
// KeepAlive exchange.
func (cc *ClientConnection) RTT() time.Duration {
	return time.Duration(cc.rttNanos.Load())
}

// ServerLoad reports the server's most recently observed 1-minute load
// average, as carried in its last KeepAlive pong.
func (cc *ClientConnection) ServerLoad() float32 {
	return cc.serverLoad.Load().(float32)
}

// Connect performs the first dial and ConnectRequest handshake,
// synchronously. On success the session is Active and the background
// maintenance loop (reconnect watcher + keepalive) is started.
func (cc *ClientConnection) Connect(ctx context.Context) error {
	conn, err := cc.dial(ctx)
	if err != nil {
		return fmt.Errorf("client: initial dial: %w", err)
	}

	if err := protocol.WriteConnectRequest(conn, protocol.ConnectRequest{
		Version:  protocol.ProtocolVersion,
		ClientID: protocol.NullClientID,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("client: sending connect request: %w", err)
	}
	resp, err := protocol.ReadConnectResponse(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("client: reading connect response: %w", err)
	}
	cc.clientID.Store(resp.ClientID)

	readerCodec, writerCodec, err := cc.codecs()
	if err != nil {
		conn.Close()
		return err
	}
	cc.conn = transport.New(readerCodec, writerCodec, cc.cfg.ReplayCapacity)
	cc.conn.InstallSocket(conn)
	cc.state.Store(StateActive)

	cc.wg.Add(1)
	go cc.maintain()

	cc.logger.Info("client connection established", "client_id", resp.ClientID, "server", cc.cfg.ServerAddress)
	return nil
}

// codecs builds the reader/writer Codec pair for this session. The client
// decrypts with the server-to-client direction and encrypts with the
// client-to-server direction; a ServerConnection builds the mirror image.
func (cc *ClientConnection) codecs() (reader, writer *crypto.Codec, err error) {
	reader, err = crypto.New(cc.cfg.SymmetricKey, crypto.ServerToClientNoncePrefix)
	if err != nil {
		return nil, nil, err
	}
	writer, err = crypto.New(cc.cfg.SymmetricKey, crypto.ClientToServerNoncePrefix)
	if err != nil {
		return nil, nil, err
	}
	return reader, writer, nil
}

func (cc *ClientConnection) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: cc.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cc.cfg.ServerAddress)
	if err != nil {
		return nil, err
	}
	if cc.dscpCode != 0 {
		if err := transport.ApplyDSCP(conn, cc.dscpCode); err != nil {
			cc.logger.Warn("failed to apply DSCP marking", "error", err)
		}
	}
	return conn, nil
}

// Read decrypts and returns application bytes from the session.
func (cc *ClientConnection) Read(buf []byte) (int, error) {
	return cc.conn.Read(buf)
}

// Write encrypts and sends application bytes, throttled by the
// configured rate limiter (if any).
func (cc *ClientConnection) Write(buf []byte) (int, error) {
	if cc.cfg.RateLimiter != nil {
		if err := cc.cfg.RateLimiter.WaitN(context.Background(), len(buf)); err != nil {
			return 0, err
		}
	}
	return cc.conn.Write(buf)
}

// WriteAll sends buf via Connection.WriteAll.
func (cc *ClientConnection) WriteAll(buf []byte) error {
	if cc.cfg.RateLimiter != nil {
		if err := cc.cfg.RateLimiter.WaitN(context.Background(), len(buf)); err != nil {
			return err
		}
	}
	return cc.conn.WriteAll(buf)
}

// HasData reports whether Read would return without blocking.
func (cc *ClientConnection) HasData() bool {
	return cc.conn.HasData()
}

// Close terminates the session permanently.
func (cc *ClientConnection) Close() {
	cc.stopOnce.Do(func() { close(cc.stopCh) })
	if cc.conn != nil {
		cc.conn.Shutdown()
	}
	cc.state.Store(StateTerminated)
	cc.wg.Wait()
}

// maintain is the background goroutine: it watches for a lost socket and
// drives reconnect+recovery with exponential backoff, and sends periodic
// KeepAlive pings on the active socket.
func (cc *ClientConnection) maintain() {
	defer cc.wg.Done()

	ticker := time.NewTicker(cc.cfg.KeepAliveInterval)
	defer ticker.Stop()

	delay := cc.cfg.ReconnectDelay

	for {
		select {
		case <-cc.stopCh:
			return
		case <-ticker.C:
			if cc.conn.SocketLive() {
				cc.sendKeepAlive()
			}
		default:
		}

		if cc.conn.SocketLive() {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if cc.conn.IsShuttingDown() {
			return
		}

		cc.state.Store(StateBroken)
		cc.logger.Warn("connection lost, attempting reconnect", "retry_in", delay)

		select {
		case <-cc.stopCh:
			return
		case <-time.After(delay):
		}

		if err := cc.reconnect(); err != nil {
			cc.logger.Warn("reconnect attempt failed", "error", err)
			delay = time.Duration(math.Min(float64(delay)*2, float64(cc.cfg.MaxReconnectDelay)))
			continue
		}

		delay = cc.cfg.ReconnectDelay
		cc.state.Store(StateActive)
		cc.logger.Info("connection recovered")
	}
}

// reconnect dials a fresh socket, re-identifies with the existing
// clientId, and runs the recovery handshake over it.
func (cc *ClientConnection) reconnect() error {
	cc.state.Store(StateRecovering)

	ctx, cancel := context.WithTimeout(context.Background(), cc.cfg.DialTimeout)
	defer cancel()

	conn, err := cc.dial(ctx)
	if err != nil {
		return err
	}

	if err := protocol.WriteConnectRequest(conn, protocol.ConnectRequest{
		Version:  protocol.ProtocolVersion,
		ClientID: cc.clientID.Load(),
	}); err != nil {
		conn.Close()
		return err
	}

	if err := cc.conn.Recover(conn, true /* initiator */); err != nil {
		conn.Close()
		return err
	}
	return nil
}

func (cc *ClientConnection) sendKeepAlive() {
	now := time.Now().UnixNano()
	var buf bytes.Buffer
	if err := protocol.WriteKeepAlivePing(&buf, protocol.KeepAlivePing{Timestamp: now}); err != nil {
		cc.logger.Debug("keepalive ping encode failed", "error", err)
		return
	}
	if err := cc.SendPacket(protocol.PacketKeepAlive, buf.Bytes()); err != nil {
		cc.logger.Debug("keepalive ping send failed", "error", err)
	}
}

// SendPacket frames payload under the application-level Packet envelope
// and writes it on the active socket. It satisfies forward.PacketSink, so
// a PortForwardHandler wired to a ClientConnection can emit port-forward
// packets through it directly.
func (cc *ClientConnection) SendPacket(pt protocol.PacketType, payload []byte) error {
	var buf bytes.Buffer
	if err := protocol.WritePacket(&buf, pt, payload); err != nil {
		return err
	}
	return cc.WriteAll(buf.Bytes())
}

// HandleKeepAlivePong feeds a KeepAlivePong observed by the caller's
// Packet dispatch loop back into the RTT estimate and server load
// tracking. Connection.Read only returns decrypted application bytes, so
// recognizing and routing KeepAlive packets is the caller's job (see
// internal/forward's dispatcher for the client-side read loop).
func (cc *ClientConnection) HandleKeepAlivePong(pong protocol.KeepAlivePong) {
	sample := time.Duration(time.Now().UnixNano() - pong.Timestamp)
	if sample < 0 {
		sample = 0
	}
	cc.recordRTT(sample)
	cc.serverLoad.Store(pong.ServerLoad)
}

func (cc *ClientConnection) recordRTT(sample time.Duration) {
	current := cc.rttNanos.Load()
	if current == 0 {
		cc.rttNanos.Store(int64(sample))
		return
	}
	updated := ewmaAlpha*float64(sample) + (1-ewmaAlpha)*float64(current)
	cc.rttNanos.Store(int64(math.Round(updated)))
}
