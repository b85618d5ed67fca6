// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package forward implements the port-forward subsystem: a multiplexer
// that carries many independent bidirectional TCP/UNIX tunnels over one
// resilient stream, keyed by a per-tunnel-connection socketID.
package forward

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/etrelay/etr/internal/protocol"
)

// maxSocketIDMintAttempts bounds the destination side's retry loop when a
// freshly generated socketID collides with one already in use.
const maxSocketIDMintAttempts = 100000

// PacketSink is the narrow interface PortForwardHandler needs from its
// transport: the ability to emit one Packet-type-tagged payload. A
// client.ClientConnection or server.ServerClientConnection satisfies this
// through its own SendPacket method, which frames the payload with
// protocol.WritePacket.
type PacketSink interface {
	SendPacket(pt protocol.PacketType, payload []byte) error
}

// Config parameterizes a PortForwardHandler.
type Config struct {
	Dialer Dialer
	Logger *slog.Logger
}

// PortForwardHandler is the multiplexer: it owns every ForwardSourceHandler
// and ForwardDestinationHandler active on one Connection, routes inbound
// port-forward packets to the correct one, and mints the destination-side
// socketIDs.
type PortForwardHandler struct {
	sink   PacketSink
	dialer Dialer
	logger *slog.Logger

	mu           sync.Mutex
	sources      []*ForwardSourceHandler
	destinations map[uint32]*ForwardDestinationHandler
	pending      map[int32]net.Conn // unassigned fds: correlator -> accepted conn
	pendingOwner map[int32]*ForwardSourceHandler

	nextCorrelator atomic.Int32
	rng            *rand.Rand
	rngMu          sync.Mutex
}

// New builds a PortForwardHandler that emits frames through sink.
func New(sink PacketSink, cfg Config) *PortForwardHandler {
	if cfg.Dialer == nil {
		cfg.Dialer = DialEndpoint
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PortForwardHandler{
		sink:         sink,
		dialer:       cfg.Dialer,
		logger:       cfg.Logger.With("component", "port_forward_handler"),
		destinations: make(map[uint32]*ForwardDestinationHandler),
		pending:      make(map[int32]net.Conn),
		pendingOwner: make(map[int32]*ForwardSourceHandler),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// HandlePacket routes one inbound Packet payload to the right handler. The
// caller (a Packet dispatch loop reading off the resilient stream) must
// serialize calls to HandlePacket; the PortForwardHandler performs no
// internal concurrency beyond the handler goroutines it itself spawns.
func (h *PortForwardHandler) HandlePacket(pt protocol.PacketType, payload []byte) error {
	switch pt {
	case protocol.PacketPortForwardSourceRequest:
		req, err := decodePortForwardSourceRequest(payload)
		if err != nil {
			return err
		}
		h.handleSourceRequest(req)
		return nil

	case protocol.PacketPortForwardSourceResponse:
		resp, err := decodePortForwardSourceResponse(payload)
		if err != nil {
			return err
		}
		if resp.Error != "" {
			h.logger.Warn("forward: peer rejected source request", "error", resp.Error)
		}
		return nil

	case protocol.PacketPortForwardDestRequest:
		req, err := decodePortForwardDestinationRequest(payload)
		if err != nil {
			return err
		}
		h.handleDestinationRequest(req)
		return nil

	case protocol.PacketPortForwardDestResponse:
		resp, err := decodePortForwardDestinationResponse(payload)
		if err != nil {
			return err
		}
		h.handleDestinationResponse(resp)
		return nil

	case protocol.PacketPortForwardData:
		frame, err := decodePortForwardData(payload)
		if err != nil {
			return err
		}
		h.handleData(frame)
		return nil

	default:
		return fmt.Errorf("forward: unexpected packet type %#x", byte(pt))
	}
}

// RequestSourceForward is the local entry point for asking the peer to
// start listening for a new tunnel (the Connection-owning caller's
// equivalent of issuing a PortForwardSourceRequest itself, e.g. from a CLI
// -L/-R flag).
func (h *PortForwardHandler) RequestSourceForward(req protocol.PortForwardSourceRequest) error {
	return h.sink.SendPacket(protocol.PacketPortForwardSourceRequest, encodePortForwardSourceRequest(req))
}

// handleSourceRequest is this side being asked to listen locally and
// tunnel accepted connections to the peer.
func (h *PortForwardHandler) handleSourceRequest(req protocol.PortForwardSourceRequest) {
	src, err := newForwardSourceHandler(h, req)
	resp := protocol.PortForwardSourceResponse{}
	if err != nil {
		resp.Error = err.Error()
	} else {
		h.mu.Lock()
		h.sources = append(h.sources, src)
		h.mu.Unlock()
	}
	if sendErr := h.sink.SendPacket(protocol.PacketPortForwardSourceResponse, encodePortForwardSourceResponse(resp)); sendErr != nil {
		h.logger.Warn("forward: sending source response", "error", sendErr)
	}
}

// ListenLocal starts a listener on req.Source on THIS side and tunnels
// accepted connections to req.Destination via the peer, the same way
// handleSourceRequest does for a request that arrived over the wire. It is
// the entry point for a "local" forward spec (listen here, dial on the
// peer), where no SourceRequest/SourceResponse round trip is needed since
// the listener is local to the caller already.
func (h *PortForwardHandler) ListenLocal(req protocol.PortForwardSourceRequest) error {
	src, err := newForwardSourceHandler(h, req)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.sources = append(h.sources, src)
	h.mu.Unlock()
	return nil
}

// handleDestinationRequest dials the real destination on behalf of the
// peer's newly accepted local connection, mints a socketID on success,
// and replies.
func (h *PortForwardHandler) handleDestinationRequest(req protocol.PortForwardDestinationRequest) {
	conn, err := h.dialer(req.Destination)
	if err != nil {
		h.reply(req.SourceFD, 0, false, err.Error())
		return
	}

	socketID, err := h.mintSocketID()
	if err != nil {
		conn.Close()
		h.reply(req.SourceFD, 0, false, err.Error())
		return
	}

	h.mu.Lock()
	h.destinations[socketID] = newForwardDestinationHandler(h, socketID, conn)
	h.mu.Unlock()

	h.reply(req.SourceFD, socketID, true, "")
}

func (h *PortForwardHandler) reply(sourceFD int32, socketID uint32, ok bool, errMsg string) {
	resp := protocol.PortForwardDestinationResponse{SourceFD: sourceFD, HasSocketID: ok, SocketID: socketID, Error: errMsg}
	if err := h.sink.SendPacket(protocol.PacketPortForwardDestResponse, encodePortForwardDestinationResponse(resp)); err != nil {
		h.logger.Warn("forward: sending destination response", "error", err)
	}
}

// handleDestinationResponse completes the creation handshake on whichever
// ForwardSourceHandler owns resp.SourceFD.
func (h *PortForwardHandler) handleDestinationResponse(resp protocol.PortForwardDestinationResponse) {
	h.mu.Lock()
	owner, ok := h.pendingOwner[resp.SourceFD]
	h.mu.Unlock()
	if !ok {
		h.logger.Warn("forward: destination response for unknown correlator", "correlator", resp.SourceFD)
		return
	}
	owner.handleDestinationResponse(resp)
}

// handleData routes one PortForwardData frame to the source or
// destination handler keyed by socketID and direction. A frame for a
// socketID not present on this side is logged and discarded (the handler
// may already have been torn down by a racing close).
func (h *PortForwardHandler) handleData(frame protocol.PortForwardData) {
	if frame.SourceToDestination {
		h.mu.Lock()
		dest, ok := h.destinations[frame.SocketID]
		h.mu.Unlock()
		if !ok {
			h.logger.Debug("forward: data frame for unknown destination socket", "socket_id", frame.SocketID)
			return
		}
		switch frame.Kind {
		case protocol.PortForwardBodyPayload:
			if err := dest.write(frame.Payload); err != nil {
				dest.close()
			}
		case protocol.PortForwardBodyClosed, protocol.PortForwardBodyError:
			dest.close()
		}
		return
	}

	h.mu.Lock()
	var owner *ForwardSourceHandler
	for _, s := range h.sources {
		if _, ok := s.sockets[frame.SocketID]; ok {
			owner = s
			break
		}
	}
	h.mu.Unlock()
	if owner == nil {
		h.logger.Debug("forward: data frame for unknown source socket", "socket_id", frame.SocketID)
		return
	}
	switch frame.Kind {
	case protocol.PortForwardBodyPayload:
		if err := owner.write(frame.SocketID, frame.Payload); err != nil {
			owner.close(frame.SocketID)
		}
	case protocol.PortForwardBodyClosed, protocol.PortForwardBodyError:
		owner.close(frame.SocketID)
	}
}

// registerPending records conn as an unassigned fd owned by owner and
// returns its correlator.
func (h *PortForwardHandler) registerPending(conn net.Conn, owner *ForwardSourceHandler) int32 {
	correlator := h.nextCorrelator.Add(1)
	h.mu.Lock()
	h.pending[correlator] = conn
	h.pendingOwner[correlator] = owner
	h.mu.Unlock()
	return correlator
}

func (h *PortForwardHandler) takePending(correlator int32) (net.Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.pending[correlator]
	if ok {
		delete(h.pending, correlator)
		delete(h.pendingOwner, correlator)
	}
	return conn, ok
}

func (h *PortForwardHandler) closeSourceFd(correlator int32) {
	if conn, ok := h.takePending(correlator); ok {
		conn.Close()
	}
}

func (h *PortForwardHandler) removeDestination(socketID uint32) {
	h.mu.Lock()
	delete(h.destinations, socketID)
	h.mu.Unlock()
}

// mintSocketID generates a random socketID not already in use by this
// handler's destination map, retrying on collision up to
// maxSocketIDMintAttempts times per the reconnect/ID-collision bound.
func (h *PortForwardHandler) mintSocketID() (uint32, error) {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()

	for attempt := 0; attempt < maxSocketIDMintAttempts; attempt++ {
		candidate := h.rng.Uint32()
		h.mu.Lock()
		_, exists := h.destinations[candidate]
		h.mu.Unlock()
		if !exists {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("forward: exhausted %d attempts minting a socket id", maxSocketIDMintAttempts)
}

// Shutdown tears down every source listener and destination socket.
func (h *PortForwardHandler) Shutdown() {
	h.mu.Lock()
	sources := append([]*ForwardSourceHandler(nil), h.sources...)
	destinations := make([]*ForwardDestinationHandler, 0, len(h.destinations))
	for _, d := range h.destinations {
		destinations = append(destinations, d)
	}
	h.mu.Unlock()

	for _, s := range sources {
		s.shutdown()
	}
	for _, d := range destinations {
		d.conn.Close()
	}
}
