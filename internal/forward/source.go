// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package forward

import (
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/etrelay/etr/internal/protocol"
)

// ForwardSourceHandler is the local side of one tunnel: it owns a
// listening endpoint, accepts connections, and for each one runs the
// creation handshake (PortForwardDestinationRequest/Response) before
// shuttling bytes between the accepted socket and PortForwardData frames.
type ForwardSourceHandler struct {
	h    *PortForwardHandler
	req  protocol.PortForwardSourceRequest
	ln   net.Listener
	path string // allocated named-pipe path, set only in the no-destination case

	sockets map[uint32]net.Conn // assigned: socketID -> accepted conn
}

func newForwardSourceHandler(h *PortForwardHandler, req protocol.PortForwardSourceRequest) (*ForwardSourceHandler, error) {
	if err := validateEnvironmentVariableName(req.EnvironmentVariable); err != nil {
		return nil, err
	}

	s := &ForwardSourceHandler{h: h, req: req, sockets: make(map[uint32]net.Conn)}

	if req.Source.IsNamed() {
		ln, err := net.Listen("unix", req.Source.Name)
		if err != nil {
			return nil, err
		}
		s.ln = ln
	} else if !req.HasDestination {
		path, err := allocateNamedPipePath()
		if err != nil {
			return nil, err
		}
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, err
		}
		s.ln = ln
		s.path = path
	} else {
		addr := net.JoinHostPort(req.Source.Host, strconv.Itoa(int(req.Source.Port)))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		s.ln = ln
	}

	go s.acceptLoop()
	return s, nil
}

// AllocatedPath reports the temporary named-pipe path generated for a
// source request that supplied no explicit destination, or "" otherwise.
func (s *ForwardSourceHandler) AllocatedPath() string {
	return s.path
}

func (s *ForwardSourceHandler) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.handleAccepted(conn)
	}
}

// handleAccepted registers conn as an unassigned fd, then asks the peer to
// dial the tunnel's destination on its behalf.
func (s *ForwardSourceHandler) handleAccepted(conn net.Conn) {
	correlator := s.h.registerPending(conn, s)

	dest := s.req.Destination
	if !s.req.HasDestination {
		dest = protocol.Endpoint{}
	}

	if err := s.h.sink.SendPacket(protocol.PacketPortForwardDestRequest, encodePortForwardDestinationRequest(protocol.PortForwardDestinationRequest{
		Destination: dest,
		SourceFD:    correlator,
	})); err != nil {
		s.h.logger.Warn("forward: sending destination request", "error", err)
		s.h.closeSourceFd(correlator)
	}
}

// handleDestinationResponse completes the creation handshake for one
// previously accepted, unassigned connection.
func (s *ForwardSourceHandler) handleDestinationResponse(resp protocol.PortForwardDestinationResponse) {
	conn, ok := s.h.takePending(resp.SourceFD)
	if !ok {
		s.h.logger.Warn("forward: destination response for unknown correlator", "correlator", resp.SourceFD)
		return
	}
	if resp.Error != "" || !resp.HasSocketID {
		s.h.logger.Warn("forward: destination dial failed", "error", resp.Error)
		conn.Close()
		return
	}

	s.h.mu.Lock()
	s.sockets[resp.SocketID] = conn
	s.h.mu.Unlock()
	go s.pump(resp.SocketID, conn)
}

// pump forwards bytes read from the accepted local socket to the peer as
// sourceToDestination=true frames.
func (s *ForwardSourceHandler) pump(socketID uint32, conn net.Conn) {
	buf := make([]byte, maxForwardChunk)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if sendErr := s.h.sink.SendPacket(protocol.PacketPortForwardData, encodePortForwardData(protocol.PortForwardData{
				SocketID:            socketID,
				SourceToDestination: true,
				Kind:                protocol.PortForwardBodyPayload,
				Payload:             append([]byte(nil), buf[:n]...),
			})); sendErr != nil {
				s.h.logger.Warn("forward: sending source payload frame", "socket_id", socketID, "error", sendErr)
				s.closeAndNotify(socketID, "")
				return
			}
		}
		if err != nil {
			s.closeAndNotify(socketID, errString(err))
			return
		}
	}
}

// write delivers an inbound sourceToDestination=false frame's payload to
// the accepted local socket.
func (s *ForwardSourceHandler) write(socketID uint32, payload []byte) error {
	s.h.mu.Lock()
	conn, ok := s.sockets[socketID]
	s.h.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := conn.Write(payload)
	return err
}

func (s *ForwardSourceHandler) closeAndNotify(socketID uint32, errMsg string) {
	s.h.mu.Lock()
	conn, ok := s.sockets[socketID]
	if ok {
		delete(s.sockets, socketID)
	}
	s.h.mu.Unlock()
	if ok {
		conn.Close()
	}
	kind := protocol.PortForwardBodyClosed
	if errMsg != "" {
		kind = protocol.PortForwardBodyError
	}
	_ = s.h.sink.SendPacket(protocol.PacketPortForwardData, encodePortForwardData(protocol.PortForwardData{
		SocketID:            socketID,
		SourceToDestination: true,
		Kind:                kind,
		ErrorMessage:        errMsg,
	}))
}

// close closes socketID's accepted socket without emitting a notification
// frame, used when the close originated from the peer.
func (s *ForwardSourceHandler) close(socketID uint32) {
	s.h.mu.Lock()
	conn, ok := s.sockets[socketID]
	if ok {
		delete(s.sockets, socketID)
	}
	s.h.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (s *ForwardSourceHandler) shutdown() {
	s.ln.Close()
	s.h.mu.Lock()
	conns := make([]net.Conn, 0, len(s.sockets))
	for id, conn := range s.sockets {
		conns = append(conns, conn)
		delete(s.sockets, id)
	}
	s.h.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	if s.path != "" {
		os.Remove(s.path)
		os.Remove(filepath.Dir(s.path))
	}
}

func allocateNamedPipePath() (string, error) {
	dir, err := os.MkdirTemp("", "etr-pf-")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "sock")
	if err := validatePathInBaseDir(os.TempDir(), path); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return path, nil
}
