// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package forward

import (
	"net"

	"github.com/etrelay/etr/internal/protocol"
)

// maxForwardChunk bounds a single PortForwardData payload, mirroring the
// reference implementation's 1 KiB steady-state read size.
const maxForwardChunk = 1024

// ForwardDestinationHandler is the remote side of one tunneled
// connection: it owns the dialed socket to the real destination and
// shuttles bytes between it and PortForwardData frames keyed by socketID.
type ForwardDestinationHandler struct {
	socketID uint32
	conn     net.Conn
	h        *PortForwardHandler
}

// newForwardDestinationHandler wraps an already-dialed conn and starts its
// steady-state read pump, which emits PortForwardData frames with
// sourceToDestination=false (payload flowing back toward the source).
func newForwardDestinationHandler(h *PortForwardHandler, socketID uint32, conn net.Conn) *ForwardDestinationHandler {
	d := &ForwardDestinationHandler{socketID: socketID, conn: conn, h: h}
	go d.pump()
	return d
}

func (d *ForwardDestinationHandler) pump() {
	buf := make([]byte, maxForwardChunk)
	for {
		n, err := d.conn.Read(buf)
		if n > 0 {
			if sendErr := d.h.sink.SendPacket(protocol.PacketPortForwardData, encodePortForwardData(protocol.PortForwardData{
				SocketID:            d.socketID,
				SourceToDestination: false,
				Kind:                protocol.PortForwardBodyPayload,
				Payload:             append([]byte(nil), buf[:n]...),
			})); sendErr != nil {
				d.h.logger.Warn("forward: sending destination payload frame", "socket_id", d.socketID, "error", sendErr)
				d.closeAndNotify("")
				return
			}
		}
		if err != nil {
			d.closeAndNotify(errString(err))
			return
		}
	}
}

// write delivers an inbound sourceToDestination=true frame's payload to
// the dialed destination socket.
func (d *ForwardDestinationHandler) write(payload []byte) error {
	_, err := d.conn.Write(payload)
	return err
}

// closeAndNotify closes the destination socket, emits a closed/error
// frame so the peer's source handler tears down its half, and removes
// this handler from the registry.
func (d *ForwardDestinationHandler) closeAndNotify(errMsg string) {
	d.conn.Close()
	kind := protocol.PortForwardBodyClosed
	if errMsg != "" {
		kind = protocol.PortForwardBodyError
	}
	_ = d.h.sink.SendPacket(protocol.PacketPortForwardData, encodePortForwardData(protocol.PortForwardData{
		SocketID:            d.socketID,
		SourceToDestination: false,
		Kind:                kind,
		ErrorMessage:        errMsg,
	}))
	d.h.removeDestination(d.socketID)
}

func (d *ForwardDestinationHandler) close() {
	d.conn.Close()
	d.h.removeDestination(d.socketID)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
