// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// maxStringFieldLength bounds any single length-prefixed string field
// (endpoint names, error messages) so a corrupt or hostile length prefix
// cannot force an unbounded allocation.
const maxStringFieldLength = 64 * 1024

// writeString writes a length-prefixed UTF-8 string: [uint32 len][bytes].
func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return fmt.Errorf("writing string length: %w", err)
	}
	if len(s) == 0 {
		return nil
	}
	if _, err := io.WriteString(w, s); err != nil {
		return fmt.Errorf("writing string bytes: %w", err)
	}
	return nil
}

// writeEndpoint writes an Endpoint: [Name string] [Host string] [Port uint16].
func writeEndpoint(w io.Writer, e Endpoint) error {
	if err := writeString(w, e.Name); err != nil {
		return fmt.Errorf("writing endpoint name: %w", err)
	}
	if err := writeString(w, e.Host); err != nil {
		return fmt.Errorf("writing endpoint host: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, e.Port); err != nil {
		return fmt.Errorf("writing endpoint port: %w", err)
	}
	return nil
}

// WriteConnectRequest writes the ConnectRequest frame (Client → Server, on
// the raw socket, before any encryption context exists).
// Format: [Magic "ETCN" 4B] [Version 1B] [ClientID int32 4B]
func WriteConnectRequest(w io.Writer, req ConnectRequest) error {
	buf := make([]byte, 9)
	copy(buf[0:4], MagicConnect[:])
	buf[4] = req.Version
	binary.BigEndian.PutUint32(buf[5:9], uint32(req.ClientID))
	_, err := w.Write(buf)
	return err
}

// WriteConnectResponse writes the ConnectResponse frame (Server → Client).
// Format: [Magic "ETCA" 4B] [ClientID int32 4B]
func WriteConnectResponse(w io.Writer, resp ConnectResponse) error {
	buf := make([]byte, 8)
	copy(buf[0:4], MagicConnectAck[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(resp.ClientID))
	_, err := w.Write(buf)
	return err
}

// WriteSequenceHeader writes a SequenceHeader frame (either direction,
// during the recovery handshake).
// Format: [Magic "ETSQ" 4B] [SequenceNumber uint64 8B]
func WriteSequenceHeader(w io.Writer, hdr SequenceHeader) error {
	buf := make([]byte, 12)
	copy(buf[0:4], MagicSequence[:])
	binary.BigEndian.PutUint64(buf[4:12], hdr.SequenceNumber)
	_, err := w.Write(buf)
	return err
}

// WriteCatchupBuffer writes a CatchupBuffer frame (either direction, during
// the recovery handshake).
// Format: [Magic "ETCU" 4B] [Length uint32 4B] [Buffer Length B]
func WriteCatchupBuffer(w io.Writer, cb CatchupBuffer) error {
	if len(cb.Buffer) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	header := make([]byte, 8)
	copy(header[0:4], MagicCatchup[:])
	binary.BigEndian.PutUint32(header[4:8], uint32(len(cb.Buffer)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing catchup buffer header: %w", err)
	}
	if len(cb.Buffer) == 0 {
		return nil
	}
	if _, err := w.Write(cb.Buffer); err != nil {
		return fmt.Errorf("writing catchup buffer payload: %w", err)
	}
	return nil
}

// WritePacket writes the application-level envelope used once a session is
// established: [Type 1B] [Length uint32 4B] [Payload Length B]. Payload is
// whatever the caller already marshaled (or, for PacketTerminalBuffer, raw
// terminal bytes).
func WritePacket(w io.Writer, pt PacketType, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	header := make([]byte, 5)
	header[0] = byte(pt)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing packet header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing packet payload: %w", err)
	}
	return nil
}

// WriteKeepAlivePing writes a KeepAlivePing frame.
// Format: [Magic "ETKA" 4B] [Timestamp int64 8B]
func WriteKeepAlivePing(w io.Writer, ping KeepAlivePing) error {
	buf := make([]byte, 12)
	copy(buf[0:4], MagicKeepAlive[:])
	binary.BigEndian.PutUint64(buf[4:12], uint64(ping.Timestamp))
	_, err := w.Write(buf)
	return err
}

// WriteKeepAlivePong writes a KeepAlivePong frame.
// Format: [Magic "ETKA" 4B] [Timestamp int64 8B] [ServerLoad float32 4B] [ServerDiskFreeMB uint32 4B]
func WriteKeepAlivePong(w io.Writer, pong KeepAlivePong) error {
	buf := make([]byte, 20)
	copy(buf[0:4], MagicKeepAlive[:])
	binary.BigEndian.PutUint64(buf[4:12], uint64(pong.Timestamp))
	binary.BigEndian.PutUint32(buf[12:16], math.Float32bits(pong.ServerLoad))
	binary.BigEndian.PutUint32(buf[16:20], pong.ServerDiskFreeMB)
	_, err := w.Write(buf)
	return err
}

// WritePortForwardSourceRequest marshals a PortForwardSourceRequest to be
// carried as a Packet payload.
func WritePortForwardSourceRequest(w io.Writer, req PortForwardSourceRequest) error {
	if err := writeEndpoint(w, req.Source); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, boolByte(req.HasDestination)); err != nil {
		return err
	}
	if err := writeEndpoint(w, req.Destination); err != nil {
		return err
	}
	return writeString(w, req.EnvironmentVariable)
}

// WritePortForwardSourceResponse marshals a PortForwardSourceResponse.
func WritePortForwardSourceResponse(w io.Writer, resp PortForwardSourceResponse) error {
	return writeString(w, resp.Error)
}

// WritePortForwardDestinationRequest marshals a PortForwardDestinationRequest.
func WritePortForwardDestinationRequest(w io.Writer, req PortForwardDestinationRequest) error {
	if err := writeEndpoint(w, req.Destination); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, req.SourceFD)
}

// WritePortForwardDestinationResponse marshals a PortForwardDestinationResponse.
func WritePortForwardDestinationResponse(w io.Writer, resp PortForwardDestinationResponse) error {
	if err := binary.Write(w, binary.BigEndian, resp.SourceFD); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, boolByte(resp.HasSocketID)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, resp.SocketID); err != nil {
		return err
	}
	return writeString(w, resp.Error)
}

// WritePortForwardData marshals a PortForwardData frame.
func WritePortForwardData(w io.Writer, pfd PortForwardData) error {
	if err := binary.Write(w, binary.BigEndian, pfd.SocketID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, boolByte(pfd.SourceToDestination)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, byte(pfd.Kind)); err != nil {
		return err
	}
	switch pfd.Kind {
	case PortForwardBodyPayload:
		if len(pfd.Payload) > MaxFrameSize {
			return ErrFrameTooLarge
		}
		if err := binary.Write(w, binary.BigEndian, uint32(len(pfd.Payload))); err != nil {
			return err
		}
		if len(pfd.Payload) == 0 {
			return nil
		}
		_, err := w.Write(pfd.Payload)
		return err
	case PortForwardBodyError:
		return writeString(w, pfd.ErrorMessage)
	default:
		return nil
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
