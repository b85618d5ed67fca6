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

// ErrStringTooLong is returned when a length-prefixed string field's
// declared length exceeds maxStringFieldLength.
var ErrStringTooLong = fmt.Errorf("protocol: string field exceeds %d bytes", maxStringFieldLength)

// readString reads a length-prefixed UTF-8 string written by writeString.
func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("reading string length: %w", err)
	}
	if n > maxStringFieldLength {
		return "", ErrStringTooLong
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("reading string bytes: %w", err)
	}
	return string(buf), nil
}

// readEndpoint reads an Endpoint written by writeEndpoint.
func readEndpoint(r io.Reader) (Endpoint, error) {
	name, err := readString(r)
	if err != nil {
		return Endpoint{}, fmt.Errorf("reading endpoint name: %w", err)
	}
	host, err := readString(r)
	if err != nil {
		return Endpoint{}, fmt.Errorf("reading endpoint host: %w", err)
	}
	var port uint16
	if err := binary.Read(r, binary.BigEndian, &port); err != nil {
		return Endpoint{}, fmt.Errorf("reading endpoint port: %w", err)
	}
	return Endpoint{Name: name, Host: host, Port: port}, nil
}

func checkMagic(got, want [4]byte) error {
	if got != want {
		return fmt.Errorf("%w: expected %q, got %q", ErrInvalidMagic, want[:], got[:])
	}
	return nil
}

// ReadConnectRequest reads and validates a ConnectRequest frame.
func ReadConnectRequest(r io.Reader) (ConnectRequest, error) {
	buf := make([]byte, 9)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ConnectRequest{}, fmt.Errorf("reading connect request: %w", err)
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if err := checkMagic(magic, MagicConnect); err != nil {
		return ConnectRequest{}, err
	}
	version := buf[4]
	if version != ProtocolVersion {
		return ConnectRequest{}, ErrInvalidVersion
	}
	clientID := int32(binary.BigEndian.Uint32(buf[5:9]))
	return ConnectRequest{Version: version, ClientID: clientID}, nil
}

// ReadConnectResponse reads and validates a ConnectResponse frame.
func ReadConnectResponse(r io.Reader) (ConnectResponse, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ConnectResponse{}, fmt.Errorf("reading connect response: %w", err)
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if err := checkMagic(magic, MagicConnectAck); err != nil {
		return ConnectResponse{}, err
	}
	clientID := int32(binary.BigEndian.Uint32(buf[4:8]))
	return ConnectResponse{ClientID: clientID}, nil
}

// ReadSequenceHeader reads and validates a SequenceHeader frame.
func ReadSequenceHeader(r io.Reader) (SequenceHeader, error) {
	buf := make([]byte, 12)
	if _, err := io.ReadFull(r, buf); err != nil {
		return SequenceHeader{}, fmt.Errorf("reading sequence header: %w", err)
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if err := checkMagic(magic, MagicSequence); err != nil {
		return SequenceHeader{}, err
	}
	return SequenceHeader{SequenceNumber: binary.BigEndian.Uint64(buf[4:12])}, nil
}

// ReadCatchupBuffer reads and validates a CatchupBuffer frame.
func ReadCatchupBuffer(r io.Reader) (CatchupBuffer, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return CatchupBuffer{}, fmt.Errorf("reading catchup buffer header: %w", err)
	}
	var magic [4]byte
	copy(magic[:], header[0:4])
	if err := checkMagic(magic, MagicCatchup); err != nil {
		return CatchupBuffer{}, err
	}
	length := binary.BigEndian.Uint32(header[4:8])
	if length > MaxFrameSize {
		return CatchupBuffer{}, ErrFrameTooLarge
	}
	if length == 0 {
		return CatchupBuffer{}, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return CatchupBuffer{}, fmt.Errorf("reading catchup buffer payload: %w", err)
	}
	return CatchupBuffer{Buffer: buf}, nil
}

// ReadPacket reads the envelope written by WritePacket.
func ReadPacket(r io.Reader) (PacketType, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("reading packet header: %w", err)
	}
	pt := PacketType(header[0])
	length := binary.BigEndian.Uint32(header[1:5])
	if length > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	if length == 0 {
		return pt, nil, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("reading packet payload: %w", err)
	}
	return pt, payload, nil
}

// ReadKeepAlivePing reads and validates a KeepAlivePing frame.
func ReadKeepAlivePing(r io.Reader) (KeepAlivePing, error) {
	buf := make([]byte, 12)
	if _, err := io.ReadFull(r, buf); err != nil {
		return KeepAlivePing{}, fmt.Errorf("reading keepalive ping: %w", err)
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if err := checkMagic(magic, MagicKeepAlive); err != nil {
		return KeepAlivePing{}, err
	}
	return KeepAlivePing{Timestamp: int64(binary.BigEndian.Uint64(buf[4:12]))}, nil
}

// ReadKeepAlivePong reads and validates a KeepAlivePong frame.
func ReadKeepAlivePong(r io.Reader) (KeepAlivePong, error) {
	buf := make([]byte, 20)
	if _, err := io.ReadFull(r, buf); err != nil {
		return KeepAlivePong{}, fmt.Errorf("reading keepalive pong: %w", err)
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if err := checkMagic(magic, MagicKeepAlive); err != nil {
		return KeepAlivePong{}, err
	}
	return KeepAlivePong{
		Timestamp:        int64(binary.BigEndian.Uint64(buf[4:12])),
		ServerLoad:       math.Float32frombits(binary.BigEndian.Uint32(buf[12:16])),
		ServerDiskFreeMB: binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// ReadPortForwardSourceRequest unmarshals a PortForwardSourceRequest from a
// Packet payload.
func ReadPortForwardSourceRequest(r io.Reader) (PortForwardSourceRequest, error) {
	source, err := readEndpoint(r)
	if err != nil {
		return PortForwardSourceRequest{}, fmt.Errorf("reading source endpoint: %w", err)
	}
	var hasDest byte
	if err := binary.Read(r, binary.BigEndian, &hasDest); err != nil {
		return PortForwardSourceRequest{}, fmt.Errorf("reading has-destination flag: %w", err)
	}
	dest, err := readEndpoint(r)
	if err != nil {
		return PortForwardSourceRequest{}, fmt.Errorf("reading destination endpoint: %w", err)
	}
	envVar, err := readString(r)
	if err != nil {
		return PortForwardSourceRequest{}, fmt.Errorf("reading environment variable: %w", err)
	}
	return PortForwardSourceRequest{
		Source:              source,
		HasDestination:      hasDest != 0,
		Destination:         dest,
		EnvironmentVariable: envVar,
	}, nil
}

// ReadPortForwardSourceResponse unmarshals a PortForwardSourceResponse.
func ReadPortForwardSourceResponse(r io.Reader) (PortForwardSourceResponse, error) {
	errMsg, err := readString(r)
	if err != nil {
		return PortForwardSourceResponse{}, err
	}
	return PortForwardSourceResponse{Error: errMsg}, nil
}

// ReadPortForwardDestinationRequest unmarshals a PortForwardDestinationRequest.
func ReadPortForwardDestinationRequest(r io.Reader) (PortForwardDestinationRequest, error) {
	dest, err := readEndpoint(r)
	if err != nil {
		return PortForwardDestinationRequest{}, fmt.Errorf("reading destination endpoint: %w", err)
	}
	var fd int32
	if err := binary.Read(r, binary.BigEndian, &fd); err != nil {
		return PortForwardDestinationRequest{}, fmt.Errorf("reading source fd: %w", err)
	}
	return PortForwardDestinationRequest{Destination: dest, SourceFD: fd}, nil
}

// ReadPortForwardDestinationResponse unmarshals a PortForwardDestinationResponse.
func ReadPortForwardDestinationResponse(r io.Reader) (PortForwardDestinationResponse, error) {
	var fd int32
	if err := binary.Read(r, binary.BigEndian, &fd); err != nil {
		return PortForwardDestinationResponse{}, fmt.Errorf("reading source fd: %w", err)
	}
	var hasSocketID byte
	if err := binary.Read(r, binary.BigEndian, &hasSocketID); err != nil {
		return PortForwardDestinationResponse{}, fmt.Errorf("reading has-socket-id flag: %w", err)
	}
	var socketID uint32
	if err := binary.Read(r, binary.BigEndian, &socketID); err != nil {
		return PortForwardDestinationResponse{}, fmt.Errorf("reading socket id: %w", err)
	}
	errMsg, err := readString(r)
	if err != nil {
		return PortForwardDestinationResponse{}, fmt.Errorf("reading error message: %w", err)
	}
	return PortForwardDestinationResponse{
		SourceFD:    fd,
		HasSocketID: hasSocketID != 0,
		SocketID:    socketID,
		Error:       errMsg,
	}, nil
}

// ReadPortForwardData unmarshals a PortForwardData frame.
func ReadPortForwardData(r io.Reader) (PortForwardData, error) {
	var socketID uint32
	if err := binary.Read(r, binary.BigEndian, &socketID); err != nil {
		return PortForwardData{}, fmt.Errorf("reading socket id: %w", err)
	}
	var direction byte
	if err := binary.Read(r, binary.BigEndian, &direction); err != nil {
		return PortForwardData{}, fmt.Errorf("reading direction: %w", err)
	}
	var kind byte
	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return PortForwardData{}, fmt.Errorf("reading body kind: %w", err)
	}

	pfd := PortForwardData{
		SocketID:            socketID,
		SourceToDestination: direction != 0,
		Kind:                PortForwardBodyKind(kind),
	}

	switch pfd.Kind {
	case PortForwardBodyPayload:
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return PortForwardData{}, fmt.Errorf("reading payload length: %w", err)
		}
		if length > MaxFrameSize {
			return PortForwardData{}, ErrFrameTooLarge
		}
		if length > 0 {
			buf := make([]byte, length)
			if _, err := io.ReadFull(r, buf); err != nil {
				return PortForwardData{}, fmt.Errorf("reading payload: %w", err)
			}
			pfd.Payload = buf
		}
	case PortForwardBodyError:
		msg, err := readString(r)
		if err != nil {
			return PortForwardData{}, fmt.Errorf("reading error message: %w", err)
		}
		pfd.ErrorMessage = msg
	case PortForwardBodyClosed:
		// no further fields
	default:
		return PortForwardData{}, ErrMalformedPacket
	}
	return pfd, nil
}
