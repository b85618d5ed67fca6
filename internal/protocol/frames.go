// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implements the binary wire protocol of the resilient
// stream: the recovery handshake messages exchanged on a raw socket before
// any encryption context exists (ConnectRequest/Response, SequenceHeader,
// CatchupBuffer), the length-prefixed Packet envelope carried over the
// encrypted stream once established, and the port-forward multiplexer's
// messages.
package protocol

import "errors"

// Magic bytes identifying each frame kind on the wire.
var (
	MagicConnect     = [4]byte{'E', 'T', 'C', 'N'}
	MagicConnectAck  = [4]byte{'E', 'T', 'C', 'A'}
	MagicSequence    = [4]byte{'E', 'T', 'S', 'Q'}
	MagicCatchup     = [4]byte{'E', 'T', 'C', 'U'}
	MagicKeepAlive   = [4]byte{'E', 'T', 'K', 'A'}
	MagicPFSourceReq = [4]byte{'E', 'T', 'S', 'R'}
	MagicPFSourceRsp = [4]byte{'E', 'T', 'S', 'A'}
	MagicPFDestReq   = [4]byte{'E', 'T', 'D', 'R'}
	MagicPFDestRsp   = [4]byte{'E', 'T', 'D', 'A'}
	MagicPFData      = [4]byte{'E', 'T', 'P', 'D'}
)

// NullClientID is the sentinel clientId value meaning "I am new, please
// mint me one" in a ConnectRequest.
const NullClientID int32 = -1

// ProtocolVersion is the wire version advertised by ConnectRequest.
const ProtocolVersion byte = 0x01

// Errors returned while decoding wire messages.
var (
	ErrInvalidMagic    = errors.New("protocol: invalid magic bytes")
	ErrInvalidVersion  = errors.New("protocol: unsupported protocol version")
	ErrTruncatedFrame  = errors.New("protocol: truncated frame")
	ErrFrameTooLarge   = errors.New("protocol: frame exceeds maximum size")
	ErrUnknownPacket   = errors.New("protocol: unknown packet type")
	ErrMalformedPacket = errors.New("protocol: malformed packet payload")
)

// MaxFrameSize bounds a single length-prefixed message to guard against a
// corrupt or hostile length prefix causing an unbounded allocation.
const MaxFrameSize = 256 * 1024 * 1024

// PacketType is the 8-bit header tag of a top-level application Packet,
// the envelope carried over the encrypted stream once a session is
// established.
type PacketType byte

// Packet type tags.
const (
	PacketTerminalBuffer            PacketType = 0x01
	PacketKeepAlive                 PacketType = 0x02
	PacketPortForwardData           PacketType = 0x03
	PacketPortForwardSourceRequest  PacketType = 0x04
	PacketPortForwardSourceResponse PacketType = 0x05
	PacketPortForwardDestRequest    PacketType = 0x06
	PacketPortForwardDestResponse   PacketType = 0x07
)

// ConnectRequest is sent by the client, in cleartext, on first dial and on
// every reconnect attempt. ClientID == NullClientID means "mint me a new
// one".
// Wire format: [Magic "ETCN" 4B] [Version 1B] [ClientID int32 4B]
type ConnectRequest struct {
	Version  byte
	ClientID int32
}

// ConnectResponse is the server's reply to a first-time ConnectRequest.
// Wire format: [Magic "ETCA" 4B] [ClientID int32 4B]
type ConnectResponse struct {
	ClientID int32
}

// SequenceHeader reports "bytes I have received from you so far" during
// the recovery handshake; the peer should replay everything beyond it.
// Wire format: [Magic "ETSQ" 4B] [SequenceNumber uint64 8B]
type SequenceHeader struct {
	SequenceNumber uint64
}

// CatchupBuffer carries the replay payload during the recovery handshake.
// Wire format: [Magic "ETCU" 4B] [Length uint32 4B] [Buffer Length B]
type CatchupBuffer struct {
	Buffer []byte
}

// KeepAlivePing is sent periodically, independent of stream payload
// traffic, to measure RTT and liveness.
// Wire format: [Magic "ETKA" 4B] [Timestamp int64 8B]
type KeepAlivePing struct {
	Timestamp int64
}

// KeepAlivePong answers a KeepAlivePing with liveness and load metrics.
// Wire format: [Magic "ETKA" 4B] [Timestamp int64 8B] [ServerLoad float32 4B] [ServerDiskFreeMB uint32 4B]
type KeepAlivePong struct {
	Timestamp        int64
	ServerLoad       float32
	ServerDiskFreeMB uint32
}

// Endpoint is either a TCP host:port or a named UNIX/pipe path.
type Endpoint struct {
	Name string
	Host string
	Port uint16
}

// IsNamed reports whether this endpoint identifies a UNIX/named-pipe path
// rather than a TCP host:port pair.
func (e Endpoint) IsNamed() bool {
	return e.Name != ""
}

// PortForwardSourceRequest asks the receiving side to start listening on
// Source and tunnel accepted connections to Destination.
type PortForwardSourceRequest struct {
	Source              Endpoint
	HasDestination      bool
	Destination         Endpoint
	EnvironmentVariable string
}

// PortForwardSourceResponse answers a PortForwardSourceRequest.
type PortForwardSourceResponse struct {
	Error string
}

// PortForwardDestinationRequest asks the peer to dial Destination on
// behalf of a newly-accepted local connection. SourceFD is a source-side
// local correlator; it is never interpreted as a real descriptor by the
// peer.
type PortForwardDestinationRequest struct {
	Destination Endpoint
	SourceFD    int32
}

// PortForwardDestinationResponse answers a PortForwardDestinationRequest.
type PortForwardDestinationResponse struct {
	SourceFD    int32
	HasSocketID bool
	SocketID    uint32
	Error       string
}

// PortForwardBodyKind distinguishes the oneof variants of PortForwardData.
type PortForwardBodyKind byte

// Body kinds for PortForwardData.
const (
	PortForwardBodyPayload PortForwardBodyKind = 0
	PortForwardBodyClosed  PortForwardBodyKind = 1
	PortForwardBodyError   PortForwardBodyKind = 2
)

// PortForwardData carries one direction's worth of payload, a close
// notification, or an error for one tunneled socketId.
type PortForwardData struct {
	SocketID            uint32
	SourceToDestination bool
	Kind                PortForwardBodyKind
	Payload             []byte
	ErrorMessage        string
}
