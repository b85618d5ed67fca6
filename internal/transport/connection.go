// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/etrelay/etr/internal/crypto"
	"github.com/etrelay/etr/internal/protocol"
)

// Connection composes a BackedReader and a BackedWriter over one logical
// session that may span many underlying sockets over its lifetime. It
// translates transient socket errors into an internal reconnect signal
// (closing the current socket and returning zero bytes) and only
// surfaces genuinely fatal errors to its caller.
type Connection struct {
	reader       *BackedReader
	writer       *BackedWriter
	shuttingDown atomic.Bool
}

// New creates a Connection with no socket installed. readerCodec decrypts
// inbound bytes, writerCodec encrypts outbound bytes; callers building a
// client pass ServerToClient for the reader and ClientToServer for the
// writer (or vice versa on the server side).
func New(readerCodec, writerCodec *crypto.Codec, replayCapacity int64) *Connection {
	return &Connection{
		reader: NewBackedReader(readerCodec),
		writer: NewBackedWriter(writerCodec, replayCapacity),
	}
}

// InstallSocket installs conn as this Connection's first socket. It must
// only be used once, for the connection's initial handshake; every
// subsequent socket change goes through Recover.
func (c *Connection) InstallSocket(conn net.Conn) {
	c.reader.installFresh(conn)
	c.writer.installFresh(conn)
}

// Read decrypts and returns up to len(buf) bytes from the current socket.
// A transient socket error closes the socket and returns (0, nil) so the
// caller's poll loop naturally waits for a reconnect; a non-transient
// error is returned unchanged. Once Shutdown has been called, Read
// returns ErrShutdown immediately instead of blocking in the underlying
// reader, so a caller parked in a blocking read (e.g. io.ReadFull over a
// framed packet) is guaranteed to unblock.
func (c *Connection) Read(buf []byte) (int, error) {
	if c.shuttingDown.Load() {
		return 0, ErrShutdown
	}
	n, err := c.reader.Read(buf)
	if err != nil {
		if isSkippableError(err) {
			c.CloseSocket()
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// ReadAll blocks, retrying internally, until exactly len(buf) bytes have
// been read, a fatal error occurs, or Shutdown is called.
func (c *Connection) ReadAll(buf []byte) error {
	pos := 0
	for pos < len(buf) {
		if c.shuttingDown.Load() {
			return ErrShutdown
		}
		n, err := c.Read(buf[pos:])
		if err != nil {
			return err
		}
		pos += n
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

// Write encrypts and attempts to send buf. It always reports len(buf) as
// written from the caller's point of view. A Skipped write (no socket
// installed, or a recovery in progress) is silently dropped: its bytes
// are not encrypted, not recorded in the replay buffer and never reach
// the peer. A WroteWithFailure write is recorded in the replay buffer
// (so Recover resends it) and closes the socket so a reconnect is driven.
func (c *Connection) Write(buf []byte) (int, error) {
	switch c.writer.Write(buf) {
	case WroteWithFailure:
		c.CloseSocket()
	}
	return len(buf), nil
}

// WriteAll is Write with ReadAll's retry discipline: useful for callers
// that want back-pressure rather than silent buffering when the
// connection is down. It simply delegates to Write since Write already
// never partially fails from the caller's perspective.
func (c *Connection) WriteAll(buf []byte) error {
	if c.shuttingDown.Load() {
		return ErrShutdown
	}
	_, err := c.Write(buf)
	return err
}

// HasData reports whether a Read would return application bytes without
// blocking.
func (c *Connection) HasData() bool {
	return c.reader.HasData()
}

// CloseSocket invalidates and closes the current underlying socket
// without affecting sequence numbers or the replay buffer, so a later
// Recover can still catch a peer up across the gap.
func (c *Connection) CloseSocket() {
	c.reader.mu.Lock()
	conn := c.reader.conn
	c.reader.mu.Unlock()
	c.reader.InvalidateSocket()
	c.writer.InvalidateSocket()
	if conn != nil {
		conn.Close()
	}
}

// Shutdown marks the Connection as permanently done: CloseSocket is
// called and every future ReadAll/WriteAll returns ErrShutdown.
func (c *Connection) Shutdown() {
	c.shuttingDown.Store(true)
	c.CloseSocket()
}

// IsShuttingDown reports whether Shutdown has been called.
func (c *Connection) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}

// SocketLive reports whether a socket is currently installed. Once it
// goes false (a transient error or an explicit CloseSocket), the caller
// is responsible for dialing or accepting a new socket and driving
// Recover on it.
func (c *Connection) SocketLive() bool {
	return c.reader.Installed()
}

// WriterSequenceNumber reports how many plaintext bytes this Connection
// has ever handed to Write.
func (c *Connection) WriterSequenceNumber() uint64 {
	return c.writer.SequenceNumber()
}

// ReaderSequenceNumber reports how many plaintext bytes this Connection
// has ever returned from Read.
func (c *Connection) ReaderSequenceNumber() uint64 {
	return c.reader.SequenceNumber()
}

// Recover runs this side's half of the recovery handshake on conn, a
// freshly-accepted-or-dialed raw socket that is not yet encrypted or
// framed: it exchanges SequenceHeader and CatchupBuffer messages with the
// peer and then revives both the reader and the writer onto conn.
//
// initiator determines ordering (the initiator writes its SequenceHeader
// first; the acceptor reads first) so that two peers performing Recover
// concurrently on the same socket cannot deadlock each other.
func (c *Connection) Recover(conn net.Conn, initiator bool) error {
	c.writer.InvalidateSocket()
	c.reader.InvalidateSocket()

	ourReaderSeq := c.reader.SequenceNumber()

	var peerReaderSeq uint64
	var err error
	if initiator {
		if err = protocol.WriteSequenceHeader(conn, protocol.SequenceHeader{SequenceNumber: ourReaderSeq}); err != nil {
			return err
		}
		peerReaderSeq, err = readSequenceNumber(conn)
		if err != nil {
			return err
		}
	} else {
		peerReaderSeq, err = readSequenceNumber(conn)
		if err != nil {
			return err
		}
		if err = protocol.WriteSequenceHeader(conn, protocol.SequenceHeader{SequenceNumber: ourReaderSeq}); err != nil {
			return err
		}
	}

	replay, err := c.writer.Recover(peerReaderSeq)
	if err != nil {
		c.writer.Unlock()
		return err
	}

	if initiator {
		if err := protocol.WriteCatchupBuffer(conn, protocol.CatchupBuffer{Buffer: replay}); err != nil {
			c.writer.Unlock()
			return err
		}
		carryover, err := readCatchupBuffer(conn)
		if err != nil {
			c.writer.Unlock()
			return err
		}
		c.reader.Revive(conn, carryover)
	} else {
		carryover, err := readCatchupBuffer(conn)
		if err != nil {
			c.writer.Unlock()
			return err
		}
		if err := protocol.WriteCatchupBuffer(conn, protocol.CatchupBuffer{Buffer: replay}); err != nil {
			c.writer.Unlock()
			return err
		}
		c.reader.Revive(conn, carryover)
	}

	c.writer.Revive(conn)
	c.writer.Unlock()
	return nil
}

func readSequenceNumber(r io.Reader) (uint64, error) {
	hdr, err := protocol.ReadSequenceHeader(r)
	if err != nil {
		return 0, err
	}
	return hdr.SequenceNumber, nil
}

func readCatchupBuffer(r io.Reader) ([]byte, error) {
	cb, err := protocol.ReadCatchupBuffer(r)
	if err != nil {
		return nil, err
	}
	return cb.Buffer, nil
}
