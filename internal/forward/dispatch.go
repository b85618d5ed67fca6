// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package forward

import (
	"bytes"
	"io"

	"github.com/etrelay/etr/internal/protocol"
)

// PacketHandler is the subset of PortForwardHandler the dispatch loops
// depend on; tests substitute a fake to assert routing without a real
// multiplexer.
type PacketHandler interface {
	HandlePacket(pt protocol.PacketType, payload []byte) error
}

// keepAlivePongSize is the wire size of a KeepAlivePong payload (4-byte
// magic + 8 + 4 + 4 bytes), distinct from a KeepAlivePing's 12-byte
// payload; the dispatch loops use this to tell the two variants of
// PacketKeepAlive apart without a second type tag.
const keepAlivePongSize = 20

// DispatchClientLoop reads Packets off r (the decrypted application
// stream, i.e. a *transport.Connection) until r returns a fatal error or
// stop is closed. TERMINAL_BUFFER payloads go to onTerminalBuffer,
// KeepAlivePong payloads go to onPong, and everything port-forward related
// is handed to ph.
func DispatchClientLoop(r io.Reader, ph PacketHandler, onPong func(protocol.KeepAlivePong), onTerminalBuffer func([]byte), stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		pt, payload, err := protocol.ReadPacket(r)
		if err != nil {
			return err
		}

		switch pt {
		case protocol.PacketKeepAlive:
			if len(payload) == keepAlivePongSize && onPong != nil {
				pong, err := protocol.ReadKeepAlivePong(bytes.NewReader(payload))
				if err == nil {
					onPong(pong)
				}
			}
		case protocol.PacketTerminalBuffer:
			if onTerminalBuffer != nil {
				onTerminalBuffer(payload)
			}
		default:
			if err := ph.HandlePacket(pt, payload); err != nil {
				return err
			}
		}
	}
}

// DispatchServerLoop is the server-side mirror of DispatchClientLoop: a
// KeepAlivePing is answered with a KeepAlivePong built from loadFn,
// instead of surfacing an RTT observation to the caller.
func DispatchServerLoop(r io.Reader, sink PacketSink, ph PacketHandler, loadFn func() (serverLoad float32, diskFreeMB uint32), onTerminalBuffer func([]byte), stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		pt, payload, err := protocol.ReadPacket(r)
		if err != nil {
			return err
		}

		switch pt {
		case protocol.PacketKeepAlive:
			if len(payload) != keepAlivePongSize {
				ping, err := protocol.ReadKeepAlivePing(bytes.NewReader(payload))
				if err == nil {
					load, diskFree := float32(0), uint32(0)
					if loadFn != nil {
						load, diskFree = loadFn()
					}
					var buf bytes.Buffer
					protocol.WriteKeepAlivePong(&buf, protocol.KeepAlivePong{
						Timestamp:        ping.Timestamp,
						ServerLoad:       load,
						ServerDiskFreeMB: diskFree,
					})
					_ = sink.SendPacket(protocol.PacketKeepAlive, buf.Bytes())
				}
			}
		case protocol.PacketTerminalBuffer:
			if onTerminalBuffer != nil {
				onTerminalBuffer(payload)
			}
		default:
			if err := ph.HandlePacket(pt, payload); err != nil {
				return err
			}
		}
	}
}
