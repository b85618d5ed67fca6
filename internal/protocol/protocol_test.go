// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestConnectRequest_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		clientID int32
	}{
		{"new client", NullClientID},
		{"returning client", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			req := ConnectRequest{Version: ProtocolVersion, ClientID: tt.clientID}
			if err := WriteConnectRequest(&buf, req); err != nil {
				t.Fatalf("WriteConnectRequest: %v", err)
			}
			got, err := ReadConnectRequest(&buf)
			if err != nil {
				t.Fatalf("ReadConnectRequest: %v", err)
			}
			if got != req {
				t.Fatalf("got %+v want %+v", got, req)
			}
		})
	}
}

func TestConnectRequest_RejectsBadVersion(t *testing.T) {
	var buf bytes.Buffer
	WriteConnectRequest(&buf, ConnectRequest{Version: 0xFF, ClientID: 1})
	if _, err := ReadConnectRequest(&buf); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestConnectRequest_RejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte("XXXX\x01\x00\x00\x00\x01"))
	if _, err := ReadConnectRequest(buf); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestConnectResponse_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	resp := ConnectResponse{ClientID: 7}
	if err := WriteConnectResponse(&buf, resp); err != nil {
		t.Fatalf("WriteConnectResponse: %v", err)
	}
	got, err := ReadConnectResponse(&buf)
	if err != nil {
		t.Fatalf("ReadConnectResponse: %v", err)
	}
	if got != resp {
		t.Fatalf("got %+v want %+v", got, resp)
	}
}

func TestSequenceHeader_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	hdr := SequenceHeader{SequenceNumber: 123456789}
	if err := WriteSequenceHeader(&buf, hdr); err != nil {
		t.Fatalf("WriteSequenceHeader: %v", err)
	}
	got, err := ReadSequenceHeader(&buf)
	if err != nil {
		t.Fatalf("ReadSequenceHeader: %v", err)
	}
	if got != hdr {
		t.Fatalf("got %+v want %+v", got, hdr)
	}
}

func TestCatchupBuffer_RoundTrip(t *testing.T) {
	tests := [][]byte{nil, []byte("x"), bytes.Repeat([]byte("y"), 70000)}
	for _, payload := range tests {
		var buf bytes.Buffer
		if err := WriteCatchupBuffer(&buf, CatchupBuffer{Buffer: payload}); err != nil {
			t.Fatalf("WriteCatchupBuffer: %v", err)
		}
		got, err := ReadCatchupBuffer(&buf)
		if err != nil {
			t.Fatalf("ReadCatchupBuffer: %v", err)
		}
		if !bytes.Equal(got.Buffer, payload) {
			t.Fatalf("got %d bytes want %d bytes", len(got.Buffer), len(payload))
		}
	}
}

func TestPacket_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("terminal output chunk")
	if err := WritePacket(&buf, PacketTerminalBuffer, payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	pt, got, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pt != PacketTerminalBuffer {
		t.Fatalf("got type %v want %v", pt, PacketTerminalBuffer)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestPacket_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePacket(&buf, PacketKeepAlive, nil); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	pt, got, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pt != PacketKeepAlive || len(got) != 0 {
		t.Fatalf("got type %v payload %q", pt, got)
	}
}

func TestKeepAlivePing_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ping := KeepAlivePing{Timestamp: 1700000000000}
	if err := WriteKeepAlivePing(&buf, ping); err != nil {
		t.Fatalf("WriteKeepAlivePing: %v", err)
	}
	got, err := ReadKeepAlivePing(&buf)
	if err != nil {
		t.Fatalf("ReadKeepAlivePing: %v", err)
	}
	if got != ping {
		t.Fatalf("got %+v want %+v", got, ping)
	}
}

func TestKeepAlivePong_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pong := KeepAlivePong{Timestamp: 1700000000000, ServerLoad: 0.42, ServerDiskFreeMB: 102400}
	if err := WriteKeepAlivePong(&buf, pong); err != nil {
		t.Fatalf("WriteKeepAlivePong: %v", err)
	}
	got, err := ReadKeepAlivePong(&buf)
	if err != nil {
		t.Fatalf("ReadKeepAlivePong: %v", err)
	}
	if got != pong {
		t.Fatalf("got %+v want %+v", got, pong)
	}
}

func TestPortForwardSourceRequest_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := PortForwardSourceRequest{
		Source:              Endpoint{Host: "127.0.0.1", Port: 8080},
		HasDestination:      true,
		Destination:         Endpoint{Host: "10.0.0.5", Port: 443},
		EnvironmentVariable: "ETR_FORWARDED_PORT",
	}
	if err := WritePortForwardSourceRequest(&buf, req); err != nil {
		t.Fatalf("WritePortForwardSourceRequest: %v", err)
	}
	got, err := ReadPortForwardSourceRequest(&buf)
	if err != nil {
		t.Fatalf("ReadPortForwardSourceRequest: %v", err)
	}
	if got != req {
		t.Fatalf("got %+v want %+v", got, req)
	}
}

func TestPortForwardSourceRequest_NamedEndpoint(t *testing.T) {
	var buf bytes.Buffer
	req := PortForwardSourceRequest{Source: Endpoint{Name: "/tmp/etr.sock"}}
	WritePortForwardSourceRequest(&buf, req)
	got, err := ReadPortForwardSourceRequest(&buf)
	if err != nil {
		t.Fatalf("ReadPortForwardSourceRequest: %v", err)
	}
	if !got.Source.IsNamed() || got.Source.Name != "/tmp/etr.sock" {
		t.Fatalf("expected named endpoint round trip, got %+v", got.Source)
	}
}

func TestPortForwardDestinationRequestResponse_RoundTrip(t *testing.T) {
	var reqBuf bytes.Buffer
	req := PortForwardDestinationRequest{Destination: Endpoint{Host: "localhost", Port: 22}, SourceFD: 9}
	if err := WritePortForwardDestinationRequest(&reqBuf, req); err != nil {
		t.Fatalf("WritePortForwardDestinationRequest: %v", err)
	}
	gotReq, err := ReadPortForwardDestinationRequest(&reqBuf)
	if err != nil {
		t.Fatalf("ReadPortForwardDestinationRequest: %v", err)
	}
	if gotReq != req {
		t.Fatalf("got %+v want %+v", gotReq, req)
	}

	var respBuf bytes.Buffer
	resp := PortForwardDestinationResponse{SourceFD: 9, HasSocketID: true, SocketID: 55}
	if err := WritePortForwardDestinationResponse(&respBuf, resp); err != nil {
		t.Fatalf("WritePortForwardDestinationResponse: %v", err)
	}
	gotResp, err := ReadPortForwardDestinationResponse(&respBuf)
	if err != nil {
		t.Fatalf("ReadPortForwardDestinationResponse: %v", err)
	}
	if gotResp != resp {
		t.Fatalf("got %+v want %+v", gotResp, resp)
	}
}

func TestPortForwardData_PayloadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pfd := PortForwardData{SocketID: 3, SourceToDestination: true, Kind: PortForwardBodyPayload, Payload: []byte("hello")}
	if err := WritePortForwardData(&buf, pfd); err != nil {
		t.Fatalf("WritePortForwardData: %v", err)
	}
	got, err := ReadPortForwardData(&buf)
	if err != nil {
		t.Fatalf("ReadPortForwardData: %v", err)
	}
	if got.SocketID != pfd.SocketID || got.SourceToDestination != pfd.SourceToDestination ||
		got.Kind != pfd.Kind || !bytes.Equal(got.Payload, pfd.Payload) {
		t.Fatalf("got %+v want %+v", got, pfd)
	}
}

func TestPortForwardData_ClosedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pfd := PortForwardData{SocketID: 8, SourceToDestination: false, Kind: PortForwardBodyClosed}
	WritePortForwardData(&buf, pfd)
	got, err := ReadPortForwardData(&buf)
	if err != nil {
		t.Fatalf("ReadPortForwardData: %v", err)
	}
	if got.Kind != PortForwardBodyClosed || len(got.Payload) != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestPortForwardData_ErrorRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pfd := PortForwardData{SocketID: 8, Kind: PortForwardBodyError, ErrorMessage: "connection refused"}
	WritePortForwardData(&buf, pfd)
	got, err := ReadPortForwardData(&buf)
	if err != nil {
		t.Fatalf("ReadPortForwardData: %v", err)
	}
	if got.ErrorMessage != pfd.ErrorMessage {
		t.Fatalf("got %q want %q", got.ErrorMessage, pfd.ErrorMessage)
	}
}

func TestReadString_RejectsOversizedField(t *testing.T) {
	var buf bytes.Buffer
	writeString(&buf, strings.Repeat("a", maxStringFieldLength+1))
	if _, err := readString(&buf); !errors.Is(err, ErrStringTooLong) {
		t.Fatalf("expected ErrStringTooLong, got %v", err)
	}
}

func TestReadPacket_RejectsOversizedLength(t *testing.T) {
	header := make([]byte, 5)
	header[0] = byte(PacketTerminalBuffer)
	header[1], header[2], header[3], header[4] = 0xFF, 0xFF, 0xFF, 0xFF
	buf := bytes.NewBuffer(header)
	if _, _, err := ReadPacket(buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
