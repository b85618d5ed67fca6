// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package forward

import (
	"bytes"

	"github.com/etrelay/etr/internal/protocol"
)

// encodePortForwardData serializes d into the Packet payload bytes carried
// under PacketPortForwardData. Encoding a value built entirely from this
// package's own fields cannot fail, so callers treat the error as
// unreachable rather than threading it through every call site.
func encodePortForwardData(d protocol.PortForwardData) []byte {
	var buf bytes.Buffer
	if err := protocol.WritePortForwardData(&buf, d); err != nil {
		panic("forward: encoding a well-formed PortForwardData: " + err.Error())
	}
	return buf.Bytes()
}

func decodePortForwardData(payload []byte) (protocol.PortForwardData, error) {
	return protocol.ReadPortForwardData(bytes.NewReader(payload))
}

func encodePortForwardSourceResponse(r protocol.PortForwardSourceResponse) []byte {
	var buf bytes.Buffer
	if err := protocol.WritePortForwardSourceResponse(&buf, r); err != nil {
		panic("forward: encoding a well-formed PortForwardSourceResponse: " + err.Error())
	}
	return buf.Bytes()
}

func decodePortForwardSourceRequest(payload []byte) (protocol.PortForwardSourceRequest, error) {
	return protocol.ReadPortForwardSourceRequest(bytes.NewReader(payload))
}

func encodePortForwardSourceRequest(r protocol.PortForwardSourceRequest) []byte {
	var buf bytes.Buffer
	if err := protocol.WritePortForwardSourceRequest(&buf, r); err != nil {
		panic("forward: encoding a well-formed PortForwardSourceRequest: " + err.Error())
	}
	return buf.Bytes()
}

func decodePortForwardSourceResponse(payload []byte) (protocol.PortForwardSourceResponse, error) {
	return protocol.ReadPortForwardSourceResponse(bytes.NewReader(payload))
}

func encodePortForwardDestinationRequest(r protocol.PortForwardDestinationRequest) []byte {
	var buf bytes.Buffer
	if err := protocol.WritePortForwardDestinationRequest(&buf, r); err != nil {
		panic("forward: encoding a well-formed PortForwardDestinationRequest: " + err.Error())
	}
	return buf.Bytes()
}

func decodePortForwardDestinationRequest(payload []byte) (protocol.PortForwardDestinationRequest, error) {
	return protocol.ReadPortForwardDestinationRequest(bytes.NewReader(payload))
}

func encodePortForwardDestinationResponse(r protocol.PortForwardDestinationResponse) []byte {
	var buf bytes.Buffer
	if err := protocol.WritePortForwardDestinationResponse(&buf, r); err != nil {
		panic("forward: encoding a well-formed PortForwardDestinationResponse: " + err.Error())
	}
	return buf.Bytes()
}

func decodePortForwardDestinationResponse(payload []byte) (protocol.PortForwardDestinationResponse, error) {
	return protocol.ReadPortForwardDestinationResponse(bytes.NewReader(payload))
}
