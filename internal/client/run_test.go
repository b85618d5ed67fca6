// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"testing"

	"github.com/etrelay/etr/internal/config"
)

func TestParseEndpoint_TCP(t *testing.T) {
	e, err := parseEndpoint("127.0.0.1:8080")
	if err != nil {
		t.Fatalf("parseEndpoint: %v", err)
	}
	if e.Host != "127.0.0.1" || e.Port != 8080 || e.IsNamed() {
		t.Fatalf("unexpected endpoint: %+v", e)
	}
}

func TestParseEndpoint_Named(t *testing.T) {
	e, err := parseEndpoint("/tmp/etr-test.sock")
	if err != nil {
		t.Fatalf("parseEndpoint: %v", err)
	}
	if !e.IsNamed() || e.Name != "/tmp/etr-test.sock" {
		t.Fatalf("unexpected endpoint: %+v", e)
	}
}

func TestParseEndpoint_Invalid(t *testing.T) {
	if _, err := parseEndpoint("not-a-valid-endpoint"); err == nil {
		t.Fatal("expected an error for a string with no host:port separator")
	}
}

func TestBuildSourceRequest_WithDestination(t *testing.T) {
	spec := config.ForwardSpec{Direction: "local", Listen: "127.0.0.1:8080", Dial: "10.0.0.5:80"}
	req, err := buildSourceRequest(spec)
	if err != nil {
		t.Fatalf("buildSourceRequest: %v", err)
	}
	if !req.HasDestination || req.Destination.Host != "10.0.0.5" || req.Destination.Port != 80 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Source.Port != 8080 {
		t.Fatalf("unexpected source: %+v", req.Source)
	}
}

func TestBuildSourceRequest_NoDestination(t *testing.T) {
	spec := config.ForwardSpec{Direction: "remote", Listen: "0.0.0.0:2222"}
	req, err := buildSourceRequest(spec)
	if err != nil {
		t.Fatalf("buildSourceRequest: %v", err)
	}
	if req.HasDestination {
		t.Fatalf("expected no destination, got %+v", req.Destination)
	}
}
