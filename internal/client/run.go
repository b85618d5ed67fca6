// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/etrelay/etr/internal/config"
	"github.com/etrelay/etr/internal/forward"
	"github.com/etrelay/etr/internal/protocol"
)

// Run dials the configured server, establishes the resilient session,
// issues a PortForwardSourceRequest (or starts a local listener) for every
// configured forward spec, and blocks dispatching Packets until ctx is
// canceled.
func Run(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger) error {
	key, err := config.LoadKey(cfg.Crypto)
	if err != nil {
		return fmt.Errorf("loading symmetric key: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.BytesPerSecondRaw > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.BytesPerSecondRaw), int(cfg.RateLimit.BurstBytesRaw))
	}

	cc, err := New(Config{
		ServerAddress:     cfg.Server.Address,
		SymmetricKey:      key,
		ReplayCapacity:    cfg.Session.ReplayBufferRaw,
		DialTimeout:       cfg.Session.DialTimeout,
		ReconnectDelay:    cfg.Retry.InitialDelay,
		MaxReconnectDelay: cfg.Retry.MaxDelay,
		KeepAliveInterval: cfg.Session.KeepAliveInterval,
		DSCP:              cfg.DSCP,
		RateLimiter:       limiter,
	}, logger)
	if err != nil {
		return fmt.Errorf("building client connection: %w", err)
	}

	if err := cc.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Server.Address, err)
	}
	defer cc.Close()

	pf := forward.New(cc, forward.Config{Logger: logger})

	for _, spec := range cfg.Forward {
		req, err := buildSourceRequest(spec)
		if err != nil {
			return fmt.Errorf("forward spec %q: %w", spec.Listen, err)
		}

		switch spec.Direction {
		case "local":
			if err := pf.ListenLocal(req); err != nil {
				return fmt.Errorf("starting local forward on %s: %w", spec.Listen, err)
			}
			logger.Info("listening locally", "listen", spec.Listen, "dial", spec.Dial)
		case "remote":
			if err := pf.RequestSourceForward(req); err != nil {
				return fmt.Errorf("requesting remote forward on %s: %w", spec.Listen, err)
			}
			logger.Info("requested remote listener", "listen", spec.Listen, "dial", spec.Dial)
		default:
			return fmt.Errorf("forward spec %q: unknown direction %q", spec.Listen, spec.Direction)
		}
	}

	stop := make(chan struct{})
	dispatchErr := make(chan error, 1)
	go func() {
		dispatchErr <- forward.DispatchClientLoop(cc, pf, cc.HandleKeepAlivePong, nil, stop)
	}()

	select {
	case <-ctx.Done():
		close(stop)
		pf.Shutdown()
		return nil
	case err := <-dispatchErr:
		pf.Shutdown()
		return err
	}
}

// buildSourceRequest turns a config.ForwardSpec into the wire request
// describing it, parsing "host:port" strings into TCP endpoints and
// absolute paths into named UNIX endpoints.
func buildSourceRequest(spec config.ForwardSpec) (protocol.PortForwardSourceRequest, error) {
	source, err := parseEndpoint(spec.Listen)
	if err != nil {
		return protocol.PortForwardSourceRequest{}, fmt.Errorf("listen address: %w", err)
	}

	req := protocol.PortForwardSourceRequest{Source: source}
	if spec.Dial != "" {
		dest, err := parseEndpoint(spec.Dial)
		if err != nil {
			return protocol.PortForwardSourceRequest{}, fmt.Errorf("dial address: %w", err)
		}
		req.HasDestination = true
		req.Destination = dest
	}
	return req, nil
}

// parseEndpoint interprets an absolute path as a named UNIX endpoint and
// anything else as a TCP host:port pair.
func parseEndpoint(s string) (protocol.Endpoint, error) {
	if strings.HasPrefix(s, "/") {
		return protocol.Endpoint{Name: s}, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return protocol.Endpoint{}, fmt.Errorf("parsing %q as host:port: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return protocol.Endpoint{}, fmt.Errorf("parsing port in %q: %w", s, err)
	}
	return protocol.Endpoint{Host: host, Port: uint16(port)}, nil
}
