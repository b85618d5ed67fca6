// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/etrelay/etr/internal/config"
	"github.com/etrelay/etr/internal/forward"
	"github.com/etrelay/etr/internal/logging"
	"github.com/etrelay/etr/internal/sessionlog"
)

// Run wires a ServerConnection to a real TCP listener, the configured
// DSCP/rate-limit/registry-janitor settings, a PortForwardHandler per
// client, and (if configured) S3 transcript archival, then blocks until
// ctx is canceled.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	key, err := config.LoadKey(cfg.Crypto)
	if err != nil {
		return fmt.Errorf("loading symmetric key: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.BytesPerSecondRaw > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.BytesPerSecondRaw), int(cfg.RateLimit.BurstBytesRaw))
	}

	var archiver *sessionlog.Archiver
	if cfg.Archival.Enabled() {
		archiver, err = sessionlog.New(ctx, sessionlog.Config{
			Bucket:          cfg.Archival.Bucket,
			Prefix:          cfg.Archival.Prefix,
			Region:          cfg.Archival.Region,
			Endpoint:        cfg.Archival.Endpoint,
			AccessKeyID:     cfg.Archival.AccessKeyID,
			SecretAccessKey: cfg.Archival.SecretAccessKey,
		}, logger)
		if err != nil {
			return fmt.Errorf("building session archiver: %w", err)
		}
	}

	health := NewHealthSampler(logger, "/")
	health.Start(30 * time.Second)
	defer health.Stop()

	sessions := newSessionTracker(archiver, cfg.Archival.MaxTranscriptMB, cfg.Logging.SessionLogDir, logger)

	scfg := Config{
		SymmetricKey:    key,
		ReplayCapacity:  cfg.Session.ReplayBufferRaw,
		DSCP:            cfg.DSCP,
		RateLimiter:     limiter,
		JanitorSchedule: cfg.Registry.JanitorSchedule,
		BrokenTTL:       cfg.Registry.BrokenTTL,
		OnNewClient:     sessions.onNewClient(health),
		OnTerminated:    sessions.onTerminated,
	}

	sc, err := New(scfg, logger)
	if err != nil {
		return fmt.Errorf("building server connection: %w", err)
	}

	if err := sc.StartJanitor(ctx); err != nil {
		return fmt.Errorf("starting registry janitor: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- sc.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
		sc.Shutdown()
		ln.Close()
		<-serveErr
		return nil
	case err := <-serveErr:
		return err
	}
}

// sessionTracker owns the per-client port-forward handler, transcript
// recorder, and dispatch-loop lifecycle, keyed by clientId so the
// OnTerminated hook (which only receives a clientId) can find the
// recorder to archive.
type sessionTracker struct {
	archiver      *sessionlog.Archiver
	maxBytes      int
	sessionLogDir string
	logger        *slog.Logger

	mu       sync.Mutex
	recorder map[int32]*sessionlog.Recorder
	logFiles map[int32]io.Closer
	stopChs  map[int32]chan struct{}
}

func newSessionTracker(archiver *sessionlog.Archiver, maxTranscriptMB int, sessionLogDir string, logger *slog.Logger) *sessionTracker {
	return &sessionTracker{
		archiver:      archiver,
		maxBytes:      maxTranscriptMB * 1024 * 1024,
		sessionLogDir: sessionLogDir,
		logger:        logger,
		recorder:      make(map[int32]*sessionlog.Recorder),
		logFiles:      make(map[int32]io.Closer),
		stopChs:       make(map[int32]chan struct{}),
	}
}

func (t *sessionTracker) onNewClient(health *HealthSampler) NewClientHook {
	return func(c *ServerClientConnection) bool {
		rec := sessionlog.NewRecorder(t.maxBytes)

		clientLogger, closer, _, err := logging.NewSessionLogger(t.logger, t.sessionLogDir, "client", strconv.Itoa(int(c.ClientID())))
		if err != nil {
			t.logger.Warn("opening per-client session log failed, continuing without it", "client_id", c.ClientID(), "error", err)
			clientLogger, closer = t.logger, io.NopCloser(nil)
		}

		stop := make(chan struct{})

		t.mu.Lock()
		t.recorder[c.ClientID()] = rec
		t.logFiles[c.ClientID()] = closer
		t.stopChs[c.ClientID()] = stop
		t.mu.Unlock()

		pf := forward.New(c, forward.Config{Logger: clientLogger})
		go func() {
			if err := forward.DispatchServerLoop(c, c, pf, health.Current, rec.Append, stop); err != nil {
				clientLogger.Debug("dispatch loop ended", "client_id", c.ClientID(), "error", err)
			}
		}()
		return true
	}
}

// onTerminated is registered as the ServerConnection's TerminatedHook. By
// the time it runs, removeClient has already called
// ServerClientConnection.shutdown, so the dispatch goroutine's blocked
// Connection.Read is already unblocking with ErrShutdown; closing stop
// here additionally short-circuits its between-packets stop check, and
// guards against the goroutine never having entered a blocking read yet.
func (t *sessionTracker) onTerminated(clientID int32) {
	t.mu.Lock()
	rec, ok := t.recorder[clientID]
	delete(t.recorder, clientID)
	closer, hasCloser := t.logFiles[clientID]
	delete(t.logFiles, clientID)
	stop, hasStop := t.stopChs[clientID]
	delete(t.stopChs, clientID)
	t.mu.Unlock()

	if hasStop {
		close(stop)
	}

	if hasCloser {
		closer.Close()
		logging.RemoveSessionLog(t.sessionLogDir, "client", strconv.Itoa(int(clientID)))
	}

	if !ok || t.archiver == nil {
		return
	}
	if err := t.archiver.Archive(context.Background(), clientID, time.Now(), rec.Bytes()); err != nil {
		t.logger.Warn("archiving session transcript failed", "client_id", clientID, "error", err)
	}
}
