// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package forward

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/etrelay/etr/internal/protocol"
)

// dialTimeout bounds how long the destination side waits for a tunneled
// dial before giving up and reporting an error back to the source.
const dialTimeout = 10 * time.Second

// Dialer opens the real destination socket a ForwardDestinationHandler
// forwards to. Tests substitute a fake Dialer in place of DialEndpoint.
type Dialer func(e protocol.Endpoint) (net.Conn, error)

// DialEndpoint is the default Dialer: a named endpoint dials a UNIX
// socket at that path, a host:port endpoint tries "::1" and then
// "127.0.0.1" (the reference implementation's preference order) when the
// configured host is empty, otherwise dials Host directly.
func DialEndpoint(e protocol.Endpoint) (net.Conn, error) {
	if e.IsNamed() {
		return net.DialTimeout("unix", e.Name, dialTimeout)
	}

	host := e.Host
	if host != "" {
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", e.Port))
		return net.DialTimeout("tcp", addr, dialTimeout)
	}

	var lastErr error
	for _, candidate := range []string{"::1", "127.0.0.1"} {
		addr := net.JoinHostPort(candidate, fmt.Sprintf("%d", e.Port))
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("forward: no destination candidates")
	}
	return nil, lastErr
}
