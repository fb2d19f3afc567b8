package agentio

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Dialer connects to an agent endpoint and returns its duplex stream.
// The container lifecycle manager owns starting the sandbox; the
// gateway only dials the endpoint it is given.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Stream, error)
}

// NetDialer dials agent endpoints of the form "tcp://host:port" or
// "unix:///path/to.sock".
type NetDialer struct {
	Timeout time.Duration
}

// Dial connects to the endpoint and wraps the connection as a
// line-framed Stream.
func (d *NetDialer) Dial(ctx context.Context, endpoint string) (Stream, error) {
	network, addr, err := splitEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial agent %s: %w", endpoint, err)
	}
	return NewStream(conn), nil
}

func splitEndpoint(endpoint string) (network, addr string, err error) {
	switch {
	case strings.HasPrefix(endpoint, "tcp://"):
		return "tcp", strings.TrimPrefix(endpoint, "tcp://"), nil
	case strings.HasPrefix(endpoint, "unix://"):
		return "unix", strings.TrimPrefix(endpoint, "unix://"), nil
	default:
		return "", "", fmt.Errorf("unsupported agent endpoint %q", endpoint)
	}
}
