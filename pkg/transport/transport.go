// Package transport opens the byte stream to an ESHET broker.
//
// Endpoints are written as "host", "host:port", "tcp://host:port", or as a
// websocket URL ("ws://host/path", "wss://host/path"). Over a websocket each
// binary message carries a slice of the same framed stream that would be sent
// over TCP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/tomjnixon/go-eshet/pkg/wire"
)

const (
	// DefaultPort is the broker's TCP port when an endpoint does not name one.
	DefaultPort = 11236
	// EnvServer names the environment variable holding the default endpoint.
	EnvServer = "ESHET_SERVER"
	// DefaultHost is used when EnvServer is not set.
	DefaultHost = "localhost"
)

var ErrInvalidEndpoint = errors.New("transport: invalid endpoint")

// Endpoint is a parsed broker address.
type Endpoint struct {
	// Scheme is "tcp", "ws" or "wss".
	Scheme string
	// Address is host:port for tcp endpoints.
	Address string
	// URL is the full URL for websocket endpoints.
	URL string
}

func (e Endpoint) String() string {
	if e.Scheme == "tcp" {
		return e.Address
	}
	return e.URL
}

// ParseEndpoint parses an endpoint descriptor.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
		switch u.Scheme {
		case "ws", "wss":
			if u.Host == "" {
				return Endpoint{}, fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, s)
			}
			return Endpoint{Scheme: u.Scheme, URL: u.String()}, nil
		case "tcp":
			s = u.Host
		default:
			return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
		}
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// No port given; bracketed IPv6 literals lose their brackets here.
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		port = strconv.Itoa(DefaultPort)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, s)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 0xffff {
		return Endpoint{}, fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, port)
	}
	return Endpoint{Scheme: "tcp", Address: net.JoinHostPort(host, port)}, nil
}

// FromEnv returns the endpoint descriptor from ESHET_SERVER, or DefaultHost.
func FromEnv() string {
	if s := os.Getenv(EnvServer); s != "" {
		return s
	}
	return DefaultHost
}

// Dialer opens connections to a broker.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (net.Conn, error)
}

// DefaultDialer dials tcp endpoints with net.Dialer and websocket endpoints
// with coder/websocket.
type DefaultDialer struct {
	Net       net.Dialer
	WSOptions *websocket.DialOptions
}

func (d *DefaultDialer) Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	switch ep.Scheme {
	case "tcp":
		return d.Net.DialContext(ctx, "tcp", ep.Address)
	case "ws", "wss":
		c, resp, err := websocket.Dial(ctx, ep.URL, d.WSOptions)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("transport: websocket dial %s: %w (status: %s)", ep.URL, err, resp.Status)
			}
			return nil, fmt.Errorf("transport: websocket dial %s: %w", ep.URL, err)
		}
		c.SetReadLimit(wire.MaxFrameLen)
		// The returned net.Conn outlives ctx, which only bounds the dial.
		return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, ep.Scheme)
	}
}
