/*
lmtpd - concurrent LMTP delivery agent and search folder engine.
Copyright © 2019-2026 lmtpd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package listener binds the LMTP endpoint's sockets: every address listed
// in lmtp_listen plus the optional legacy server_bind/lmtp_port pair, with
// optional PROXY protocol unwrapping, an optional SO_BINDTODEVICE device,
// and accept-side backpressure once the session cap is reached.
package listener

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/mailstacks/lmtpd/framework/config"
	"github.com/mailstacks/lmtpd/framework/log"
	"github.com/mailstacks/lmtpd/internal/proxy_protocol"
)

// DefaultMaxSessions is the lmtp_max_threads default.
const DefaultMaxSessions = 20

// backpressurePause is how long Accept sleeps when the session cap is
// reached before checking again.
const backpressurePause = 100 * time.Millisecond

// Endpoint owns the bound sockets and the LMTP server loop.
type Endpoint struct {
	Log log.Logger

	serv        *smtp.Server
	maxSessions int
	device      string
	proxy       *proxy_protocol.ProxyProtocol
	tlsConfig   *tls.Config

	sem chan struct{}

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// Config wires one Endpoint.
type Config struct {
	Log         log.Logger
	Backend     smtp.Backend
	Hostname    string
	MaxSessions int
	Device      string
	Proxy       *proxy_protocol.ProxyProtocol
	TLSConfig   *tls.Config

	// ReadTimeout is the per-read idle timeout handed to the SMTP server
	// (one minute when zero). The session is closed on the first read that
	// exceeds it; consecutive timeouts are not counted or tolerated.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxMessageBytes int64
}

// New builds an Endpoint around backend; call Listen to bind and serve.
func New(cfg Config) *Endpoint {
	serv := smtp.NewServer(cfg.Backend)
	serv.LMTP = true
	serv.Domain = cfg.Hostname
	serv.EnableSMTPUTF8 = true
	serv.ErrorLog = cfg.Log
	if cfg.ReadTimeout != 0 {
		serv.ReadTimeout = cfg.ReadTimeout
	} else {
		serv.ReadTimeout = time.Minute
	}
	if cfg.WriteTimeout != 0 {
		serv.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.MaxMessageBytes != 0 {
		serv.MaxMessageBytes = cfg.MaxMessageBytes
	}

	max := cfg.MaxSessions
	if max <= 0 {
		max = DefaultMaxSessions
	}

	return &Endpoint{
		Log:         cfg.Log,
		serv:        serv,
		maxSessions: max,
		device:      cfg.Device,
		proxy:       cfg.Proxy,
		tlsConfig:   cfg.TLSConfig,
		sem:         make(chan struct{}, max),
	}
}

// Listen binds every address and starts serving. Addresses use the
// endpoint URL forms (lmtp://host:port, lmtp+unix:///path, tcp://...).
func (e *Endpoint) Listen(addrs []string) error {
	for _, addr := range addrs {
		u := addr
		switch {
		case strings.HasPrefix(u, "lmtp+unix://"):
			u = "unix://" + strings.TrimPrefix(u, "lmtp+unix://")
		case strings.HasPrefix(u, "lmtp://"):
			u = "tcp://" + strings.TrimPrefix(u, "lmtp://")
		}
		endp, err := config.ParseEndpoint(u)
		if err != nil {
			return fmt.Errorf("listener: invalid address %q: %w", addr, err)
		}

		l, err := e.listen(endp)
		if err != nil {
			e.Close()
			return fmt.Errorf("listener: %w", err)
		}
		e.Log.Printf("listening on %v", addr)

		if endp.IsTLS() {
			if e.tlsConfig == nil {
				l.Close()
				e.Close()
				return fmt.Errorf("listener: %s requires TLS configuration", addr)
			}
			l = tls.NewListener(l, e.tlsConfig)
		}
		if e.proxy != nil {
			l = proxy_protocol.NewListener(l, e.proxy, e.Log)
		}
		l = &capListener{Listener: l, sem: e.sem}

		e.mu.Lock()
		e.listeners = append(e.listeners, l)
		e.mu.Unlock()

		e.wg.Add(1)
		go func(addr string) {
			defer e.wg.Done()
			if err := e.serv.Serve(l); err != nil && !isClosedErr(err) {
				e.Log.Printf("failed to serve %s: %s", addr, err)
			}
		}(addr)
	}
	return nil
}

// Close stops accepting, closes all sockets and waits for the serve loops
// to return. In-flight sessions are shut down by the server itself.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	for _, l := range e.listeners {
		l.Close()
	}
	e.listeners = nil
	e.mu.Unlock()
	e.wg.Wait()
	return e.serv.Close()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// capListener enforces the session cap: when maxSessions connections are
// live, Accept sleeps briefly and retries instead of handing out more.
type capListener struct {
	net.Listener
	sem chan struct{}
}

func (l *capListener) Accept() (net.Conn, error) {
	for {
		select {
		case l.sem <- struct{}{}:
		default:
			time.Sleep(backpressurePause)
			continue
		}

		conn, err := l.Listener.Accept()
		if err != nil {
			<-l.sem
			return nil, err
		}
		return &countedConn{Conn: conn, sem: l.sem}, nil
	}
}

type countedConn struct {
	net.Conn
	sem  chan struct{}
	once sync.Once
}

func (c *countedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { <-c.sem })
	return err
}
