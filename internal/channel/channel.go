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

// Package channel provides a full-duplex line-oriented network duplex used
// by the indexer client. The LMTP
// session itself is driven by github.com/emersion/go-smtp, which owns its
// own line reader; Channel exists for the protocols the pack has no
// library for.
package channel

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"
)

// ErrTooManyTimeouts is returned by ReadLine once the channel has seen
// MaxConsecutiveTimeouts idle timeouts in a row; the caller is expected to
// close the connection.
var ErrTooManyTimeouts = errors.New("channel: too many consecutive idle timeouts")

// ErrLineTooLong is returned when a peer sends a line exceeding MaxLineLength
// without a terminating CRLF.
var ErrLineTooLong = errors.New("channel: line exceeds maximum length")

const (
	// MaxLineLength bounds a single ReadLine call, guarding against a peer
	// that never sends a line terminator.
	MaxLineLength = 8192

	// IdleTimeout is the per-read deadline; it is refreshed on every
	// successful read so only genuinely idle connections trip it.
	IdleTimeout = 60 * time.Second

	// MaxConsecutiveTimeouts is the number of back-to-back idle timeouts
	// tolerated before the channel gives up on the peer.
	MaxConsecutiveTimeouts = 10
)

// Channel wraps a net.Conn with CRLF line I/O, an idle-timeout policy and
// optional in-place TLS upgrade.
type Channel struct {
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	tmoCnt int
}

// New wraps conn in a Channel.
func New(conn net.Conn) *Channel {
	return &Channel{
		conn: conn,
		r:    bufio.NewReaderSize(conn, MaxLineLength),
		w:    bufio.NewWriter(conn),
	}
}

// Conn returns the underlying connection.
func (c *Channel) Conn() net.Conn { return c.conn }

// ReadLine reads a single CRLF-terminated line, with the terminator
// stripped. It refreshes the idle-read deadline on every call and returns
// ErrTooManyTimeouts once MaxConsecutiveTimeouts have elapsed in a row
// without any data arriving.
func (c *Channel) ReadLine(ctx context.Context) (string, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Now().Add(IdleTimeout))
	}

	buf, err := c.r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", ErrLineTooLong
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.tmoCnt++
			if c.tmoCnt >= MaxConsecutiveTimeouts {
				return "", ErrTooManyTimeouts
			}
			return "", netErr
		}
		return "", err
	}
	c.tmoCnt = 0

	line := trimCRLF(string(buf))
	return line, nil
}

func trimCRLF(s string) string {
	n := len(s)
	for n > 0 && (s[n-1] == '\n' || s[n-1] == '\r') {
		n--
	}
	return s[:n]
}

// WriteLine writes s followed by CRLF and flushes immediately.
func (c *Channel) WriteLine(s string) error {
	if _, err := c.w.WriteString(s); err != nil {
		return err
	}
	if _, err := c.w.WriteString("\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// ReadBytes reads exactly n bytes.
func (c *Channel) ReadBytes(ctx context.Context, n int) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Now().Add(IdleTimeout))
	}
	buf := make([]byte, n)
	_, err := readFull(c.r, buf)
	return buf, err
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// StartTLS upgrades the connection in place. LMTP does not require TLS but
// the protocol allows negotiating it.
func (c *Channel) StartTLS(cfg *tls.Config) error {
	tlsConn := tls.Server(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.conn = tlsConn
	c.r = bufio.NewReaderSize(tlsConn, MaxLineLength)
	c.w = bufio.NewWriter(tlsConn)
	return nil
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
