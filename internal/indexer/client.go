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

// Package indexer is a stateful client for the external full-text indexer's
// line-oriented Unix-socket protocol: one command per line, replies
// terminated by a blank line.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mailstacks/lmtpd/internal/channel"
	"github.com/mailstacks/lmtpd/internal/restriction"
)

// ErrNetwork is returned for any I/O failure talking to the indexer.
var ErrNetwork = errors.New("indexer: network error")

// ErrBadValue is returned when the indexer's reply violates the protocol
// (an unexpected non-empty response to a command that should produce
// none, or a malformed numeric field).
var ErrBadValue = errors.New("indexer: bad value")

// Client is a single-use connection to the indexer socket: it is stateless
// across independent Query calls, and callers reconnect opportunistically
// rather than holding a long-lived session.
type Client struct {
	sockPath string
	timeout  time.Duration
}

// New returns a Client that dials sockPath fresh for every command
// sequence, with timeout applied to the whole round trip.
func New(sockPath string, timeout time.Duration) *Client {
	return &Client{sockPath: sockPath, timeout: timeout}
}

// conn is one Unix-socket session, torn down at the end of each exported
// Client method.
type conn struct {
	ch *channel.Channel
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "unix", c.sockPath)
	if err != nil {
		return nil, countErr(fmt.Errorf("%w: %v", ErrNetwork, err))
	}
	return &conn{ch: channel.New(nc)}, nil
}

func (c *Client) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.timeout)
}

// doCmd sends line and reads the blank-line-terminated reply as a list of
// non-empty lines.
func (cn *conn) doCmd(ctx context.Context, line string) ([]string, error) {
	cmd, _, _ := strings.Cut(line, " ")
	indexerRequests.WithLabelValues(cmd).Inc()
	if err := cn.ch.WriteLine(line); err != nil {
		return nil, countErr(fmt.Errorf("%w: %v", ErrNetwork, err))
	}
	var reply []string
	for {
		l, err := cn.ch.ReadLine(ctx)
		if err != nil {
			return nil, countErr(fmt.Errorf("%w: %v", ErrNetwork, err))
		}
		if l == "" {
			break
		}
		reply = append(reply, l)
	}
	return reply, nil
}

// Props returns the set of property ids the indexer can search.
func (c *Client) Props(ctx context.Context) ([]uint16, error) {
	cn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer cn.ch.Close()

	cctx, cancel := c.ctx(ctx)
	defer cancel()

	resp, err := cn.doCmd(cctx, "PROPS")
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, nil
	}
	fields := strings.Fields(resp[0])
	ids := make([]uint16, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 16)
		if err != nil {
			return nil, countErr(fmt.Errorf("%w: malformed PROPS field %q", ErrBadValue, f))
		}
		ids = append(ids, uint16(n))
	}
	return ids, nil
}

// Query runs a full scope+find+suggest+query round trip against folders,
// ANDing every term in terms, and returns matching object ids plus an
// optional spelling suggestion (empty if none).
func (c *Client) Query(ctx context.Context, serverGUID, storeGUID string, folders []uint32, terms []restriction.IndexTerm) (matches []uint32, suggestion string, err error) {
	cn, err := c.dial(ctx)
	if err != nil {
		return nil, "", err
	}
	defer cn.ch.Close()

	cctx, cancel := c.ctx(ctx)
	defer cancel()

	if err := c.scope(cctx, cn, serverGUID, storeGUID, folders); err != nil {
		return nil, "", err
	}
	for _, t := range terms {
		if err := c.find(cctx, cn, t); err != nil {
			return nil, "", err
		}
	}
	suggestion, err = c.suggest(cctx, cn)
	if err != nil {
		return nil, "", err
	}
	matches, err = c.query(cctx, cn)
	if err != nil {
		return nil, "", err
	}
	return matches, suggestion, nil
}

func (c *Client) scope(ctx context.Context, cn *conn, serverGUID, storeGUID string, folders []uint32) error {
	parts := make([]string, 0, len(folders))
	for _, f := range folders {
		parts = append(parts, strconv.FormatUint(uint64(f), 10))
	}
	line := "SCOPE " + serverGUID + " " + storeGUID
	if len(parts) > 0 {
		line += " " + strings.Join(parts, " ")
	}
	resp, err := cn.doCmd(ctx, line)
	if err != nil {
		return err
	}
	if len(resp) != 0 {
		return countErr(ErrBadValue)
	}
	return nil
}

func (c *Client) find(ctx context.Context, cn *conn, t restriction.IndexTerm) error {
	parts := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		parts = append(parts, strconv.FormatUint(uint64(f), 10))
	}
	line := "FIND " + strings.Join(parts, " ") + ":" + t.Term
	resp, err := cn.doCmd(ctx, line)
	if err != nil {
		return err
	}
	if len(resp) != 0 {
		return countErr(ErrBadValue)
	}
	return nil
}

// suggest returns the single spell-suggestion reply line with its leading
// space stripped, mirroring the indexer's own convention of prefixing the
// suggestion with a separator space.
func (c *Client) suggest(ctx context.Context, cn *conn) (string, error) {
	resp, err := cn.doCmd(ctx, "SUGGEST")
	if err != nil {
		return "", err
	}
	if len(resp) == 0 {
		return "", nil
	}
	s := resp[0]
	if strings.HasPrefix(s, " ") {
		s = s[1:]
	}
	return s, nil
}

func (c *Client) query(ctx context.Context, cn *conn) ([]uint32, error) {
	resp, err := cn.doCmd(ctx, "QUERY")
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, nil
	}
	fields := strings.Fields(resp[0])
	ids := make([]uint32, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, countErr(fmt.Errorf("%w: malformed QUERY field %q", ErrBadValue, f))
		}
		ids = append(ids, uint32(n))
	}
	return ids, nil
}

// SyncRun blocks until the indexer has caught up with all prior updates.
func (c *Client) SyncRun(ctx context.Context) error {
	cn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer cn.ch.Close()

	cctx, cancel := c.ctx(ctx)
	defer cancel()

	_, err = cn.doCmd(cctx, "SYNCRUN")
	return err
}
