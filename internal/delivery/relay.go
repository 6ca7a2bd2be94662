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

package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mailstacks/lmtpd/framework/log"
	"github.com/mailstacks/lmtpd/internal/endpoint/lmtp"
	"github.com/mailstacks/lmtpd/internal/recipient"
)

// Relay forwards a buffered message to a recipient's home-server over
// LMTP, for shards whose mailboxes live on a different storage node. The
// hop authenticates with SASL PLAIN when credentials are configured.
type Relay struct {
	Log      log.Logger
	Hostname string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	TLSConfig *tls.Config

	// Username/Password authenticate the server-to-server hop; both empty
	// disables AUTH.
	Username string
	Password string
}

// dialServer parses a home-server URL (lmtp://host:port, lmtps://host:port
// or lmtp+unix:///path) and opens the client connection.
func (rl *Relay) dialServer(ctx context.Context, serverURL string) (*smtp.Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("relay: malformed home-server URL %q: %w", serverURL, err)
	}

	timeout := rl.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}

	var conn net.Conn
	switch u.Scheme {
	case "lmtp+unix":
		conn, err = dialer.DialContext(ctx, "unix", u.Path)
	case "lmtps":
		conn, err = dialer.DialContext(ctx, "tcp", u.Host)
		if err == nil {
			cfg := rl.TLSConfig.Clone()
			if cfg == nil {
				cfg = &tls.Config{}
			}
			cfg.ServerName = u.Hostname()
			conn = tls.Client(conn, cfg)
		}
	default:
		conn, err = dialer.DialContext(ctx, "tcp", u.Host)
	}
	if err != nil {
		return nil, err
	}

	cl := smtp.NewClientLMTP(conn)
	if rl.CommandTimeout != 0 {
		cl.CommandTimeout = rl.CommandTimeout
	}

	if err := cl.Hello(rl.Hostname); err != nil {
		cl.Close()
		return nil, err
	}
	if rl.Username != "" {
		if err := cl.Auth(sasl.NewPlainClient("", rl.Username, rl.Password)); err != nil {
			cl.Close()
			return nil, err
		}
	}
	return cl, nil
}

// Forward relays raw to every recipient in rcpts via serverURL and maps
// each per-recipient LMTP reply back onto a DeliveryStatus.
func (rl *Relay) Forward(ctx context.Context, serverURL, mailFrom string, rcpts []*recipient.Recipient, raw []byte) (map[*recipient.Recipient]lmtp.DeliveryStatus, error) {
	cl, err := rl.dialServer(ctx, serverURL)
	if err != nil {
		return nil, err
	}
	defer cl.Close()

	if err := cl.Mail(mailFrom, &smtp.MailOptions{}); err != nil {
		return nil, err
	}

	accepted := make([]*recipient.Recipient, 0, len(rcpts))
	result := map[*recipient.Recipient]lmtp.DeliveryStatus{}
	bySMTP := map[string]*recipient.Recipient{}
	for _, r := range rcpts {
		if err := cl.Rcpt(r.SMTP, &smtp.RcptOptions{}); err != nil {
			rl.Log.Error("relay recipient rejected", err, "rcpt", r.SMTP, "server", serverURL)
			result[r] = statusFromSMTPErr(err)
			continue
		}
		accepted = append(accepted, r)
		bySMTP[r.SMTP] = r
	}
	if len(accepted) == 0 {
		return result, nil
	}

	wc, err := cl.LMTPData(func(rcpt string, status *smtp.SMTPError) {
		r, ok := bySMTP[rcpt]
		if !ok {
			return
		}
		if status == nil {
			result[r] = lmtp.StatusOK
			return
		}
		result[r] = statusFromSMTPErr(status)
	})
	if err != nil {
		return result, err
	}
	if _, err := bytes.NewReader(raw).WriteTo(wc); err != nil {
		wc.Close()
		return result, err
	}
	if err := wc.Close(); err != nil && !errors.As(err, new(*smtp.SMTPError)) {
		return result, err
	}

	// Anything the callback never saw is treated as accepted: the server
	// replied 250 without an enhanced status the library could attribute.
	for _, r := range accepted {
		if _, ok := result[r]; !ok {
			result[r] = lmtp.StatusOK
		}
	}
	return result, nil
}

func statusFromSMTPErr(err error) lmtp.DeliveryStatus {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return lmtp.StatusTemporarilyUnavailable
	}
	switch {
	case smtpErr.Code == 552:
		return lmtp.StatusQuotaExceeded
	case smtpErr.Code/100 == 4:
		return lmtp.StatusTemporarilyUnavailable
	case smtpErr.Code == 250 && smtpErr.EnhancedCode == (smtp.EnhancedCode{2, 4, 7}):
		return lmtp.StatusExpired
	case smtpErr.Code/100 == 2:
		return lmtp.StatusOK
	default:
		return lmtp.StatusInternalError
	}
}
