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

// Package lmtp implements the LMTP session state machine on top of
// github.com/emersion/go-smtp in LMTP mode, with a Backend/Session whose
// *smtp.SMTPError values carry exact literal codes, enhanced codes and
// message text. Downstream MTAs parse these lines, so they are a
// wire-interop contract and not a place for "nicer" library defaults.
package lmtp

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/mailstacks/lmtpd/framework/log"
	"github.com/mailstacks/lmtpd/internal/recipient"
)

// DeliveryStatus is the outcome the delivery orchestrator reports for one
// accepted recipient, driving the literal per-recipient DATA response.
type DeliveryStatus int

const (
	StatusOK DeliveryStatus = iota
	StatusQuotaExceeded
	StatusTemporarilyUnavailable
	StatusInternalError
	StatusExpired
)

// Deliverer is implemented by the delivery orchestrator (C11); it takes
// ownership of tmpFile (and is responsible for removing it once every
// recipient has been processed).
type Deliverer interface {
	Deliver(ctx context.Context, tmpFile string, mailFrom string, group recipient.Group) (map[*recipient.Recipient]DeliveryStatus, error)
}

// Backend adapts Deliverer + recipient.Directory into a go-smtp Backend
// running in LMTP mode.
type Backend struct {
	Log       log.Logger
	Dir       recipient.Resolver
	Deliverer Deliverer
	TempDir   string
	Hostname  string
}

func (b *Backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &Session{
		b:   b,
		log: b.Log,
	}, nil
}

// Session implements the command state machine: START -> HELLO (handled by
// go-smtp's LHLO negotiation) -> MAIL -> RCPT -> DATA -> {RCPT,MAIL,QUIT}.
type Session struct {
	b   *Backend
	log log.Logger

	mu       sync.Mutex
	mailFrom string
	grouper  *recipient.Grouper
	// ordered preserves RCPT TO acceptance order; DATA-phase responses
	// must follow it exactly.
	ordered []*recipient.Recipient
}

var errBadSender = &smtp.SMTPError{
	Code:         503,
	EnhancedCode: smtp.EnhancedCode{5, 1, 7},
	Message:      "Bad sender's mailbox address syntax",
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from == "" {
		return errBadSender
	}
	s.mailFrom = from
	s.grouper = recipient.NewGrouper(s.b.Dir)
	s.ordered = nil
	return nil
}

func (s *Session) AuthPlain(username, password string) error {
	return smtp.ErrAuthUnsupported
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grouper == nil {
		return errBadSender
	}

	r, status := s.grouper.Add(context.Background(), to, "%s Ok")
	switch status {
	case recipient.StatusResolved:
		s.ordered = append(s.ordered, r)
		return nil
	case recipient.StatusAmbiguous:
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 1, 4},
			Message:      "Destination mailbox address ambiguous",
		}
	case recipient.StatusNotFound:
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "User does not exist",
		}
	default:
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Connection error: directory unavailable",
		}
	}
}

func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailFrom = ""
	s.grouper = nil
	s.ordered = nil
}

func (s *Session) Logout() error {
	return nil
}

var errInternal = &smtp.SMTPError{
	Code:         503,
	EnhancedCode: smtp.EnhancedCode{5, 1, 1},
	Message:      "Internal error",
}

// bufferToTempFile writes r to a fresh temp file, prepending synthesized
// Return-Path and Received headers. Dot de-stuffing (stripping exactly one
// leading dot) is already done by go-smtp's DATA reader.
func (s *Session) bufferToTempFile(r io.Reader, rcptSMTPs []string) (string, error) {
	f, err := os.CreateTemp(s.b.TempDir, "lmtpd-data-*.eml")
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	fmt.Fprintf(f, "Return-Path: <%s>\r\n", s.mailFrom)
	fmt.Fprintf(f, "Received: from %s by %s (lmtpd) with LMTP id %s for %s; %s\r\n",
		s.mailFrom, s.b.Hostname, id, strings.Join(rcptSMTPs, ", "), time.Now().Format(time.RFC1123Z))

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (s *Session) Data(r io.Reader) error {
	// Plain (non-LMTP) SMTP is never used by this endpoint; LMTPData below
	// is the only path go-smtp calls when Server.LMTP is true.
	return errInternal
}

func (s *Session) LMTPData(r io.Reader, sc smtp.StatusCollector) error {
	s.mu.Lock()
	mailFrom := s.mailFrom
	ordered := append([]*recipient.Recipient{}, s.ordered...)
	grouper := s.grouper
	s.mu.Unlock()

	rcptSMTPs := make([]string, 0, len(ordered))
	for _, r := range ordered {
		rcptSMTPs = append(rcptSMTPs, r.SMTP)
	}

	tmpFile, err := s.bufferToTempFile(r, rcptSMTPs)
	if err != nil {
		s.log.Error("failed to buffer DATA to temp file", err)
		for _, rcpt := range ordered {
			for _, alias := range rcpt.RawAliases {
				sc.SetStatus(alias, errInternal)
			}
		}
		return nil
	}

	results, err := s.b.Deliverer.Deliver(context.Background(), tmpFile, mailFrom, grouper.Group())
	if err != nil {
		s.log.Error("delivery orchestrator failed", err)
		for _, rcpt := range ordered {
			for _, alias := range rcpt.RawAliases {
				sc.SetStatus(alias, errInternal)
			}
		}
		return nil
	}

	for _, rcpt := range ordered {
		status := results[rcpt]
		rcptErr := statusToSMTPError(status, rcpt.StatusTemplate, rcpt.SMTP)
		for _, alias := range rcpt.RawAliases {
			sc.SetStatus(alias, rcptErr)
		}
	}
	return nil
}

// statusToSMTPError maps a DeliveryStatus to the literal per-recipient
// response line, substituting the recipient address into the printf-style
// template captured at RCPT time. Downstream MTAs parse these lines, so
// the text is part of the wire contract.
func statusToSMTPError(status DeliveryStatus, tmpl, smtpAddr string) error {
	if tmpl == "" {
		tmpl = "%s Ok"
	}

	switch status {
	case StatusOK:
		return &smtp.SMTPError{Code: 250, EnhancedCode: smtp.EnhancedCode{2, 1, 5},
			Message: fmt.Sprintf(tmpl, smtpAddr)}
	case StatusQuotaExceeded:
		return &smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 2, 2},
			Message: fmt.Sprintf("%s Quota exceeded", smtpAddr)}
	case StatusTemporarilyUnavailable:
		return &smtp.SMTPError{Code: 450, EnhancedCode: smtp.EnhancedCode{4, 2, 0},
			Message: fmt.Sprintf("%s Mailbox temporarily unavailable", smtpAddr)}
	case StatusExpired:
		return &smtp.SMTPError{Code: 250, EnhancedCode: smtp.EnhancedCode{2, 4, 7},
			Message: fmt.Sprintf("%s Delivery time expired", smtpAddr)}
	default:
		return &smtp.SMTPError{Code: 503, EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message: "Internal error"}
	}
}
