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

// Package autoreply implements the out-of-office auto-responder gate and
// the meeting-request auto-accept/auto-process dispatcher. External
// (argv/env construction, non-fatal exit status), generalized from
// "spam-check script" to "auto-accept/auto-process/autoresponder script".
package autoreply

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mailstacks/lmtpd/framework/log"
	"github.com/mailstacks/lmtpd/internal/store"
)

// ClassMeetingRequest and friends are the IPM.Schedule.Meeting.*
// message classes recognised by the auto-accept dispatcher.
const (
	ClassMeetingRequest  = "IPM.Schedule.Meeting.Request"
	ClassMeetingCanceled = "IPM.Schedule.Meeting.Canceled"
	ClassMeetingPrefix   = "IPM.Schedule.Meeting."
)

var (
	prMessageClass       = store.NewPropTag(0x001a, store.PTString)
	prResponseRequested  = store.NewPropTag(0x0063, store.PTBool)
	prDelegatedByRule    = store.NewPropTag(0x6a19, store.PTBool)
)

// Config bundles the administrator-configured script paths and behaviour
// switches for C8.
type Config struct {
	Log log.Logger

	AutoAcceptScript  string
	AutoProcessScript string
	AutoResponderScript string
}

// IsOOFActive reports whether o is currently in effect; a missing bound
// is treated as unbounded.
func IsOOFActive(o store.OOFSettings, now time.Time) bool {
	if !o.Active {
		return false
	}
	n := now.Unix()
	if o.From != 0 && n < o.From {
		return false
	}
	if o.Until != 0 && n > o.Until {
		return false
	}
	return true
}

// IsJunk reports whether folder is the target's junk folder (callers pass
// this through from the delivery orchestrator's mode computation), used to
// suppress the OOF reply for junk deliveries.
type DeliveryContext struct {
	IsJunk bool
}

// ShouldSendOOF applies the OOF gate: skip for JUNK deliveries, skip
// for messages stamped PR_DELEGATED_BY_RULE, skip per the RFC 3834 loop
// guard, and require OOF to be active.
func ShouldSendOOF(ctx context.Context, msg store.Message, oof store.OOFSettings, dc DeliveryContext, now time.Time, transportHeaders string) (bool, error) {
	if dc.IsJunk {
		return false, nil
	}
	props, err := msg.GetProps(ctx, []store.PropTag{prDelegatedByRule})
	if err != nil {
		return false, err
	}
	if props[prDelegatedByRule].Bool {
		return false, nil
	}
	if loopGuardSuppresses(transportHeaders) {
		return false, nil
	}
	return IsOOFActive(oof, now), nil
}

// loopGuardSuppresses reuses the same RFC 3834 stop-list semantics as the
// rule engine's reply guard, which the OOF gate must also honour so an
// incoming auto-reply never triggers a second one.
func loopGuardSuppresses(transportHeaders string) bool {
	for _, line := range strings.Split(transportHeaders, "\n") {
		lower := strings.ToLower(strings.TrimRight(line, "\r"))
		if name, _, ok := strings.Cut(lower, ":"); ok {
			switch strings.TrimSpace(name) {
			case "x-kopano-vacation", "auto-submitted", "precedence",
				"list-id", "list-help", "list-subscribe", "list-unsubscribe",
				"list-post", "list-owner", "list-archive":
				return true
			}
		}
		for _, prefix := range []string{"x-spam-flag: yes", "x-is-junk: yes", "x-amazon", "x-linkedin"} {
			if strings.HasPrefix(lower, prefix) {
				return true
			}
		}
	}
	return false
}

// IsMeetingRequestNeedingAccept reports whether msg should be routed to
// auto-accept: an IPM.Schedule.Meeting.Request with PR_RESPONSE_REQUESTED
// true, or an IPM.Schedule.Meeting.Canceled, and AND'd by the caller with
// the store's auto-accept flag.
func IsMeetingRequestNeedingAccept(ctx context.Context, msg store.Message) (bool, error) {
	props, err := msg.GetProps(ctx, []store.PropTag{prMessageClass, prResponseRequested})
	if err != nil {
		return false, err
	}
	class := props[prMessageClass].Str
	switch {
	case class == ClassMeetingRequest:
		return props[prResponseRequested].Bool, nil
	case class == ClassMeetingCanceled:
		return true, nil
	default:
		return false, nil
	}
}

// IsMeetingFamily reports whether msg's class is any IPM.Schedule.Meeting.*
// member, for the broader auto-process gate.
func IsMeetingFamily(ctx context.Context, msg store.Message) (bool, error) {
	props, err := msg.GetProps(ctx, []store.PropTag{prMessageClass})
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(props[prMessageClass].Str, ClassMeetingPrefix), nil
}

// RunHelper invokes path with argv and extra environment variables. The
// exit status is observed only to log a non-fatal warning; a failing
// helper never fails the delivery that spawned it.
func RunHelper(ctx context.Context, lg log.Logger, path string, argv []string, env []string) error {
	if path == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, path, argv...)
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		lg.Error("auto-reply/accept helper exited non-zero", err, "path", path, "stderr", stderr.String())
		return nil
	}
	return nil
}

// AutoAccept saves a copy of msg (living in src) under the root folder,
// invokes the auto-accept helper with (user, config-path, entry-id-hex),
// then deletes the copy regardless of helper outcome.
func AutoAccept(ctx context.Context, cfg Config, src, root store.Folder, msg store.Message, user, configPath string) error {
	if cfg.AutoAcceptScript == "" {
		return nil
	}

	copyMsg, err := src.Copy(ctx, msg.ID(), root)
	if err != nil {
		return fmt.Errorf("autoreply: copy for auto-accept: %w", err)
	}

	entryIDHex := fmt.Sprintf("%x", []byte(copyMsg.ID()))
	err = RunHelper(ctx, cfg.Log, cfg.AutoAcceptScript, []string{user, configPath, entryIDHex}, nil)

	if delErr := root.Delete(ctx, copyMsg.ID()); delErr != nil {
		cfg.Log.Error("failed to remove auto-accept scratch copy", delErr)
	}
	return err
}

// AutoProcess mirrors AutoAccept for the broader IPM.Schedule.Meeting.*
// family when auto-process is enabled on the store.
func AutoProcess(ctx context.Context, cfg Config, src, root store.Folder, msg store.Message, user, configPath string) error {
	if cfg.AutoProcessScript == "" {
		return nil
	}

	copyMsg, err := src.Copy(ctx, msg.ID(), root)
	if err != nil {
		return fmt.Errorf("autoreply: copy for auto-process: %w", err)
	}

	entryIDHex := fmt.Sprintf("%x", []byte(copyMsg.ID()))
	err = RunHelper(ctx, cfg.Log, cfg.AutoProcessScript, []string{user, configPath, entryIDHex}, nil)

	if delErr := root.Delete(ctx, copyMsg.ID()); delErr != nil {
		cfg.Log.Error("failed to remove auto-process scratch copy", delErr)
	}
	return err
}

// base64WrapWidth is the RFC 2045 line-wrap width used for the OOF body.
const base64WrapWidth = 76

func wrapBase64(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i += base64WrapWidth {
		end := i + base64WrapWidth
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
		b.WriteString("\r\n")
	}
	return b.String()
}

// ComposeParams bundles the inputs to ComposeReplyMessage.
type ComposeParams struct {
	RecipientSMTP string
	SenderSMTP    string
	OriginalSubject string
	Subject       string // user-configured OOF subject; empty means default
	BodyText      string
	Now           time.Time
}

// ComposeReplyMessage builds the RFC 5322 text of the OOF auto-reply,
// wrapping the base64 body at 76 columns. The header list is fixed: the
// RFC 3834 markers are what other responders key their own suppression on.
func ComposeReplyMessage(p ComposeParams) string {
	subject := p.Subject
	if subject == "" {
		subject = "Out of office"
	}
	if p.OriginalSubject != "" {
		subject = fmt.Sprintf("%s [%s]", subject, p.OriginalSubject)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Return-Path: <>\r\n")
	fmt.Fprintf(&b, "Received: from localhost by lmtpd (auto-reply)\r\n")
	fmt.Fprintf(&b, "From: <%s>\r\n", p.RecipientSMTP)
	fmt.Fprintf(&b, "To: <%s>\r\n", p.SenderSMTP)
	fmt.Fprintf(&b, "X-Kopano-Vacation: autorespond\r\n")
	fmt.Fprintf(&b, "X-Auto-Response-Suppress: All\r\n")
	fmt.Fprintf(&b, "Precedence: bulk\r\n")
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", p.Now.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Transfer-Encoding: base64\r\n")
	b.WriteString("\r\n")
	b.WriteString(wrapBase64(base64.StdEncoding.EncodeToString([]byte(p.BodyText))))
	return b.String()
}

// SendOOFReply composes and writes the reply to a temp file, then invokes
// the autoresponder helper with its fixed argv/env contract.
func SendOOFReply(ctx context.Context, cfg Config, tmpDir string, p ComposeParams, username string, toMe, ccMe, bccMe bool) error {
	if cfg.AutoResponderScript == "" {
		return nil
	}

	msgText := ComposeReplyMessage(p)
	f, err := os.CreateTemp(tmpDir, "lmtpd-oof-*.eml")
	if err != nil {
		return fmt.Errorf("autoreply: create temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(msgText); err != nil {
		f.Close()
		return fmt.Errorf("autoreply: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("autoreply: close temp file: %w", err)
	}

	headersFile, err := os.CreateTemp(tmpDir, "lmtpd-oof-hdr-*.txt")
	if err != nil {
		return fmt.Errorf("autoreply: create headers temp file: %w", err)
	}
	defer os.Remove(headersFile.Name())
	headersFile.Close()

	argv := []string{p.RecipientSMTP, p.SenderSMTP, p.Subject, username, f.Name()}
	env := []string{
		fmt.Sprintf("MESSAGE_TO_ME=%v", toMe),
		fmt.Sprintf("MESSAGE_CC_ME=%v", ccMe),
		fmt.Sprintf("MESSAGE_BCC_ME=%v", bccMe),
		"MAILHEADERS=" + headersFile.Name(),
	}
	return RunHelper(ctx, cfg.Log, cfg.AutoResponderScript, argv, env)
}
