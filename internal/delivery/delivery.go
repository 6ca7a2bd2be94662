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

// Package delivery ties recipient resolution, the property store, rule
// processing and auto-reply dispatch together: one admin session per
// (company, home-server) shard, per-recipient delivery with master-message
// reuse, quota and expiry checks, archive submission and new-mail
// notification.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailstacks/lmtpd/framework/log"
	"github.com/mailstacks/lmtpd/internal/autoreply"
	"github.com/mailstacks/lmtpd/internal/endpoint/lmtp"
	"github.com/mailstacks/lmtpd/internal/recipient"
	"github.com/mailstacks/lmtpd/internal/rule"
	"github.com/mailstacks/lmtpd/internal/store"
)

// DeliveryMode picks the destination folder for one recipient.
type DeliveryMode int

const (
	ModeStore DeliveryMode = iota
	ModeJunk
	ModePublic
)

// Config carries the operator-configured knobs for one Orchestrator.
type Config struct {
	ArchiveOnDelivery bool
	NewmailNotify     bool
	PublicPath        string
	SubfolderPath     string
	SubfolderSep      string
	CreateSubfolder   bool
	Mode              DeliveryMode
	// MarkRead stamps the delivered message read (the single-delivery
	// CLI's -r switch).
	MarkRead bool

	SpamHeaderName        string
	SpamHeaderValuePrefix string

	ForwardWhitelistDomains []string
	NoDoubleForward         bool

	AutoAcceptConfigPath string
	TempDir              string
}

// SessionDialer opens an administrative session against one home-server for
// the given company.
type SessionDialer func(ctx context.Context, company, homeServer string) (store.Session, error)

// Converter turns the buffered RFC 5322 bytes into a store message inside
// dest; it is the IMToMAPI boundary.
type Converter interface {
	Convert(ctx context.Context, dest store.Folder, raw []byte) (store.Message, error)
}

// Archiver submits a delivered message's raw form to the archive subsystem.
// An archive failure is fatal for the recipient: the delivered message is
// removed again.
type Archiver interface {
	Archive(ctx context.Context, recipientSMTP string, raw []byte) error
}

// Notifier emits the "new mail" event for a folder.
type Notifier interface {
	NotifyNewMail(ctx context.Context, st store.StoreID, folder store.ObjectID)
}

// RuleTableLoader fetches the recipient's rule table.
type RuleTableLoader func(ctx context.Context, st store.Store) (rule.RuleTable, error)

// Orchestrator wires the resolved recipient groups into per-recipient
// delivery with rule processing and auto-reply dispatch, implementing
// lmtp.Deliverer.
type Orchestrator struct {
	Log       log.Logger
	Cfg       Config
	Dial      SessionDialer
	Convert   Converter
	Archive   Archiver
	Notify    Notifier
	LoadRules RuleTableLoader
	AutoReply autoreply.Config

	// Relay, together with ResolveServer, routes shards whose home-server
	// is a different storage node over LMTP instead of a local session.
	Relay *Relay
	// ResolveServer maps a home-server name to its connection URL; remote
	// is false for mailboxes this process owns.
	ResolveServer func(company, homeServer string) (url string, remote bool)

	// Now is the clock; nil means time.Now. Tests override it.
	Now func() time.Time
}

var _ lmtp.Deliverer = (*Orchestrator)(nil)

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// statusCollector maps each recipient straight to the LMTP status the
// session layer reports, one entry per recipient across all shards.
type statusCollector struct {
	mu     sync.Mutex
	result map[*recipient.Recipient]lmtp.DeliveryStatus
}

func newStatusCollector() *statusCollector {
	return &statusCollector{result: map[*recipient.Recipient]lmtp.DeliveryStatus{}}
}

func (sc *statusCollector) set(r *recipient.Recipient, status lmtp.DeliveryStatus) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.result[r] = status
}

// detectSpamHeader reports whether the configured spam header name carries
// the configured value prefix anywhere in raw's header block:
// case-insensitive match on the name, then a substring match on the value
// before the next CRLF.
func detectSpamHeader(raw []byte, headerName, valuePrefix string) bool {
	if headerName == "" {
		return false
	}
	lowerName := strings.ToLower(headerName)
	for _, line := range bytes.Split(raw, []byte("\r\n")) {
		if len(line) == 0 {
			break // end of headers
		}
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		if strings.ToLower(strings.TrimSpace(string(name))) != lowerName {
			continue
		}
		if strings.Contains(string(value), valuePrefix) {
			return true
		}
	}
	return false
}

// transportHeaders extracts the raw header block of the buffered message,
// fed to the auto-reply loop guard.
func transportHeaders(raw []byte) string {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return string(raw[:idx])
	}
	return string(raw)
}

// Deliver implements lmtp.Deliverer. It removes tmpFile once every
// recipient across every shard has been processed.
func (o *Orchestrator) Deliver(ctx context.Context, tmpFile, mailFrom string, grp recipient.Group) (map[*recipient.Recipient]lmtp.DeliveryStatus, error) {
	defer os.Remove(tmpFile)

	raw, err := os.ReadFile(tmpFile)
	if err != nil {
		return nil, fmt.Errorf("delivery: reading buffered message: %w", err)
	}

	mode := o.Cfg.Mode
	if detectSpamHeader(raw, o.Cfg.SpamHeaderName, o.Cfg.SpamHeaderValuePrefix) {
		mode = ModeJunk
	}

	// Shards deliver concurrently, but the fan-out is bounded so one
	// many-company message cannot open an admin session per shard at once.
	sc := newStatusCollector()
	var eg errgroup.Group
	eg.SetLimit(maxConcurrentShards)
	for company, byServer := range grp {
		for homeServer, recipients := range byServer {
			company, homeServer, recipients := company, homeServer, recipients
			eg.Go(func() error {
				o.deliverShard(ctx, company, homeServer, recipients, mailFrom, raw, mode, sc)
				return nil
			})
		}
	}
	eg.Wait()

	return sc.result, nil
}

// maxConcurrentShards bounds the per-message shard fan-out.
const maxConcurrentShards = 4

// master tracks the single-instance optimisation: the first successfully
// converted message on a home-server becomes the source for every later
// recipient on the same server.
type master struct {
	msg    store.Message
	folder store.Folder
}

// deliverShard opens one admin session for a (company, home-server) pair
// and delivers to each recipient in turn. An expired message cancels
// delivery for every remaining recipient on the server.
func (o *Orchestrator) deliverShard(ctx context.Context, company, homeServer string, recipients []*recipient.Recipient, mailFrom string, raw []byte, mode DeliveryMode, sc *statusCollector) {
	if o.Relay != nil && o.ResolveServer != nil {
		if url, remote := o.ResolveServer(company, homeServer); remote {
			o.relayShard(ctx, url, recipients, mailFrom, raw, sc)
			return
		}
	}

	sess, err := o.Dial(ctx, company, homeServer)
	if err != nil {
		o.Log.Error("failed to open admin session", err, "company", company, "home_server", homeServer)
		for _, r := range recipients {
			sc.set(r, lmtp.StatusTemporarilyUnavailable)
		}
		return
	}
	defer sess.Logoff()

	var m master
	for i, r := range recipients {
		status := o.deliverOne(ctx, sess, r, mailFrom, raw, mode, &m)
		sc.set(r, status)
		if status == lmtp.StatusExpired {
			for _, rest := range recipients[i+1:] {
				sc.set(rest, lmtp.StatusExpired)
			}
			return
		}
	}
}

// relayShard hands a whole shard to the recipients' home-server over LMTP.
func (o *Orchestrator) relayShard(ctx context.Context, url string, recipients []*recipient.Recipient, mailFrom string, raw []byte, sc *statusCollector) {
	results, err := o.Relay.Forward(ctx, url, mailFrom, recipients, raw)
	if err != nil {
		o.Log.Error("relay to home-server failed", err, "server", url)
	}
	for _, r := range recipients {
		if status, ok := results[r]; ok {
			sc.set(r, status)
		} else {
			sc.set(r, lmtp.StatusTemporarilyUnavailable)
		}
	}
}

// deliverOne delivers to a single recipient: open the store, resolve the
// destination folder, convert (or reuse the master), stamp per-recipient
// flags, run rules, check quota, save, archive, notify.
func (o *Orchestrator) deliverOne(ctx context.Context, sess store.Session, r *recipient.Recipient, mailFrom string, raw []byte, mode DeliveryMode, m *master) lmtp.DeliveryStatus {
	st, err := sess.OpenStore(ctx, store.StoreID(r.Account))
	if err != nil {
		o.Log.Error("failed to open store", err, "recipient", r.SMTP)
		return lmtp.StatusTemporarilyUnavailable
	}

	folder, isJunk, err := o.resolveDestinationFolder(ctx, st, mode)
	if err != nil {
		o.Log.Error("failed to resolve destination folder", err, "recipient", r.SMTP)
		return lmtp.StatusTemporarilyUnavailable
	}

	var msg store.Message
	if m.msg != nil {
		msg, err = o.reuseMaster(ctx, m, folder)
	} else {
		msg, err = o.convertOrFallback(ctx, folder, raw, r)
	}
	if err != nil {
		o.Log.Error("message conversion failed", err, "recipient", r.SMTP)
		return lmtp.StatusInternalError
	}

	if o.isExpired(ctx, msg) {
		_ = folder.Delete(ctx, msg.ID())
		return lmtp.StatusExpired
	}

	msg.StampRecipientFlags(r.SMTP)
	if o.Cfg.MarkRead {
		props, _ := msg.GetProps(ctx, []store.PropTag{store.PrMessageFlags})
		flags := uint32(props[store.PrMessageFlags].Int) | store.MsgFlagRead
		if err := msg.SetProps(ctx, map[store.PropTag]store.Value{
			store.PrMessageFlags: {Tag: store.PTInt32, Int: int64(flags)},
		}); err != nil {
			o.Log.Error("failed to mark message read", err, "recipient", r.SMTP)
		}
	}

	_, cancelled := o.runRules(ctx, sess, st, folder, msg, mailFrom, r)

	oof, oofErr := st.OOFSettings(ctx)
	if oofErr != nil {
		o.Log.Error("failed to read OOF settings", oofErr, "recipient", r.SMTP)
	}

	if oofErr == nil && !cancelled {
		if done := o.maybeAutoAccept(ctx, st, folder, msg, oof, r); done {
			return lmtp.StatusOK
		}
	}

	if !cancelled {
		if exceeded, err := st.QuotaExceeded(ctx); err != nil {
			o.Log.Error("quota check failed", err, "recipient", r.SMTP)
		} else if exceeded {
			_ = folder.Delete(ctx, msg.ID())
			return lmtp.StatusQuotaExceeded
		}

		if err := msg.SaveChanges(ctx); err != nil {
			o.Log.Error("SaveChanges failed", err, "recipient", r.SMTP)
			return lmtp.StatusInternalError
		}

		if o.Cfg.ArchiveOnDelivery && o.Archive != nil {
			if err := o.Archive.Archive(ctx, r.SMTP, raw); err != nil {
				o.Log.Error("archive submission failed, removing delivered message", err, "recipient", r.SMTP)
				_ = folder.Delete(ctx, msg.ID())
				return lmtp.StatusInternalError
			}
		}

		if o.Cfg.NewmailNotify && o.Notify != nil {
			o.Notify.NotifyNewMail(ctx, st.ID(), folder.ID())
		}

		if m.msg == nil {
			m.msg = msg
			m.folder = folder
		}
	}

	if oofErr == nil {
		o.maybeSendOOF(ctx, msg, oof, r, mailFrom, raw, isJunk)
	}

	return lmtp.StatusOK
}

// runRules loads and executes the recipient's inbox rules. cancelled means
// the message must not stay in the destination folder (moved or deleted by
// a rule).
func (o *Orchestrator) runRules(ctx context.Context, sess store.Session, st store.Store, folder store.Folder, msg store.Message, mailFrom string, r *recipient.Recipient) (rule.Result, bool) {
	if o.LoadRules == nil {
		return rule.Result{}, false
	}
	table, err := o.LoadRules(ctx, st)
	if err != nil {
		o.Log.Error("failed to load rule table", err, "recipient", r.SMTP)
		return rule.Result{}, false
	}
	if table == nil {
		return rule.Result{}, false
	}

	oofActive := func() bool {
		oof, err := st.OOFSettings(ctx)
		if err != nil {
			return false
		}
		return autoreply.IsOOFActive(oof, o.now())
	}

	res, err := rule.Run(ctx, msg, table, rule.Deps{
		Log:              o.Log,
		Session:          sess,
		OwnerStore:       st,
		Inbox:            folder,
		ForwardWhitelist: rule.NewForwardWhitelist(o.Cfg.ForwardWhitelistDomains),
		OOFActive:        oofActive,
		WriteNDR:         o.writeNDR(folder, r),
		SelfEntryID:      store.ObjectID(r.EntryID),
		OriginalSender:   mailFrom,
		NoDoubleForward:  o.Cfg.NoDoubleForward,
	})
	if err != nil && !errors.Is(err, rule.ErrNoAccess) {
		o.Log.Error("rule engine failed", err, "recipient", r.SMTP)
	}
	if res.Outcome == rule.Cancel {
		// Moved or deleted by a rule: drop the copy in the destination
		// folder, delivery itself still succeeded.
		if err := folder.Delete(ctx, msg.ID()); err != nil {
			o.Log.Error("failed to remove rule-handled message", err, "recipient", r.SMTP)
		}
		return res, true
	}
	return res, false
}

// writeNDR builds the forward-rejection notice writer handed to the rule
// engine: one notice message dropped into the recipient's inbox.
func (o *Orchestrator) writeNDR(inbox store.Folder, r *recipient.Recipient) func(ctx context.Context, original store.Message, rcpt string) error {
	return func(ctx context.Context, original store.Message, rcpt string) error {
		notice, err := inbox.Create(ctx)
		if err != nil {
			return err
		}
		props, _ := original.GetProps(ctx, []store.PropTag{store.PrSubject})
		if err := notice.SetProps(ctx, map[store.PropTag]store.Value{
			store.PrSubject: {Tag: store.PTString, Str: "Undelivered Mail Returned to Sender: " + props[store.PrSubject].Str},
			store.PrBody: {Tag: store.PTString, Str: fmt.Sprintf(
				"A rule tried to forward this message to %s, but the domain is not allowed by the server's forwarding policy. The rule was not executed.", rcpt)},
		}); err != nil {
			return err
		}
		return notice.SaveChanges(ctx)
	}
}

// maybeAutoAccept routes meeting requests/cancellations to the auto-accept
// or auto-process helper when the store enables it. Returns true when the
// delivery is consumed (no inbox copy must remain).
func (o *Orchestrator) maybeAutoAccept(ctx context.Context, st store.Store, src store.Folder, msg store.Message, oof store.OOFSettings, r *recipient.Recipient) bool {
	root, err := st.Root(ctx)
	if err != nil {
		return false
	}

	if oof.AutoAccept {
		need, err := autoreply.IsMeetingRequestNeedingAccept(ctx, msg)
		if err == nil && need {
			if err := autoreply.AutoAccept(ctx, o.AutoReply, src, root, msg, r.Account, o.Cfg.AutoAcceptConfigPath); err != nil {
				o.Log.Error("auto-accept failed", err, "recipient", r.SMTP)
				return false
			}
			// The inbox copy is consumed by the helper path.
			_ = src.Delete(ctx, msg.ID())
			return true
		}
	}
	if oof.AutoProcess {
		family, err := autoreply.IsMeetingFamily(ctx, msg)
		if err == nil && family {
			if err := autoreply.AutoProcess(ctx, o.AutoReply, src, root, msg, r.Account, o.Cfg.AutoAcceptConfigPath); err != nil {
				o.Log.Error("auto-process failed", err, "recipient", r.SMTP)
			}
		}
	}
	return false
}

// maybeSendOOF runs the out-of-office gate and, when it passes, invokes the
// autoresponder helper.
func (o *Orchestrator) maybeSendOOF(ctx context.Context, msg store.Message, oof store.OOFSettings, r *recipient.Recipient, mailFrom string, raw []byte, isJunk bool) {
	send, err := autoreply.ShouldSendOOF(ctx, msg, oof, autoreply.DeliveryContext{IsJunk: isJunk}, o.now(), transportHeaders(raw))
	if err != nil || !send {
		return
	}

	props, _ := msg.GetProps(ctx, []store.PropTag{store.PrSubject})
	params := autoreply.ComposeParams{
		RecipientSMTP:   r.SMTP,
		SenderSMTP:      mailFrom,
		OriginalSubject: props[store.PrSubject].Str,
		Subject:         oof.Subject,
		BodyText:        oof.BodyText,
		Now:             o.now(),
	}
	toMe, ccMe, bccMe := recipientFlags(raw, r.SMTP)
	if err := autoreply.SendOOFReply(ctx, o.AutoReply, o.Cfg.TempDir, params, r.Account, toMe, ccMe, bccMe); err != nil {
		o.Log.Error("autoresponder failed", err, "recipient", r.SMTP)
	}
}

// recipientFlags derives MESSAGE_TO_ME/CC_ME/BCC_ME from the raw header
// block; a recipient in neither To nor Cc was a Bcc target.
func recipientFlags(raw []byte, smtp string) (toMe, ccMe, bccMe bool) {
	lower := strings.ToLower(transportHeaders(raw))
	addr := strings.ToLower(smtp)
	for _, line := range strings.Split(lower, "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(name) {
		case "to":
			toMe = toMe || strings.Contains(value, addr)
		case "cc":
			ccMe = ccMe || strings.Contains(value, addr)
		}
	}
	bccMe = !toMe && !ccMe
	return toMe, ccMe, bccMe
}

// resolveDestinationFolder maps the delivery mode onto a concrete folder,
// falling back to the inbox whenever the preferred target is missing or
// inaccessible.
func (o *Orchestrator) resolveDestinationFolder(ctx context.Context, st store.Store, mode DeliveryMode) (store.Folder, bool, error) {
	inbox, err := st.ReceiveFolder(ctx, "IPM")
	if err != nil {
		return nil, false, err
	}

	switch mode {
	case ModeJunk:
		// Index 4 of the additional-ren-entryids set is the junk folder by
		// convention.
		if junk, err := st.AdditionalRenEntryID(ctx, 4); err == nil && junk != nil {
			return junk, true, nil
		}
		return inbox, false, nil
	case ModePublic:
		if pub, err := st.PublicFolder(ctx, o.Cfg.PublicPath); err == nil && pub != nil {
			return pub, false, nil
		}
		return inbox, false, nil
	default:
		if o.Cfg.SubfolderPath == "" {
			return inbox, false, nil
		}
		sep := o.Cfg.SubfolderSep
		if sep == "" {
			sep = `\`
		}
		cur := inbox
		for _, name := range strings.Split(o.Cfg.SubfolderPath, sep) {
			if name == "" {
				continue
			}
			sub, err := cur.Subfolder(ctx, name, o.Cfg.CreateSubfolder)
			if err != nil || sub == nil {
				return inbox, false, nil
			}
			cur = sub
		}
		return cur, false, nil
	}
}

// reuseMaster copies the master message into folder, strips per-recipient
// properties and archive linkage; the caller re-stamps identity.
func (o *Orchestrator) reuseMaster(ctx context.Context, m *master, folder store.Folder) (store.Message, error) {
	cp, err := m.folder.Copy(ctx, m.msg.ID(), folder)
	if err != nil {
		return nil, fmt.Errorf("delivery: reusing master message: %w", err)
	}
	cp.StripRecipientProperties(ctx)
	cp.DetachArchiveLink(ctx)
	return cp, nil
}

const (
	fallbackSubject = "Fallback delivery"
	fallbackSender  = "System Administrator"
)

func (o *Orchestrator) convertOrFallback(ctx context.Context, folder store.Folder, raw []byte, r *recipient.Recipient) (store.Message, error) {
	if o.Convert != nil {
		msg, err := o.Convert.Convert(ctx, folder, raw)
		if err == nil {
			return msg, nil
		}
		o.Log.Msg("message conversion failed, synthesizing fallback message",
			"recipient", r.SMTP, "reason", err.Error())
	}
	return o.synthesizeFallback(ctx, folder, raw, r)
}

// synthesizeFallback builds the substitute message delivered when the raw
// mail cannot be converted: fixed subject, a body pointing at the original
// attached as original.eml, and a one-off sent-representing identity so
// clients do not mistake it for a user-authored message.
func (o *Orchestrator) synthesizeFallback(ctx context.Context, folder store.Folder, raw []byte, r *recipient.Recipient) (store.Message, error) {
	msg, err := folder.Create(ctx)
	if err != nil {
		return nil, err
	}
	if err := msg.SetProps(ctx, map[store.PropTag]store.Value{
		store.PrSubject: {Tag: store.PTString, Str: fallbackSubject},
		store.PrBody: {Tag: store.PTString,
			Str: "The original message could not be converted and is attached as original.eml."},
	}); err != nil {
		return nil, err
	}
	msg.SetSentRepresenting(ctx, fallbackSender, r.SMTP)
	if err := msg.AttachRaw(ctx, "original.eml", raw); err != nil {
		return nil, err
	}
	return msg, nil
}

// isExpired checks the message's expiry property against the clock.
func (o *Orchestrator) isExpired(ctx context.Context, msg store.Message) bool {
	props, err := msg.GetProps(ctx, []store.PropTag{store.PrExpiryTime})
	if err != nil {
		return false
	}
	v, ok := props[store.PrExpiryTime]
	if !ok || v.Int == 0 {
		return false
	}
	return time.Unix(0, v.Int).Before(o.now())
}
