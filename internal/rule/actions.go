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

package rule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailstacks/lmtpd/internal/store"
)

// ErrNoAccess mirrors MAPI_E_NO_ACCESS: a FORWARD target's domain did not
// pass the whitelist check, aborting the whole rule chain.
var ErrNoAccess = errors.New("rule: forward target rejected by whitelist")

// ErrUnableToComplete mirrors MAPI_E_UNABLE_TO_COMPLETE: a FORWARD/DELEGATE
// action had no recipients left after the self-loop filter.
var ErrUnableToComplete = errors.New("rule: no recipients left after self-loop filter")

// Well-known tags used only by action execution.
var (
	prTransportHeaders  = store.NewPropTag(0x007d, store.PTString)
	prMessageClass      = store.NewPropTag(0x001a, store.PTString)
	prInternetMsgID     = store.NewPropTag(0x1035, store.PTString)
	prInReplyToID       = store.NewPropTag(0x1042, store.PTString)
	prSentmailEntryID   = store.NewPropTag(0x0e0a, store.PTBinary)
	prDeleteAfterSubmit = store.NewPropTag(0x0e01, store.PTBool)
	prDelegatedByRule   = store.NewPropTag(0x6a19, store.PTBool)
	prSenderName        = store.NewPropTag(0x0c1a, store.PTString)
	prSentDate          = store.NewPropTag(0x0039, store.PTFiletime)

	// prRuleAction carries the x-kopano-rule-action named property used by
	// the no-double-forward loop guard and by reply stamping.
	prRuleAction = store.NewPropTag(0x6a20, store.PTString)
)

// dispatch executes one action against msg, mutating res with the
// forwarded/moved post-processing flags and returning
// whether the chain should be cancelled (the message already handled, not
// to be separately saved in the inbox).
func dispatch(ctx context.Context, msg store.Message, act Action, d Deps, res *Result) (Outcome, error) {
	switch act.Kind {
	case ActionMove, ActionCopy:
		return doCopyOrMove(ctx, msg, act, d, res)

	case ActionReply, ActionOOFReply:
		if d.transportHeadersSuppress(ctx, msg) {
			return Delivered, nil
		}
		return Delivered, doReply(ctx, msg, act, d)

	case ActionForward:
		if d.transportHeadersSuppress(ctx, msg) {
			return Delivered, nil
		}
		if d.NoDoubleForward && hasRuleActionStamp(ctx, msg) {
			return Delivered, nil
		}
		return Delivered, doForward(ctx, msg, act, d, res, false)

	case ActionDelegate:
		return Delivered, doForward(ctx, msg, act, d, res, true)

	case ActionDelete:
		return Cancel, nil

	case ActionMarkRead:
		return Delivered, markRead(ctx, msg)

	case ActionBounce, ActionTag, ActionDefer:
		// Recognised but not executed; the caller's log line is the
		// counter.
		return Delivered, nil

	default:
		return Delivered, fmt.Errorf("rule: unknown action kind %d", act.Kind)
	}
}

func (d Deps) transportHeadersSuppress(ctx context.Context, msg store.Message) bool {
	props, err := msg.GetProps(ctx, []store.PropTag{prTransportHeaders})
	if err != nil {
		return false
	}
	v, ok := props[prTransportHeaders]
	if !ok {
		return false
	}
	return shouldSuppressAutoReply(v.Str)
}

func hasRuleActionStamp(ctx context.Context, msg store.Message) bool {
	props, err := msg.GetProps(ctx, []store.PropTag{prRuleAction})
	if err != nil {
		return false
	}
	_, ok := props[prRuleAction]
	return ok
}

// doCopyOrMove copies the message out of the inbox into the action's
// destination, opening the destination folder directly first and via the
// destination store on failure.
func doCopyOrMove(ctx context.Context, msg store.Message, act Action, d Deps, res *Result) (Outcome, error) {
	destFolder, err := d.OwnerStore.OpenFolder(ctx, act.DestFolder)
	if err != nil {
		destStore, serr := d.Session.OpenStore(ctx, act.DestStore)
		if serr != nil {
			return Delivered, fmt.Errorf("rule: open destination store: %w", serr)
		}
		destFolder, err = destStore.OpenFolder(ctx, act.DestFolder)
		if err != nil {
			return Delivered, fmt.Errorf("rule: open destination folder: %w", err)
		}
	}

	if _, err := d.Inbox.Copy(ctx, msg.ID(), destFolder); err != nil {
		return Delivered, err
	}

	if act.Kind == ActionMove {
		if err := d.Inbox.Delete(ctx, msg.ID()); err != nil {
			return Delivered, err
		}
		res.Moved = true
		return Cancel, nil
	}
	return Delivered, nil
}

func markRead(ctx context.Context, msg store.Message) error {
	props, _ := msg.GetProps(ctx, []store.PropTag{store.PrMessageFlags})
	flags := uint32(props[store.PrMessageFlags].Int) | store.MsgFlagRead
	return msg.SetProps(ctx, map[store.PropTag]store.Value{
		store.PrMessageFlags: {Tag: store.PTInt32, Int: int64(flags)},
	})
}

// doReply copies the user's reply template into the outbox, addressed back
// to the original sender: subject
// "BT: <original>" when the template subject is empty, PR_IN_REPLY_TO_ID
// from the source internet message id, self-reply refused, rule-action
// stamp applied.
func doReply(ctx context.Context, msg store.Message, act Action, d Deps) error {
	props, err := msg.GetProps(ctx, []store.PropTag{store.PrEntryID, store.PrSubject, prInternetMsgID})
	if err != nil {
		return err
	}
	if selfEntryID := d.SelfEntryID; len(selfEntryID) > 0 {
		if entry, ok := props[store.PrEntryID]; ok && string(entry.Bin) == string(selfEntryID) {
			return nil // refuse self-reply
		}
	}
	if d.OriginalSender == "" {
		return nil
	}

	outbox, err := d.OwnerStore.Outbox(ctx)
	if err != nil {
		return err
	}

	var reply store.Message
	if act.TemplateRef != "" && d.OpenTemplate != nil {
		reply, err = d.OpenTemplate(ctx, act.TemplateRef, outbox)
	} else {
		reply, err = outbox.Create(ctx)
	}
	if err != nil {
		return err
	}

	values := map[store.PropTag]store.Value{}
	rprops, _ := reply.GetProps(ctx, []store.PropTag{store.PrSubject})
	if rprops[store.PrSubject].Str == "" {
		values[store.PrSubject] = store.Value{Tag: store.PTString, Str: "BT: " + props[store.PrSubject].Str}
	}
	if msgID := props[prInternetMsgID].Str; msgID != "" {
		values[prInReplyToID] = store.Value{Tag: store.PTString, Str: msgID}
	}
	values[prRuleAction] = store.Value{Tag: store.PTString, Str: "reply"}
	if err := reply.SetProps(ctx, values); err != nil {
		return err
	}
	if err := reply.SetRecipients(ctx, []string{d.OriginalSender}); err != nil {
		return err
	}
	return reply.Submit(ctx)
}

// forwardHeaderBlock builds the From/Sent/Subject preamble prepended to
// munged forwards.
func forwardHeaderBlock(ctx context.Context, msg store.Message) string {
	props, _ := msg.GetProps(ctx, []store.PropTag{prSenderName, prSentDate, store.PrSubject})
	var b strings.Builder
	b.WriteString("From: " + props[prSenderName].Str + "\n")
	if props[prSentDate].Int != 0 {
		b.WriteString("Sent: " + time.Unix(0, props[prSentDate].Int).UTC().Format(time.RFC1123Z) + "\n")
	}
	b.WriteString("Subject: " + props[store.PrSubject].Str + "\n")
	b.WriteString("Auto forwarded by a rule\n\n")
	return b.String()
}

// doForward implements FORWARD/REDIRECT/DELEGATE: whitelist
// enforcement with NDR plus chain abort on miss, per-recipient property
// stripping on the copy, optional body munging, as-attachment embedding,
// and the delegate extras (delegated-by-rule and delete-after-submit
// stamps, cleared sentmail entry-id). A delegate copy does not copy the
// RECEIVED_BY_* properties into RCVD_REPRESENTING_*.
func doForward(ctx context.Context, msg store.Message, act Action, d Deps, res *Result, delegate bool) error {
	isMeeting := false
	if delegate {
		if props, err := msg.GetProps(ctx, []store.PropTag{prMessageClass}); err == nil {
			isMeeting = strings.HasPrefix(props[prMessageClass].Str, "IPM.Schedule.Meeting.")
		}
	}
	rcpts := filterSelfRecipients(act.Recipients, d.OriginalSender, delegate && isMeeting)
	if len(rcpts) == 0 {
		return ErrUnableToComplete
	}

	for _, rcpt := range rcpts {
		if d.ForwardWhitelist != nil && !d.ForwardWhitelist(rcpt) {
			if d.WriteNDR != nil {
				if err := d.WriteNDR(ctx, msg, rcpt); err != nil {
					d.Log.Error("failed to write forward-rejection notice", err, "rcpt", rcpt)
				}
			}
			return ErrNoAccess
		}
	}

	outbox, err := d.OwnerStore.Outbox(ctx)
	if err != nil {
		return err
	}
	fwd, err := d.Inbox.Copy(ctx, msg.ID(), outbox)
	if err != nil {
		return err
	}
	// The copy excludes per-recipient identity except on redirect
	// (preserve-sender) and on delegate, which keep the sender/representing
	// properties of the original untouched.
	if act.Flavor != FlavorPreserveSender && !delegate {
		fwd.StripRecipientProperties(ctx)
	}

	values := map[store.PropTag]store.Value{
		prRuleAction: {Tag: store.PTString, Str: "forward"},
	}

	switch {
	case act.Flavor == FlavorAsAttachment:
		props, _ := msg.GetProps(ctx, []store.PropTag{store.PrBody, store.PrSubject})
		if err := fwd.AttachRaw(ctx, props[store.PrSubject].Str+".eml", []byte(props[store.PrBody].Str)); err != nil {
			return err
		}
		values[store.PrBody] = store.Value{Tag: store.PTString}

	case act.Flavor != FlavorDoNotMunge && act.Flavor != FlavorPreserveSender && !delegate:
		props, _ := fwd.GetProps(ctx, []store.PropTag{store.PrBody})
		values[store.PrBody] = store.Value{
			Tag: store.PTString,
			Str: forwardHeaderBlock(ctx, msg) + props[store.PrBody].Str,
		}
	}

	if delegate {
		values[prDelegatedByRule] = store.Value{Tag: store.PTBool, Bool: true}
		values[prDeleteAfterSubmit] = store.Value{Tag: store.PTBool, Bool: true}
		values[prSentmailEntryID] = store.Value{Tag: store.PTBinary}
	} else if len(d.SentmailEntryID) > 0 {
		// Stamped so the spooler files the sent copy.
		values[prSentmailEntryID] = store.Value{Tag: store.PTBinary, Bin: d.SentmailEntryID}
	}

	if err := fwd.SetProps(ctx, values); err != nil {
		return err
	}
	if err := fwd.SetRecipients(ctx, rcpts); err != nil {
		return err
	}
	if err := fwd.Submit(ctx); err != nil {
		return err
	}

	res.Forwarded = true
	return nil
}
