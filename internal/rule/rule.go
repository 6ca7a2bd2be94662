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

// Package rule evaluates a user's ordered rule list against a freshly
// delivered message and dispatches the matching actions (move, copy,
// reply, forward, delegate, mark-read, ...).
package rule

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mailstacks/lmtpd/framework/log"
	"github.com/mailstacks/lmtpd/internal/restriction"
	"github.com/mailstacks/lmtpd/internal/store"
)

// StateFlag bits on a Rule, mirroring PR_RULE_STATE.
type StateFlag uint32

const (
	StateEnabled StateFlag = 1 << iota
	StateOnlyWhenOOF
	StateExitLevel
)

// ActionKind tags the variant held by an Action.
type ActionKind int

const (
	ActionMove ActionKind = iota
	ActionCopy
	ActionReply
	ActionOOFReply
	ActionForward
	ActionDelegate
	ActionBounce
	ActionTag
	ActionDelete
	ActionMarkRead
	ActionDefer
)

// ForwardFlavor selects how a FORWARD/DELEGATE action reshapes the message.
type ForwardFlavor int

const (
	FlavorDefault ForwardFlavor = iota
	FlavorPreserveSender               // redirect: envelope sender untouched
	FlavorDoNotMunge
	FlavorAsAttachment
)

// Action is one rule action, a tagged union dispatched by Kind.
type Action struct {
	Kind ActionKind

	// MOVE / COPY
	DestStore  store.StoreID
	DestFolder store.ObjectID

	// REPLY
	TemplateRef string

	// FORWARD / DELEGATE
	Recipients []string
	Flavor     ForwardFlavor
}

// Rule is one entry of the inbox rule table.
type Rule struct {
	ID           string
	Sequence     int
	State        StateFlag
	Condition    restriction.Restriction
	Actions      []Action
	ProviderTag  string
	Name         string
	ProviderData []byte
}

func (r Rule) enabled() bool       { return r.State&StateEnabled != 0 }
func (r Rule) onlyWhenOOF() bool   { return r.State&StateOnlyWhenOOF != 0 }
func (r Rule) exitsOnMatch() bool  { return r.State&StateExitLevel != 0 }

// Outcome is the result of running the rule chain over a message.
type Outcome int

const (
	// Delivered means the message is left (or already was) in the inbox;
	// the caller should proceed with its usual post-delivery steps.
	Delivered Outcome = iota
	// Cancel means the message must not be (re)saved in the inbox: either
	// an action moved it out, or a DELETE action consumed it.
	Cancel
)

// RuleTable is read access to a store's rule list, sorted ascending by
// Sequence. The runtime context the engine needs to execute actions
// (stores, forward whitelist) is passed separately in Deps.
type RuleTable interface {
	// Rules returns the inbox's rule list already sorted by PR_RULE_SEQUENCE.
	Rules(ctx context.Context) ([]Rule, error)
}

// Deps bundles the collaborators the rule engine needs to execute
// actions, grouping what would otherwise be a long Run() argument list.
type Deps struct {
	Log log.Logger

	// Session opens the destination store for MOVE/COPY when the target
	// folder is not found in OwnerStore.
	Session store.Session
	// OwnerStore is the mailbox whose inbox is being processed.
	OwnerStore store.Store
	Inbox      store.Folder

	// ForwardWhitelist reports whether addr's domain is allowed as a
	// FORWARD/DELEGATE target; glob matching lives in whitelist.go.
	ForwardWhitelist func(addr string) bool

	// OOFActive reports whether the owner's out-of-office is currently in
	// effect; nil means OOF is never active.
	OOFActive func() bool

	// WriteNDR delivers a forward-rejection notice into the owner's inbox
	// on a whitelist miss.
	WriteNDR func(ctx context.Context, original store.Message, rcpt string) error

	// SelfEntryID is the owner's own entry-id, used to refuse self-reply.
	SelfEntryID store.ObjectID
	// OriginalSender is the SMTP address of the message's sender, used by
	// the recipient self-loop filter.
	OriginalSender string

	// NoDoubleForward skips FORWARD actions on messages already stamped
	// with the rule-action named property.
	NoDoubleForward bool
	// SentmailEntryID, when set, is stamped on forwards so the spooler
	// files the sent copy.
	SentmailEntryID []byte
	// OpenTemplate copies a user-stored reply template into dest; nil
	// makes REPLY actions start from an empty message.
	OpenTemplate func(ctx context.Context, ref string, dest store.Folder) (store.Message, error)
}

// Result records what the rule chain did, feeding the post-processing
// flags applied after the chain finishes.
type Result struct {
	Outcome   Outcome
	Forwarded bool
	Moved     bool
}

// Run evaluates msg's inbox rule chain.
func Run(ctx context.Context, msg store.Message, table RuleTable, d Deps) (Result, error) {
	rules, err := table.Rules(ctx)
	if err != nil {
		return Result{}, err
	}

	oofActive := d.OOFActive != nil && d.OOFActive()

	var res Result
	for _, r := range rules {
		if !r.enabled() {
			continue
		}
		if r.onlyWhenOOF() && !oofActive {
			continue
		}

		match, err := evalCondition(ctx, msg, r.Condition)
		if err != nil {
			d.Log.Error("rule condition evaluation failed", err, "rule", r.ID)
			continue
		}
		if !match {
			continue
		}

		for _, act := range r.Actions {
			outcome, err := dispatch(ctx, msg, act, d, &res)
			if err != nil {
				if errors.Is(err, ErrNoAccess) {
					// Whitelist miss aborts the whole rule sequence; the
					// message itself is still delivered by the caller.
					return res, err
				}
				d.Log.Error("rule action failed", err, "rule", r.ID, "action", act.Kind)
				continue
			}
			if outcome == Cancel {
				res.Outcome = Cancel
			}
		}

		if r.exitsOnMatch() {
			break
		}
	}

	if res.Forwarded {
		// Mark the inbox copy as forwarded.
		now := time.Now()
		if err := msg.SetProps(ctx, map[store.PropTag]store.Value{
			prIconIndex:        {Tag: store.PTInt32, Int: iconIndexForwarded},
			prLastVerb:         {Tag: store.PTInt32, Int: lastVerbForward},
			prLastVerbExecTime: {Tag: store.PTFiletime, Int: now.UnixNano()},
		}); err != nil {
			d.Log.Error("failed to stamp forwarded verb", err)
		}
	}

	return res, nil
}

// Post-processing stamps for forwarded messages.
var (
	prIconIndex        = store.NewPropTag(0x1080, store.PTInt32)
	prLastVerb         = store.NewPropTag(0x1081, store.PTInt32)
	prLastVerbExecTime = store.NewPropTag(0x1082, store.PTFiletime)
)

const (
	iconIndexForwarded = 0x106
	lastVerbForward    = 104
)

func evalCondition(ctx context.Context, msg store.Message, cond restriction.Restriction) (bool, error) {
	if cond == nil {
		return true, nil
	}
	tags := restriction.PropsUsed(cond)
	props, err := msg.GetProps(ctx, tags)
	if err != nil {
		return false, err
	}
	return restriction.Eval(cond, props), nil
}

// filterSelfRecipients drops any recipient equal to the original sender,
// except for meeting-related classes on a delegate action.
func filterSelfRecipients(rcpts []string, sender string, isDelegateMeeting bool) []string {
	if isDelegateMeeting {
		return rcpts
	}
	out := make([]string, 0, len(rcpts))
	for _, r := range rcpts {
		if strings.EqualFold(r, sender) {
			continue
		}
		out = append(out, r)
	}
	return out
}
