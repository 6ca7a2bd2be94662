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
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mailstacks/lmtpd/internal/autoreply"
	"github.com/mailstacks/lmtpd/internal/endpoint/lmtp"
	"github.com/mailstacks/lmtpd/internal/recipient"
	"github.com/mailstacks/lmtpd/internal/rule"
	"github.com/mailstacks/lmtpd/internal/store"
	"github.com/mailstacks/lmtpd/internal/store/memstore"
	"github.com/mailstacks/lmtpd/internal/testutils"
)

const sampleMail = "From: Sender <sender@example.org>\r\n" +
	"To: <user1@example.com>\r\n" +
	"Subject: quarterly report\r\n" +
	"Message-Id: <abc@example.org>\r\n" +
	"\r\n" +
	"body text\r\n"

type testEnv struct {
	provider *memstore.Provider
	orch     *Orchestrator
	grouper  *recipient.Grouper
}

type testSession struct {
	p *memstore.Provider
}

func (s testSession) OpenStore(ctx context.Context, id store.StoreID) (store.Store, error) {
	return s.p.AddStore(id), nil
}

func (s testSession) Logoff() error { return nil }

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	provider := memstore.NewProvider()
	env := &testEnv{
		provider: provider,
		grouper:  recipient.NewGrouper(nil),
		orch: &Orchestrator{
			Log: testutils.Logger(t, "delivery"),
			Cfg: Config{TempDir: t.TempDir()},
			Dial: func(ctx context.Context, company, homeServer string) (store.Session, error) {
				return testSession{p: provider}, nil
			},
			Convert: MessageConverter{},
		},
	}
	return env
}

func (env *testEnv) addRecipient(raw string) *recipient.Recipient {
	account := raw
	if at := strings.IndexByte(account, '@'); at >= 0 {
		account = account[:at]
	}
	return env.grouper.AddResolved(&recipient.Recipient{
		EntryID: []byte(raw),
		Account: account,
		SMTP:    raw,
	}, raw, "%s Ok")
}

func (env *testEnv) deliver(t *testing.T, raw string, mailFrom string) map[*recipient.Recipient]lmtp.DeliveryStatus {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "mail-*.eml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmp.WriteString(raw); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	results, err := env.orch.Deliver(context.Background(), tmp.Name(), mailFrom, env.grouper.Group())
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	return results
}

func TestDeliverHappyPath(t *testing.T) {
	env := newEnv(t)
	r := env.addRecipient("user1@example.com")

	results := env.deliver(t, sampleMail, "sender@example.org")
	if results[r] != lmtp.StatusOK {
		t.Fatalf("status = %v, want OK", results[r])
	}

	inbox := env.provider.AddStore("user1").InboxFolder()
	msgs := inbox.Messages()
	if len(msgs) != 1 {
		t.Fatalf("inbox has %d messages, want 1", len(msgs))
	}
	if !msgs[0].Saved() {
		t.Errorf("delivered message was never saved")
	}
	props, _ := msgs[0].GetProps(context.Background(), []store.PropTag{store.PrSubject})
	if props[store.PrSubject].Str != "quarterly report" {
		t.Errorf("subject = %q", props[store.PrSubject].Str)
	}
}

func TestSpamHeaderRoutesToJunk(t *testing.T) {
	env := newEnv(t)
	env.orch.Cfg.SpamHeaderName = "X-Spam-Status"
	env.orch.Cfg.SpamHeaderValuePrefix = "Yes"
	r := env.addRecipient("user1@example.com")

	mail := "X-Spam-Status: Yes, score=11\r\n" + sampleMail
	results := env.deliver(t, mail, "sender@example.org")
	if results[r] != lmtp.StatusOK {
		t.Fatalf("status = %v", results[r])
	}

	st := env.provider.AddStore("user1")
	if n := len(st.JunkFolder().Messages()); n != 1 {
		t.Errorf("junk folder has %d messages, want 1", n)
	}
	if n := len(st.InboxFolder().Messages()); n != 0 {
		t.Errorf("inbox has %d messages, want 0", n)
	}
}

func TestExpiredMessageCascades(t *testing.T) {
	env := newEnv(t)
	r1 := env.addRecipient("user1@example.com")
	r2 := env.addRecipient("user2@example.com")

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC1123Z)
	mail := "Expires: " + past + "\r\n" + sampleMail
	results := env.deliver(t, mail, "sender@example.org")

	if results[r1] != lmtp.StatusExpired || results[r2] != lmtp.StatusExpired {
		t.Fatalf("statuses = %v/%v, want expired for both", results[r1], results[r2])
	}
	for _, user := range []store.StoreID{"user1", "user2"} {
		if n := len(env.provider.AddStore(user).InboxFolder().Messages()); n != 0 {
			t.Errorf("%s inbox has %d messages after expiry, want 0", user, n)
		}
	}
}

func TestQuotaExceeded(t *testing.T) {
	env := newEnv(t)
	r := env.addRecipient("user1@example.com")
	env.provider.AddStore("user1").SetQuotaExceeded(true)

	results := env.deliver(t, sampleMail, "sender@example.org")
	if results[r] != lmtp.StatusQuotaExceeded {
		t.Fatalf("status = %v, want quota exceeded", results[r])
	}
}

type failingConverter struct{}

func (failingConverter) Convert(ctx context.Context, dest store.Folder, raw []byte) (store.Message, error) {
	return nil, os.ErrInvalid
}

func TestFallbackMessage(t *testing.T) {
	env := newEnv(t)
	env.orch.Convert = failingConverter{}
	r := env.addRecipient("user1@example.com")

	results := env.deliver(t, sampleMail, "sender@example.org")
	if results[r] != lmtp.StatusOK {
		t.Fatalf("status = %v, want OK (fallback delivery)", results[r])
	}

	msgs := env.provider.AddStore("user1").InboxFolder().Messages()
	if len(msgs) != 1 {
		t.Fatalf("inbox has %d messages", len(msgs))
	}
	props, _ := msgs[0].GetProps(context.Background(), []store.PropTag{store.PrSubject})
	if props[store.PrSubject].Str != "Fallback delivery" {
		t.Errorf("fallback subject = %q", props[store.PrSubject].Str)
	}
	if _, ok := msgs[0].Attachment("original.eml"); !ok {
		t.Errorf("fallback message lacks the original.eml attachment")
	}
}

type countingConverter struct {
	inner Converter
	calls int
}

func (c *countingConverter) Convert(ctx context.Context, dest store.Folder, raw []byte) (store.Message, error) {
	c.calls++
	return c.inner.Convert(ctx, dest, raw)
}

// Two recipients on the same home-server: the message converts once and the
// second delivery reuses the master copy.
func TestMasterMessageReuse(t *testing.T) {
	env := newEnv(t)
	conv := &countingConverter{inner: MessageConverter{}}
	env.orch.Convert = conv

	r1 := env.addRecipient("user1@example.com")
	r2 := env.addRecipient("user2@example.com")

	results := env.deliver(t, sampleMail, "sender@example.org")
	if results[r1] != lmtp.StatusOK || results[r2] != lmtp.StatusOK {
		t.Fatalf("statuses = %v/%v", results[r1], results[r2])
	}
	if conv.calls != 1 {
		t.Errorf("converter called %d times, want 1 (single-instance optimisation)", conv.calls)
	}
	for _, user := range []store.StoreID{"user1", "user2"} {
		if n := len(env.provider.AddStore(user).InboxFolder().Messages()); n != 1 {
			t.Errorf("%s inbox has %d messages, want 1", user, n)
		}
	}
}

// A rule forwarding to a non-whitelisted domain drops one notice into the
// inbox, aborts the chain, and still delivers the original message.
func TestForwardWhitelistMiss(t *testing.T) {
	env := newEnv(t)
	env.orch.Cfg.ForwardWhitelistDomains = []string{"*.corp.example"}
	env.orch.LoadRules = func(ctx context.Context, st store.Store) (rule.RuleTable, error) {
		return rule.SliceTable{{
			ID:       "fwd-evil",
			Sequence: 1,
			State:    rule.StateEnabled,
			Actions: []rule.Action{{
				Kind:       rule.ActionForward,
				Recipients: []string{"evil@attacker.tld"},
			}},
		}}, nil
	}
	r := env.addRecipient("user1@example.com")

	results := env.deliver(t, sampleMail, "sender@example.org")
	if results[r] != lmtp.StatusOK {
		t.Fatalf("status = %v, want OK (original still delivered)", results[r])
	}

	st := env.provider.AddStore("user1")
	msgs := st.InboxFolder().Messages()
	if len(msgs) != 2 {
		t.Fatalf("inbox has %d messages, want original + notice", len(msgs))
	}
	var foundNotice bool
	for _, m := range msgs {
		props, _ := m.GetProps(context.Background(), []store.PropTag{store.PrSubject})
		if strings.HasPrefix(props[store.PrSubject].Str, "Undelivered Mail Returned to Sender") {
			foundNotice = true
		}
	}
	if !foundNotice {
		t.Errorf("no forward-rejection notice in the inbox")
	}
	if len(st.Submitted) != 0 {
		t.Errorf("forward was submitted despite the whitelist miss")
	}
}

func TestForwardWhitelistedDomain(t *testing.T) {
	env := newEnv(t)
	env.orch.Cfg.ForwardWhitelistDomains = []string{"*.corp.example"}
	env.orch.LoadRules = func(ctx context.Context, st store.Store) (rule.RuleTable, error) {
		return rule.SliceTable{{
			ID:       "fwd-ok",
			Sequence: 1,
			State:    rule.StateEnabled,
			Actions: []rule.Action{{
				Kind:       rule.ActionForward,
				Recipients: []string{"peer@dept.corp.example"},
			}},
		}}, nil
	}
	r := env.addRecipient("user1@example.com")

	results := env.deliver(t, sampleMail, "sender@example.org")
	if results[r] != lmtp.StatusOK {
		t.Fatalf("status = %v", results[r])
	}
	if n := len(env.provider.AddStore("user1").Submitted); n != 1 {
		t.Errorf("%d submitted messages, want the forward", n)
	}
}

func writeOOFScript(t *testing.T, dir string) (script, marker string) {
	t.Helper()
	marker = filepath.Join(dir, "oof-sent")
	script = filepath.Join(dir, "oof.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ntouch "+marker+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return script, marker
}

func TestOOFReplySent(t *testing.T) {
	env := newEnv(t)
	dir := t.TempDir()
	script, marker := writeOOFScript(t, dir)
	env.orch.AutoReply = autoreply.Config{
		Log:                 testutils.Logger(t, "autoreply"),
		AutoResponderScript: script,
	}
	r := env.addRecipient("user1@example.com")
	env.provider.AddStore("user1").SetOOF(store.OOFSettings{
		Active:   true,
		Subject:  "away",
		BodyText: "back next week",
	})

	if got := env.deliver(t, sampleMail, "sender@example.org")[r]; got != lmtp.StatusOK {
		t.Fatalf("status = %v", got)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("autoresponder was not invoked: %v", err)
	}
}

// A message that already carries an auto-reply marker header must not
// trigger the out-of-office reply, but delivery itself proceeds.
func TestOOFLoopSuppression(t *testing.T) {
	env := newEnv(t)
	dir := t.TempDir()
	script, marker := writeOOFScript(t, dir)
	env.orch.AutoReply = autoreply.Config{
		Log:                 testutils.Logger(t, "autoreply"),
		AutoResponderScript: script,
	}
	r := env.addRecipient("user1@example.com")
	env.provider.AddStore("user1").SetOOF(store.OOFSettings{Active: true, BodyText: "away"})

	mail := "Auto-Submitted: auto-replied\r\n" + sampleMail
	if got := env.deliver(t, mail, "sender@example.org")[r]; got != lmtp.StatusOK {
		t.Fatalf("status = %v", got)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Errorf("OOF reply sent despite Auto-Submitted header")
	}
	if n := len(env.provider.AddStore("user1").InboxFolder().Messages()); n != 1 {
		t.Errorf("inbox has %d messages, want normal delivery", n)
	}
}

func TestDetectSpamHeader(t *testing.T) {
	raw := []byte("Received: whatever\r\nX-Spam-Flag: YES, level 9\r\n\r\nX-Spam-Flag: NO\r\n")
	if !detectSpamHeader(raw, "x-spam-flag", "YES") {
		t.Errorf("header in header block not detected")
	}
	if detectSpamHeader(raw, "x-spam-flag", "NO") {
		t.Errorf("match found in the body, must stop at the blank line")
	}
	if detectSpamHeader(raw, "", "YES") {
		t.Errorf("empty header name must disable the check")
	}
}
