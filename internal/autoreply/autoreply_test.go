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

package autoreply

import (
	"strings"
	"testing"
	"time"

	"github.com/mailstacks/lmtpd/internal/store"
)

func TestIsOOFActive(t *testing.T) {
	now := time.Unix(1000, 0)
	cases := []struct {
		name string
		o    store.OOFSettings
		want bool
	}{
		{"inactive flag", store.OOFSettings{Active: false}, false},
		{"no bounds", store.OOFSettings{Active: true}, true},
		{"before from", store.OOFSettings{Active: true, From: 2000}, false},
		{"after until", store.OOFSettings{Active: true, Until: 500}, false},
		{"within window", store.OOFSettings{Active: true, From: 500, Until: 2000}, true},
	}
	for _, c := range cases {
		if got := IsOOFActive(c.o, now); got != c.want {
			t.Errorf("%s: IsOOFActive = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestLoopGuardSuppressesOOF(t *testing.T) {
	if !loopGuardSuppresses("Auto-Submitted: auto-replied\r\n") {
		t.Error("expected Auto-Submitted to suppress the OOF reply (S7)")
	}
	if loopGuardSuppresses("Subject: hi\r\n") {
		t.Error("ordinary headers must not suppress the OOF reply")
	}
}

func TestComposeReplyMessageWrapsBase64(t *testing.T) {
	body := strings.Repeat("x", 200)
	msg := ComposeReplyMessage(ComposeParams{
		RecipientSMTP: "u@example.com",
		SenderSMTP:    "sender@example.com",
		BodyText:      body,
		Now:           time.Unix(0, 0),
	})
	if !strings.Contains(msg, "X-Kopano-Vacation: autorespond\r\n") {
		t.Error("missing X-Kopano-Vacation header")
	}
	if !strings.Contains(msg, "Content-Transfer-Encoding: base64\r\n") {
		t.Error("missing base64 CTE header")
	}
	idx := strings.Index(msg, "\r\n\r\n")
	if idx < 0 {
		t.Fatal("missing header/body separator")
	}
	for _, line := range strings.Split(strings.TrimRight(msg[idx+4:], "\r\n"), "\r\n") {
		if len(line) > base64WrapWidth {
			t.Errorf("base64 line exceeds %d columns: %q", base64WrapWidth, line)
		}
	}
}
