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

import "strings"

// headerNameStoplist matches by header name alone. The list is
// deliberately small and conservative; adding entries is a user-visible
// policy change.
var headerNameStoplist = []string{
	"x-kopano-vacation",
	"auto-submitted",
	"precedence",
	"list-id",
	"list-help",
	"list-subscribe",
	"list-unsubscribe",
	"list-post",
	"list-owner",
	"list-archive",
}

// headerLinePrefixStoplist matches the whole header line by prefix.
var headerLinePrefixStoplist = []string{
	"x-spam-flag: yes",
	"x-is-junk: yes",
	"x-amazon",
	"x-linkedin",
}

// shouldSuppressAutoReply reports whether transportHeaders (the raw,
// \n-joined PR_TRANSPORT_MESSAGE_HEADERS value) contains a line matching
// the RFC 3834 loop-guard stop-list, in which case REPLY, OOF-REPLY and
// FORWARD actions must be skipped.
func shouldSuppressAutoReply(transportHeaders string) bool {
	for _, line := range strings.Split(transportHeaders, "\n") {
		line = strings.TrimRight(line, "\r")
		lower := strings.ToLower(line)

		if name, _, ok := strings.Cut(lower, ":"); ok {
			name = strings.TrimSpace(name)
			for _, stop := range headerNameStoplist {
				if name == stop {
					return true
				}
			}
		}

		for _, prefix := range headerLinePrefixStoplist {
			if strings.HasPrefix(lower, prefix) {
				return true
			}
		}
	}
	return false
}
