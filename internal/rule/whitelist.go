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
	"strings"

	"github.com/mailstacks/lmtpd/framework/address"
	"github.com/mailstacks/lmtpd/framework/dns"
)

// NewForwardWhitelist builds a Deps.ForwardWhitelist matcher from the
// administrator-configured glob list, where '*' crosses '.' boundaries
// (unlike a shell glob). Patterns and target domains are normalised to
// their A-label lookup form before comparison so a forward target typed in
// Unicode still matches an ASCII-only configured pattern and vice versa.
func NewForwardWhitelist(patterns []string) func(addr string) bool {
	normalised := make([]string, 0, len(patterns))
	for _, p := range patterns {
		// Wildcard labels do not survive IDNA conversion; those patterns
		// keep their literal (lowercased) form.
		if a, err := dns.ForLookup(p); err == nil {
			normalised = append(normalised, a)
		} else {
			normalised = append(normalised, strings.ToLower(p))
		}
	}

	return func(addr string) bool {
		_, domain, err := address.Split(addr)
		if err != nil {
			return false
		}
		if a, err := dns.ForLookup(domain); err == nil {
			domain = a
		} else {
			domain = strings.ToLower(domain)
		}
		for _, p := range normalised {
			if globMatch(p, domain) {
				return true
			}
		}
		return false
	}
}

// globMatch matches a domain glob where '*' matches any run of characters,
// including one crossing a '.' label boundary.
func globMatch(pattern, s string) bool {
	star := strings.IndexByte(pattern, '*')
	if star < 0 {
		return pattern == s
	}
	prefix, suffix := pattern[:star], pattern[star+1:]
	return strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix) && len(s) >= len(prefix)+len(suffix)
}
