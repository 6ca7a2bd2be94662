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

package restriction

import "github.com/mailstacks/lmtpd/internal/store"

// PropsUsed walks r and returns the set of property tags it references, so
// a caller (the row engine's evaluable-property fetch, the rule engine's
// condition evaluation) knows exactly which tags to
// request before calling Eval.
func PropsUsed(r Restriction) []store.PropTag {
	seen := map[store.PropTag]struct{}{}
	var walk func(Restriction)
	walk = func(r Restriction) {
		switch v := r.(type) {
		case And:
			for _, c := range v.Children {
				walk(c)
			}
		case Or:
			for _, c := range v.Children {
				walk(c)
			}
		case Not:
			walk(v.Child)
		case Content:
			seen[v.Prop] = struct{}{}
		case Property:
			seen[v.Prop] = struct{}{}
		case Exist:
			seen[v.Prop] = struct{}{}
		case Subrestriction:
			walk(v.Child)
		}
	}
	walk(r)

	out := make([]store.PropTag, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	return out
}
