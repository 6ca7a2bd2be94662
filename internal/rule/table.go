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
	"sort"
)

// SliceTable is an in-memory RuleTable; Rules returns the entries sorted
// ascending by sequence. The property-backed rule table of a real store is
// adapted to RuleTable by the embedding server.
type SliceTable []Rule

func (t SliceTable) Rules(ctx context.Context) ([]Rule, error) {
	out := append([]Rule{}, t...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

var _ RuleTable = SliceTable(nil)
