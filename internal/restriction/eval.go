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

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"

	"github.com/mailstacks/lmtpd/internal/store"
)

var foldCaser = cases.Fold()

// foldWidth normalises fullwidth/halfwidth form variants to their narrow
// form before case folding, so CONTENT IGNORECASE matches regardless of
// which width form a client submitted.
func foldWidth(s string) string {
	return width.Narrow.String(s)
}

// Eval evaluates r against the properties of a single row. props is the
// already-fetched set of evaluable properties for that row (the row engine
// is responsible for ensuring every tag r references was requested).
//
// Eval never returns an error for a well-formed tree: ConstFalse always
// evaluates to false, and a missing property is treated as absent (EXIST
// fails, PROPERTY/CONTENT comparisons fail) rather than as an error, since
// the store itself allows objects to omit properties freely.
func Eval(r Restriction, props map[store.PropTag]store.Value) bool {
	switch v := r.(type) {
	case ConstFalse:
		return false
	case And:
		for _, c := range v.Children {
			if !Eval(c, props) {
				return false
			}
		}
		return true
	case Or:
		for _, c := range v.Children {
			if Eval(c, props) {
				return true
			}
		}
		return false
	case Not:
		return !Eval(v.Child, props)
	case Exist:
		_, ok := lookup(props, v.Prop)
		return ok
	case Content:
		val, ok := lookup(props, v.Prop)
		if !ok || val.Tag != store.PTString {
			return false
		}
		return evalContent(v, val.Str)
	case Property:
		val, ok := lookup(props, v.Prop)
		if !ok {
			return false
		}
		return evalProperty(v, val)
	case Subrestriction:
		// Eval sees only the parent row's properties; subtable rows are not
		// available to it, so a Subrestriction never matches here.
		return false
	default:
		return false
	}
}

// lookup finds props[tag] tolerating an MVI-marked tag by also trying the
// tag with the marker stripped, since the row engine stores MVI-expanded
// rows under the bare (non-marker) tag of the instance's own value.
func lookup(props map[store.PropTag]store.Value, tag store.PropTag) (store.Value, bool) {
	if v, ok := props[tag]; ok {
		return v, true
	}
	if tag.IsMVI() {
		bare := store.NewPropTag(tag.ID(), tag.Type())
		if v, ok := props[bare]; ok {
			return v, true
		}
	}
	return store.Value{}, false
}

func evalContent(c Content, value string) bool {
	haystack, needle := value, c.Value
	if c.Fuzzy&IgnoreCase != 0 {
		haystack = foldCaser.String(foldWidth(haystack))
		needle = foldCaser.String(foldWidth(needle))
	}
	switch c.Fuzzy.MatchMode() {
	case FullString:
		return haystack == needle
	case Prefix:
		return strings.HasPrefix(haystack, needle)
	case Substring:
		return strings.Contains(haystack, needle)
	default:
		return false
	}
}

func evalProperty(p Property, val store.Value) bool {
	cmp, ok := compare(val, p.Value)
	if !ok {
		return false
	}
	switch p.Op {
	case OpEQ:
		return cmp == 0
	case OpNE:
		return cmp != 0
	case OpLT:
		return cmp < 0
	case OpLE:
		return cmp <= 0
	case OpGT:
		return cmp > 0
	case OpGE:
		return cmp >= 0
	default:
		return false
	}
}

// compare returns -1/0/1 comparing a against b, provided their Tag types
// match and are ordered; ok is false for incomparable or mismatched types.
func compare(a, b store.Value) (int, bool) {
	if a.Tag != b.Tag {
		return 0, false
	}
	switch a.Tag {
	case store.PTInt32, store.PTInt64, store.PTFiletime:
		return cmpInt64(a.Int, b.Int), true
	case store.PTBool:
		if a.Bool == b.Bool {
			return 0, true
		}
		if !a.Bool {
			return -1, true
		}
		return 1, true
	case store.PTString:
		return strings.Compare(a.Str, b.Str), true
	case store.PTBinary:
		return strings.Compare(string(a.Bin), string(b.Bin)), true
	default:
		return 0, false
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
