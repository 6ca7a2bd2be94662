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
	"fmt"

	"github.com/mailstacks/lmtpd/internal/store"
)

// IndexTerm is one multi-field substring search handed off to the indexer
// client: all Fields are searched for Term, ANDed with the other terms
// extracted from the same restriction.
type IndexTerm struct {
	Term   string
	Fields []uint16
}

// ErrNotIndexable is returned by Normalise when no term could be extracted
// from r; callers must fall back to a full table scan.
var ErrNotIndexable = fmt.Errorf("restriction: not indexable")

// Flatten splices any AND child that is itself an AND into its parent,
// recursively, so a caller never has to handle nested ANDs. Non-AND
// restrictions (including children of OR/NOT/SUBRESTRICTION) are flattened
// at their own nesting level but never merged across node kinds.
//
// Flatten is idempotent: Flatten(Flatten(r)) produces a tree equal to
// Flatten(r).
func Flatten(r Restriction) Restriction {
	switch v := r.(type) {
	case And:
		var out []Restriction
		for _, c := range v.Children {
			fc := Flatten(c)
			if nested, ok := fc.(And); ok {
				out = append(out, nested.Children...)
			} else {
				out = append(out, fc)
			}
		}
		return And{Children: out}
	case Or:
		out := make([]Restriction, len(v.Children))
		for i, c := range v.Children {
			out[i] = Flatten(c)
		}
		return Or{Children: out}
	case Not:
		return Not{Child: Flatten(v.Child)}
	case Subrestriction:
		return Subrestriction{Scope: v.Scope, Child: Flatten(v.Child)}
	default:
		return r
	}
}

// isConstantFalseAnd reports whether children contains both EXIST(p) and
// NOT(EXIST(p)) for some property p, which makes the enclosing AND
// unsatisfiable regardless of the other children.
func isConstantFalseAnd(children []Restriction) bool {
	exists := map[uint16]bool{}
	notExists := map[uint16]bool{}
	for _, c := range children {
		switch v := c.(type) {
		case Exist:
			exists[v.Prop.ID()] = true
		case Not:
			if e, ok := v.Child.(Exist); ok {
				notExists[e.Prop.ID()] = true
			}
		}
	}
	for id := range exists {
		if notExists[id] {
			return true
		}
	}
	return false
}

// ConstFalse is a sentinel restriction meaning "never matches", produced by
// Normalise when isConstantFalseAnd detects an unsatisfiable AND.
type ConstFalse struct{}

func (ConstFalse) isRestriction() {}

// extractable reports whether c is a CONTENT node the indexer can serve:
// a case-insensitive substring match over a string property not in
// excluded. Anything stricter (full-string, prefix, case-sensitive) must
// stay in the residual, since the index only answers folded substring
// queries.
func extractable(c Restriction, excluded store.PropSet) (Content, bool) {
	content, ok := c.(Content)
	if !ok {
		return Content{}, false
	}
	if content.Fuzzy.MatchMode() != Substring || content.Fuzzy&IgnoreCase == 0 {
		return Content{}, false
	}
	t := content.Prop.Type()
	if t != store.PTString {
		return Content{}, false
	}
	if excluded.Has(content.Prop.ID()) {
		return Content{}, false
	}
	return content, true
}

// Normalise rewrites r into (r', terms) where terms is the set of
// multi-field substring searches suitable for the indexer client and r' is
// the residual restriction that must still be evaluated against candidate
// rows returned by the indexer (or, on ErrNotIndexable, against every row
// in a full table scan instead).
//
// The algorithm is a direct generalisation of the four-step procedure used
// by the store's own restriction splitter:
//
//  1. Flatten nested ANDs.
//  2. Detect and collapse EXIST(p) ∧ ¬EXIST(p) into a constant-false AND.
//  3. Walk the top-level AND's children, extracting indexable CONTENT
//     nodes (or same-term ORs of them) and removing them from the residual.
//  4. Succeed only if at least one term was extracted.
func Normalise(r Restriction, excluded store.PropSet) (Restriction, []IndexTerm, error) {
	flat := Flatten(r)

	and, ok := flat.(And)
	if !ok {
		// A non-AND top level restriction has nothing to extract from;
		// callers fall back to a table scan.
		return nil, nil, ErrNotIndexable
	}

	if isConstantFalseAnd(and.Children) {
		return ConstFalse{}, nil, nil
	}

	var (
		residual []Restriction
		terms    []IndexTerm
	)

	for _, c := range and.Children {
		if content, ok := extractable(c, excluded); ok {
			terms = append(terms, IndexTerm{Term: content.Value, Fields: []uint16{content.Prop.ID()}})
			continue
		}

		if or, ok := c.(Or); ok {
			term, fields, ok := sameTermOr(or, excluded)
			if ok {
				terms = append(terms, IndexTerm{Term: term, Fields: fields})
				continue
			}
			// Mixed-term OR: abort the whole extraction rather than
			// silently dropping part of the restriction's semantics.
			if orHasExtractableLeaf(or, excluded) {
				return nil, nil, ErrNotIndexable
			}
		}

		residual = append(residual, c)
	}

	if len(terms) == 0 {
		return nil, nil, ErrNotIndexable
	}

	return And{Children: residual}, terms, nil
}

// sameTermOr reports whether every leaf of or is an extractable CONTENT
// node sharing the same search term, returning that term and the union of
// the leaves' property ids if so.
func sameTermOr(or Or, excluded store.PropSet) (string, []uint16, bool) {
	if len(or.Children) == 0 {
		return "", nil, false
	}

	var term string
	fieldSet := map[uint16]struct{}{}
	for i, leaf := range or.Children {
		content, ok := extractable(leaf, excluded)
		if !ok {
			return "", nil, false
		}
		if i == 0 {
			term = content.Value
		} else if content.Value != term {
			return "", nil, false
		}
		fieldSet[content.Prop.ID()] = struct{}{}
	}

	fields := make([]uint16, 0, len(fieldSet))
	for id := range fieldSet {
		fields = append(fields, id)
	}
	return term, fields, true
}

// orHasExtractableLeaf reports whether any leaf of or would itself be
// extractable, used to distinguish a mixed-term OR (which must abort the
// whole extraction) from an OR with no indexable content at all (which is
// simply left in the residual).
func orHasExtractableLeaf(or Or, excluded store.PropSet) bool {
	for _, leaf := range or.Children {
		if _, ok := extractable(leaf, excluded); ok {
			return true
		}
	}
	return false
}
