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
	"reflect"
	"testing"

	"github.com/mailstacks/lmtpd/internal/store"
)

var (
	propSubject = store.NewPropTag(0x0037, store.PTString)
	propBody    = store.NewPropTag(0x1000, store.PTString)
	propFlags   = store.NewPropTag(0x0e07, store.PTInt32)
)

func TestFlattenNestedAnd(t *testing.T) {
	r := And{Children: []Restriction{
		Exist{Prop: propSubject},
		And{Children: []Restriction{
			Exist{Prop: propBody},
			And{Children: []Restriction{
				Exist{Prop: propFlags},
			}},
		}},
	}}

	flat := Flatten(r).(And)
	if len(flat.Children) != 3 {
		t.Fatalf("expected 3 flattened children, got %d: %#v", len(flat.Children), flat.Children)
	}
}

func TestFlattenIdempotent(t *testing.T) {
	r := And{Children: []Restriction{
		Exist{Prop: propSubject},
		And{Children: []Restriction{Exist{Prop: propBody}}},
	}}

	once := Flatten(r)
	twice := Flatten(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("Flatten is not idempotent:\nonce:  %#v\ntwice: %#v", once, twice)
	}
}

func TestNormaliseExtractsContent(t *testing.T) {
	r := And{Children: []Restriction{
		Content{Prop: propSubject, Value: "invoice", Fuzzy: Substring | IgnoreCase},
		Exist{Prop: propFlags},
	}}

	residual, terms, err := Normalise(r, nil)
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	if len(terms) != 1 || terms[0].Term != "invoice" {
		t.Fatalf("unexpected terms: %#v", terms)
	}
	res := residual.(And)
	if len(res.Children) != 1 {
		t.Fatalf("expected 1 residual child, got %#v", res.Children)
	}
}

func TestNormaliseSameTermOr(t *testing.T) {
	r := And{Children: []Restriction{
		Or{Children: []Restriction{
			Content{Prop: propSubject, Value: "report", Fuzzy: Substring | IgnoreCase},
			Content{Prop: propBody, Value: "report", Fuzzy: Substring | IgnoreCase},
		}},
	}}

	residual, terms, err := Normalise(r, nil)
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	if len(terms) != 1 {
		t.Fatalf("expected 1 merged term, got %#v", terms)
	}
	if len(terms[0].Fields) != 2 {
		t.Fatalf("expected fields from both OR leaves, got %#v", terms[0].Fields)
	}
	res := residual.(And)
	if len(res.Children) != 0 {
		t.Fatalf("expected empty residual, got %#v", res.Children)
	}
}

func TestNormaliseMixedTermOrAborts(t *testing.T) {
	r := And{Children: []Restriction{
		Or{Children: []Restriction{
			Content{Prop: propSubject, Value: "report", Fuzzy: Substring | IgnoreCase},
			Content{Prop: propBody, Value: "invoice", Fuzzy: Substring | IgnoreCase},
		}},
	}}

	_, _, err := Normalise(r, nil)
	if err != ErrNotIndexable {
		t.Fatalf("expected ErrNotIndexable for mixed-term OR, got %v", err)
	}
}

func TestNormaliseConstantFalse(t *testing.T) {
	r := And{Children: []Restriction{
		Content{Prop: propSubject, Value: "x", Fuzzy: Substring | IgnoreCase},
		Exist{Prop: propFlags},
		Not{Child: Exist{Prop: propFlags}},
	}}

	residual, _, err := Normalise(r, nil)
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	if _, ok := residual.(ConstFalse); !ok {
		t.Fatalf("expected ConstFalse, got %#v", residual)
	}
}

func TestNormaliseNoIndexableTermFails(t *testing.T) {
	r := And{Children: []Restriction{
		Exist{Prop: propFlags},
	}}

	_, _, err := Normalise(r, nil)
	if err != ErrNotIndexable {
		t.Fatalf("expected ErrNotIndexable, got %v", err)
	}
}

func TestNormaliseCaseSensitiveContentNotExtracted(t *testing.T) {
	r := And{Children: []Restriction{
		Content{Prop: propSubject, Value: "x", Fuzzy: Substring},
	}}

	if _, _, err := Normalise(r, nil); err != ErrNotIndexable {
		t.Fatalf("expected ErrNotIndexable for case-sensitive content, got %v", err)
	}

	r = And{Children: []Restriction{
		Content{Prop: propSubject, Value: "x", Fuzzy: FullString | IgnoreCase},
	}}
	if _, _, err := Normalise(r, nil); err != ErrNotIndexable {
		t.Fatalf("expected ErrNotIndexable for full-string content, got %v", err)
	}
}

func TestNormaliseExcludedPropertyNotExtracted(t *testing.T) {
	r := And{Children: []Restriction{
		Content{Prop: propSubject, Value: "x", Fuzzy: Substring | IgnoreCase},
	}}

	excluded := store.PropSet{propSubject.ID(): struct{}{}}
	_, _, err := Normalise(r, excluded)
	if err != ErrNotIndexable {
		t.Fatalf("expected ErrNotIndexable when sole content prop is excluded, got %v", err)
	}
}

// TestNormaliseSoundness is the round-trip/soundness property from the
// design notes: for rows that satisfy the original restriction, evaluating
// the residual restriction alone must also accept them once the extracted
// terms are known to have matched (the indexer is the one asserting the
// terms matched; the residual only needs to recheck what it didn't hand
// off).
func TestNormaliseSoundness(t *testing.T) {
	r := And{Children: []Restriction{
		Content{Prop: propSubject, Value: "invoice", Fuzzy: Substring | IgnoreCase},
		Property{Op: OpEQ, Prop: propFlags, Value: store.Value{Tag: store.PTInt32, Int: 0}},
	}}

	residual, terms, err := Normalise(r, nil)
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	if len(terms) != 1 {
		t.Fatalf("expected 1 term, got %#v", terms)
	}

	row := map[store.PropTag]store.Value{
		propSubject: {Tag: store.PTString, Str: "your invoice is ready"},
		propFlags:   {Tag: store.PTInt32, Int: 0},
	}

	if !Eval(r, row) {
		t.Fatalf("original restriction should match row")
	}
	if !Eval(residual, row) {
		t.Fatalf("residual restriction should also match row matched by full restriction")
	}
}
