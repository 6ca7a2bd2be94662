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

// Package restriction implements the algebraic restriction tree used as the
// query language of the store, plus the normaliser that splits a tree into
// a residual restriction and a set of indexer-searchable terms.
package restriction

import (
	"fmt"

	"github.com/mailstacks/lmtpd/internal/store"
)

// RelOp is a PROPERTY node's comparison operator.
type RelOp int

const (
	OpEQ RelOp = iota
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
)

// Fuzzy controls CONTENT matching: one match-mode bit plus an optional
// case-insensitivity bit.
type Fuzzy int

const (
	FullString Fuzzy = 1 << iota
	Substring
	Prefix
	IgnoreCase
)

// MatchMode isolates the match-mode bits of a Fuzzy value, discarding
// IgnoreCase.
func (f Fuzzy) MatchMode() Fuzzy { return f &^ IgnoreCase }

// Scope selects which table a SUBRESTRICTION node is evaluated against.
type Scope int

const (
	ScopeAttachmentTable Scope = iota
	ScopeRecipientTable
)

// Restriction is a node in the algebraic restriction tree. It is
// implemented by the concrete types below and by ConstFalse
// (normalise.go).
type Restriction interface {
	isRestriction()
}

// And is satisfied when every child is.
type And struct{ Children []Restriction }

// Or is satisfied when any child is.
type Or struct{ Children []Restriction }

// Not is satisfied when its child is not.
type Not struct{ Child Restriction }

// Content matches a string-typed property against Value using the given
// fuzzy-matching mode.
type Content struct {
	Prop  store.PropTag
	Value string
	Fuzzy Fuzzy
}

// Property compares a property's value against Value using Op.
type Property struct {
	Op    RelOp
	Prop  store.PropTag
	Value store.Value
}

// Exist matches any row where Prop is set, regardless of value.
type Exist struct{ Prop store.PropTag }

// Subrestriction evaluates Child against rows of an attachment or recipient
// subtable rather than the top-level object.
type Subrestriction struct {
	Scope Scope
	Child Restriction
}

func (And) isRestriction()            {}
func (Or) isRestriction()             {}
func (Not) isRestriction()            {}
func (Content) isRestriction()        {}
func (Property) isRestriction()       {}
func (Exist) isRestriction()          {}
func (Subrestriction) isRestriction() {}

// ErrInvalidParameter is returned when serialised restriction data is
// malformed or a restriction node cannot be encoded.
var ErrInvalidParameter = fmt.Errorf("restriction: invalid parameter")

