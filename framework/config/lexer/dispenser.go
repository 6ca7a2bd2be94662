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

package lexer

import (
	"fmt"
	"io"
)

// Dispenser walks over a pre-lexed token stream, one token at a time, and
// tracks the cursor position for error reporting.
type Dispenser struct {
	file   string
	tokens []Token
	cursor int
	err    error
}

// NewDispenser lexes the entire input and returns a Dispenser positioned
// before the first token.
func NewDispenser(file string, r io.Reader) Dispenser {
	tokens, err := allTokens(r)
	for i := range tokens {
		tokens[i].File = file
	}
	return Dispenser{file: file, tokens: tokens, cursor: -1, err: err}
}

// Next loads the next token, regardless of its position, and returns true
// if a token was loaded, false if there is none left.
func (d *Dispenser) Next() bool {
	if d.cursor >= len(d.tokens)-1 {
		return false
	}
	d.cursor++
	return true
}

// NextArg loads the next token only if it is on the same line as the
// current token. It returns false without advancing the cursor otherwise.
func (d *Dispenser) NextArg() bool {
	if d.cursor < 0 || d.cursor >= len(d.tokens)-1 {
		return false
	}
	if d.tokens[d.cursor+1].Line != d.tokens[d.cursor].Line {
		return false
	}
	d.cursor++
	return true
}

// NextLine loads the next token only if it is on a different line than the
// current token. It returns false without advancing the cursor otherwise.
func (d *Dispenser) NextLine() bool {
	if d.cursor < 0 || d.cursor >= len(d.tokens)-1 {
		return false
	}
	if d.tokens[d.cursor+1].Line == d.tokens[d.cursor].Line {
		return false
	}
	d.cursor++
	return true
}

// Val returns the text of the token currently pointed to by the cursor.
func (d *Dispenser) Val() string {
	if d.cursor < 0 || d.cursor >= len(d.tokens) {
		return ""
	}
	return d.tokens[d.cursor].Text
}

// Line returns the line number of the token currently pointed to by the
// cursor.
func (d *Dispenser) Line() int {
	if d.cursor < 0 || d.cursor >= len(d.tokens) {
		return 0
	}
	return d.tokens[d.cursor].Line
}

// File returns the name of the file being parsed.
func (d *Dispenser) File() string {
	return d.file
}

// Err builds an error annotated with the current file and line.
func (d *Dispenser) Err(msg string) error {
	return fmt.Errorf("%s:%d: %s", d.File(), d.Line(), msg)
}

// SyntaxErr builds an error describing an unexpected token, given a
// description of what was expected instead.
func (d *Dispenser) SyntaxErr(expected string) error {
	return fmt.Errorf("%s:%d: unexpected token %q, expecting %s", d.File(), d.Line(), d.Val(), expected)
}
