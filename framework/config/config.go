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

// Package config provides the directive-tree configuration format shared by
// the lmtpd daemon and the single-delivery CLI, plus a reflection-based
// binder (Map) that turns parsed directives into Go struct fields.
package config

import (
	"io"

	parser "github.com/mailstacks/lmtpd/framework/cfgparser"
)

// Node is a parsed configuration directive or block.
type Node = parser.Node

// NodeErr builds an error tagged with the file/line of node.
func NodeErr(node Node, f string, args ...interface{}) error {
	return parser.NodeErr(node, f, args...)
}

// Read parses r into a directive tree, expanding snippets and macros.
func Read(r io.Reader, location string) ([]Node, error) {
	return parser.Read(r, location)
}
