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
	"encoding/hex"
	"encoding/xml"
	"fmt"

	"github.com/mailstacks/lmtpd/internal/store"
)

// The XML encoding below is an interop contract: other stores parse the
// serialised criteria, so node and attribute names are frozen. Do not
// rename them when refactoring the in-memory tree.

type xmlNode struct {
	XMLName xml.Name  `xml:"res"`
	Kind    string    `xml:"type,attr"`
	Tag     uint32    `xml:"tag,attr,omitempty"`
	Op      int       `xml:"relop,attr,omitempty"`
	Fuzzy   int       `xml:"fuzzy,attr,omitempty"`
	Scope   int       `xml:"scope,attr,omitempty"`
	Value   *xmlValue `xml:"value,omitempty"`
	Nodes   []xmlNode `xml:"res,omitempty"`
}

type xmlValue struct {
	Type uint16 `xml:"type,attr"`
	Int  int64  `xml:"int,omitempty"`
	Str  string `xml:"str,omitempty"`
	Bin  string `xml:"bin,omitempty"` // hex
	Bool bool   `xml:"bool,omitempty"`
}

func toXMLValue(v store.Value) *xmlValue {
	out := &xmlValue{Type: uint16(v.Tag)}
	switch v.Tag {
	case store.PTInt32, store.PTInt64, store.PTFiletime:
		out.Int = v.Int
	case store.PTBool:
		out.Bool = v.Bool
	case store.PTString:
		out.Str = v.Str
	case store.PTBinary:
		out.Bin = hex.EncodeToString(v.Bin)
	}
	return out
}

func fromXMLValue(v *xmlValue) (store.Value, error) {
	if v == nil {
		return store.Value{}, fmt.Errorf("%w: missing value element", ErrInvalidParameter)
	}
	out := store.Value{Tag: store.PropType(v.Type)}
	switch out.Tag {
	case store.PTInt32, store.PTInt64, store.PTFiletime:
		out.Int = v.Int
	case store.PTBool:
		out.Bool = v.Bool
	case store.PTString:
		out.Str = v.Str
	case store.PTBinary:
		bin, err := hex.DecodeString(v.Bin)
		if err != nil {
			return store.Value{}, fmt.Errorf("%w: bad hex value: %v", ErrInvalidParameter, err)
		}
		out.Bin = bin
	default:
		return store.Value{}, fmt.Errorf("%w: unsupported value type %d", ErrInvalidParameter, v.Type)
	}
	return out, nil
}

func toXMLNode(r Restriction) (xmlNode, error) {
	switch v := r.(type) {
	case And:
		n := xmlNode{Kind: "and"}
		for _, c := range v.Children {
			cn, err := toXMLNode(c)
			if err != nil {
				return xmlNode{}, err
			}
			n.Nodes = append(n.Nodes, cn)
		}
		return n, nil
	case Or:
		n := xmlNode{Kind: "or"}
		for _, c := range v.Children {
			cn, err := toXMLNode(c)
			if err != nil {
				return xmlNode{}, err
			}
			n.Nodes = append(n.Nodes, cn)
		}
		return n, nil
	case Not:
		cn, err := toXMLNode(v.Child)
		if err != nil {
			return xmlNode{}, err
		}
		return xmlNode{Kind: "not", Nodes: []xmlNode{cn}}, nil
	case Content:
		return xmlNode{
			Kind:  "content",
			Tag:   uint32(v.Prop),
			Fuzzy: int(v.Fuzzy),
			Value: &xmlValue{Type: uint16(store.PTString), Str: v.Value},
		}, nil
	case Property:
		return xmlNode{
			Kind:  "property",
			Tag:   uint32(v.Prop),
			Op:    int(v.Op),
			Value: toXMLValue(v.Value),
		}, nil
	case Exist:
		return xmlNode{Kind: "exist", Tag: uint32(v.Prop)}, nil
	case Subrestriction:
		cn, err := toXMLNode(v.Child)
		if err != nil {
			return xmlNode{}, err
		}
		return xmlNode{Kind: "sub", Scope: int(v.Scope), Nodes: []xmlNode{cn}}, nil
	case ConstFalse:
		return xmlNode{Kind: "false"}, nil
	default:
		return xmlNode{}, fmt.Errorf("%w: unknown restriction node %T", ErrInvalidParameter, r)
	}
}

func fromXMLNode(n xmlNode) (Restriction, error) {
	children := func() ([]Restriction, error) {
		out := make([]Restriction, 0, len(n.Nodes))
		for _, c := range n.Nodes {
			r, err := fromXMLNode(c)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, nil
	}
	one := func() (Restriction, error) {
		if len(n.Nodes) != 1 {
			return nil, fmt.Errorf("%w: %q wants exactly one child, got %d", ErrInvalidParameter, n.Kind, len(n.Nodes))
		}
		return fromXMLNode(n.Nodes[0])
	}

	switch n.Kind {
	case "and":
		cs, err := children()
		if err != nil {
			return nil, err
		}
		return And{Children: cs}, nil
	case "or":
		cs, err := children()
		if err != nil {
			return nil, err
		}
		return Or{Children: cs}, nil
	case "not":
		c, err := one()
		if err != nil {
			return nil, err
		}
		return Not{Child: c}, nil
	case "content":
		if n.Value == nil {
			return nil, fmt.Errorf("%w: content node without value", ErrInvalidParameter)
		}
		return Content{Prop: store.PropTag(n.Tag), Value: n.Value.Str, Fuzzy: Fuzzy(n.Fuzzy)}, nil
	case "property":
		val, err := fromXMLValue(n.Value)
		if err != nil {
			return nil, err
		}
		return Property{Op: RelOp(n.Op), Prop: store.PropTag(n.Tag), Value: val}, nil
	case "exist":
		return Exist{Prop: store.PropTag(n.Tag)}, nil
	case "sub":
		c, err := one()
		if err != nil {
			return nil, err
		}
		return Subrestriction{Scope: Scope(n.Scope), Child: c}, nil
	case "false":
		return ConstFalse{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown restriction kind %q", ErrInvalidParameter, n.Kind)
	}
}

// MarshalXML serialises r into the frozen criteria XML form.
func MarshalXML(r Restriction) ([]byte, error) {
	n, err := toXMLNode(r)
	if err != nil {
		return nil, err
	}
	return xml.Marshal(n)
}

// UnmarshalXML parses a tree previously produced by MarshalXML. The result
// evaluates identically to the original on every message.
func UnmarshalXML(data []byte) (Restriction, error) {
	var n xmlNode
	if err := xml.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return fromXMLNode(n)
}
