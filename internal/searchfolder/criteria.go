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

package searchfolder

import (
	"encoding/xml"
	"fmt"

	"github.com/mailstacks/lmtpd/internal/restriction"
)

// Status is the persisted state of one search folder, written to the
// folder's status property so a restart rebuilds any folder that was mid-
// population at shutdown.
type Status int

const (
	StatusStopped Status = iota
	StatusRebuilding
	StatusRunning
)

func (s Status) String() string {
	switch s {
	case StatusRebuilding:
		return "rebuilding"
	case StatusRunning:
		return "running"
	default:
		return "stopped"
	}
}

// ParseStatus is the inverse of Status.String; unknown strings map to
// stopped so a corrupted status property degrades to "not searching".
func ParseStatus(s string) Status {
	switch s {
	case "rebuilding":
		return StatusRebuilding
	case "running":
		return StatusRunning
	default:
		return StatusStopped
	}
}

// criteriaFlagRecursive is bit 1 of the serialised ulFlags attribute.
const criteriaFlagRecursive = 0x1

// Criteria is one search folder's specification: the folder scope, whether
// the scope covers descendants, and the restriction rows must match.
type Criteria struct {
	Scope      []uint32
	Recursive  bool
	Restriction restriction.Restriction
}

// xmlCriteria is the persisted form. Like the restriction encoding it is an
// interop contract with other stores; the element and attribute names are
// frozen.
type xmlCriteria struct {
	XMLName xml.Name `xml:"searchCriteria"`
	Flags   uint32   `xml:"ulFlags,attr"`
	Scope   struct {
		Folders []uint32 `xml:"folder"`
	} `xml:"scope"`
	Restriction innerXML `xml:"restriction"`
}

type innerXML struct {
	Raw []byte `xml:",innerxml"`
}

// MarshalCriteria serialises c into the XML stored under the criteria
// property.
func MarshalCriteria(c Criteria) (string, error) {
	res, err := restriction.MarshalXML(c.Restriction)
	if err != nil {
		return "", err
	}

	var x xmlCriteria
	if c.Recursive {
		x.Flags |= criteriaFlagRecursive
	}
	x.Scope.Folders = c.Scope
	x.Restriction.Raw = res

	out, err := xml.Marshal(x)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// UnmarshalCriteria parses the persisted criteria XML back into a Criteria.
func UnmarshalCriteria(data string) (Criteria, error) {
	var x xmlCriteria
	if err := xml.Unmarshal([]byte(data), &x); err != nil {
		return Criteria{}, fmt.Errorf("searchfolder: malformed criteria: %w", err)
	}
	res, err := restriction.UnmarshalXML(x.Restriction.Raw)
	if err != nil {
		return Criteria{}, err
	}
	return Criteria{
		Scope:       x.Scope.Folders,
		Recursive:   x.Flags&criteriaFlagRecursive != 0,
		Restriction: res,
	}, nil
}
