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
	"reflect"
	"testing"

	"github.com/mailstacks/lmtpd/internal/restriction"
	"github.com/mailstacks/lmtpd/internal/store"
)

func TestCriteriaRoundTrip(t *testing.T) {
	orig := Criteria{
		Scope:     []uint32{10, 11, 200},
		Recursive: true,
		Restriction: restriction.And{Children: []restriction.Restriction{
			restriction.Content{Prop: store.PrSubject, Value: "report",
				Fuzzy: restriction.Substring | restriction.IgnoreCase},
			restriction.Exist{Prop: store.PrMessageFlags},
		}},
	}

	data, err := MarshalCriteria(orig)
	if err != nil {
		t.Fatalf("MarshalCriteria: %v", err)
	}
	back, err := UnmarshalCriteria(data)
	if err != nil {
		t.Fatalf("UnmarshalCriteria(%s): %v", data, err)
	}

	if !reflect.DeepEqual(back.Scope, orig.Scope) {
		t.Errorf("scope round trip: got %v, want %v", back.Scope, orig.Scope)
	}
	if back.Recursive != orig.Recursive {
		t.Errorf("recursive flag lost")
	}
	if !reflect.DeepEqual(back.Restriction, orig.Restriction) {
		t.Errorf("restriction round trip: got %#v, want %#v", back.Restriction, orig.Restriction)
	}
}

func TestCriteriaRecursiveFlagBit(t *testing.T) {
	data, err := MarshalCriteria(Criteria{
		Scope:       []uint32{1},
		Restriction: restriction.Exist{Prop: store.PrSubject},
	})
	if err != nil {
		t.Fatalf("MarshalCriteria: %v", err)
	}
	back, err := UnmarshalCriteria(data)
	if err != nil {
		t.Fatalf("UnmarshalCriteria: %v", err)
	}
	if back.Recursive {
		t.Errorf("recursive bit set on a non-recursive criteria")
	}
}

func TestStatusStringRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusStopped, StatusRebuilding, StatusRunning} {
		if got := ParseStatus(s.String()); got != s {
			t.Errorf("ParseStatus(%q) = %v, want %v", s.String(), got, s)
		}
	}
	if got := ParseStatus("garbage"); got != StatusStopped {
		t.Errorf("unknown status parsed as %v, want stopped", got)
	}
}
