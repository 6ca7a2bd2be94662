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

package recipient

import "context"

// Group is the two-level company -> home-server -> recipient-set map
// produced by resolving a batch of RCPT TO addresses, keyed so the
// delivery orchestrator can iterate one (company, home-server) shard at a
// time.
type Group map[string]map[string][]*Recipient

// Resolver resolves one raw RCPT TO address; *Directory is the production
// implementation, tests substitute their own.
type Resolver interface {
	Resolve(ctx context.Context, raw string) (*Recipient, ResolveStatus)
}

// ServerResolver batch-resolves home-server names to their preferred
// connection URLs in one round trip.
type ServerResolver interface {
	ResolveServers(ctx context.Context, names []string) (map[string]string, error)
}

// Grouper accumulates resolved recipients into a Group, merging duplicate
// directory entries (same EntryID) so the merged recipient retains every
// raw RCPT alias for response generation.
type Grouper struct {
	dir   Resolver
	group Group
	// byEntryID indexes already-merged recipients by entry-id (as a
	// string key) so a second RCPT TO resolving to the same directory
	// entry merges into the existing Recipient instead of duplicating it.
	byEntryID map[string]*Recipient
}

// NewGrouper returns an empty Grouper resolving against dir.
func NewGrouper(dir Resolver) *Grouper {
	return &Grouper{
		dir:       dir,
		group:     Group{},
		byEntryID: map[string]*Recipient{},
	}
}

// Add resolves raw and, on success, inserts (or merges) it into the group.
// statusTemplate is the printf-style per-recipient LMTP status line
// template to stamp on first resolution.
func (g *Grouper) Add(ctx context.Context, raw, statusTemplate string) (*Recipient, ResolveStatus) {
	r, status := g.dir.Resolve(ctx, raw)
	if status != StatusResolved {
		return nil, status
	}

	key := string(r.EntryID)
	if existing, ok := g.byEntryID[key]; ok {
		existing.RawAliases = append(existing.RawAliases, raw)
		return existing, StatusResolved
	}

	r.StatusTemplate = statusTemplate
	g.byEntryID[key] = r

	byServer, ok := g.group[r.Company]
	if !ok {
		byServer = map[string][]*Recipient{}
		g.group[r.Company] = byServer
	}
	byServer[r.HomeServer] = append(byServer[r.HomeServer], r)

	return r, StatusResolved
}

// AddResolved inserts an externally resolved recipient, merging on
// entry-id like Add; the single-delivery CLI uses it when no directory is
// configured.
func (g *Grouper) AddResolved(r *Recipient, raw, statusTemplate string) *Recipient {
	key := string(r.EntryID)
	if existing, ok := g.byEntryID[key]; ok {
		existing.RawAliases = append(existing.RawAliases, raw)
		return existing
	}

	r.RawAliases = append(r.RawAliases, raw)
	r.StatusTemplate = statusTemplate
	g.byEntryID[key] = r

	byServer, ok := g.group[r.Company]
	if !ok {
		byServer = map[string][]*Recipient{}
		g.group[r.Company] = byServer
	}
	byServer[r.HomeServer] = append(byServer[r.HomeServer], r)
	return r
}

// Group returns the accumulated (company -> home-server -> recipients) map.
func (g *Grouper) Group() Group {
	return g.group
}
