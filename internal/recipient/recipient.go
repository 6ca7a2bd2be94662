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

// Package recipient resolves RCPT TO addresses against an LDAP-backed
// directory and groups them by (company, home-server) so delivery can be
// sharded per storage node.
package recipient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"

	"github.com/mailstacks/lmtpd/framework/log"
)

// DisplayType mirrors the directory's object display-type attribute.
type DisplayType int

const (
	DisplayTypeMailUser DisplayType = iota
	DisplayTypeRemoteMailUser
	DisplayTypeDistList
)

// ObjectType mirrors the directory's object-type attribute; only
// ObjectTypeMailUser entries are accepted as LMTP recipients.
type ObjectType int

const (
	ObjectTypeMailUser ObjectType = iota
	ObjectTypeOther
)

// ResolveStatus is the outcome of resolving one raw RCPT TO address.
type ResolveStatus int

const (
	StatusResolved ResolveStatus = iota
	StatusAmbiguous
	StatusNotFound
	StatusError
)

// Recipient is a resolved directory entry, plus the raw RCPT aliases that
// merged into it.
type Recipient struct {
	RawAliases []string

	EntryID        []byte
	DisplayName    string
	Account        string
	SMTP           string
	UnicodeEmail   string
	DisplayType    DisplayType
	ObjectType     ObjectType
	Company        string
	HomeServer     string
	IsAdmin        bool
	EnabledFeatures []string
	SearchKey      []byte

	// StatusTemplate is the printf-style per-recipient LMTP status line
	// template captured at resolution time, driving the DATA-phase reply.
	StatusTemplate string
}

// synthesizeSearchKey builds the fallback "SMTP:<UPPER(smtp)>\x00" search
// key the directory uses when an entry lacks one.
func synthesizeSearchKey(smtp string) []byte {
	return append([]byte("SMTP:"+strings.ToUpper(smtp)), 0)
}

// Directory is the LDAP-backed lookup surface. Resolve returns exactly one
// of (Recipient, StatusResolved), (nil, StatusAmbiguous), (nil,
// StatusNotFound) or (nil, StatusError).
type Directory struct {
	log    log.Logger
	urls   []string
	tlsCfg *tls.Config
	dialer *net.Dialer

	baseDN         string
	filterTemplate string

	connLock sync.Mutex
	conn     *ldap.Conn
}

// NewDirectory builds a Directory bound to the given LDAP server URLs,
// searching baseDN with filterTemplate (where "{smtp}" is substituted with
// the address being resolved).
func NewDirectory(lg log.Logger, urls []string, baseDN, filterTemplate string) *Directory {
	return &Directory{
		log:            lg,
		urls:           urls,
		dialer:         &net.Dialer{Timeout: 30 * time.Second},
		baseDN:         baseDN,
		filterTemplate: filterTemplate,
	}
}

// hclogAdapter lets client libraries that want an hclog.Logger log
// through the directory's logger.
func (d *Directory) hclogAdapter() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Output: d.log})
}

func (d *Directory) getConn() (*ldap.Conn, error) {
	d.connLock.Lock()
	if d.conn != nil && !d.conn.IsClosing() {
		return d.conn, nil
	}
	if d.conn != nil {
		d.conn.Close()
	}

	var lastErr error
	for _, u := range d.urls {
		conn, err := ldap.DialURL(u, ldap.DialWithDialer(d.dialer), ldap.DialWithTLSConfig(d.tlsCfg))
		if err != nil {
			lastErr = err
			continue
		}
		d.conn = conn
		return conn, nil
	}
	d.connLock.Unlock()
	return nil, fmt.Errorf("recipient: all directory servers unreachable: %w", lastErr)
}

func (d *Directory) returnConn() {
	d.connLock.Unlock()
}

// attributes requested from the directory for a mailuser entry.
var attrs = []string{
	"entryID", "displayName", "account", "mail", "mailUnicode",
	"displayType", "objectType", "company", "homeServer", "isAdmin",
	"enabledFeatures", "searchKey",
}

// Resolve looks up raw (as typed in RCPT TO, without the <...> wrapper) in
// the directory.
func (d *Directory) Resolve(ctx context.Context, raw string) (*Recipient, ResolveStatus) {
	conn, err := d.getConn()
	if err != nil {
		d.log.Error("directory connection error", err)
		return nil, StatusError
	}
	defer d.returnConn()

	filter := strings.ReplaceAll(d.filterTemplate, "{smtp}", ldap.EscapeFilter(raw))
	req := ldap.NewSearchRequest(
		d.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false, filter, attrs, nil)

	res, err := conn.Search(req)
	if err != nil {
		d.log.Error("directory search failed", err, "addr", raw)
		return nil, StatusError
	}

	switch len(res.Entries) {
	case 0:
		return nil, StatusNotFound
	case 1:
		r := entryToRecipient(res.Entries[0], raw)
		if r.ObjectType != ObjectTypeMailUser || r.DisplayType == DisplayTypeRemoteMailUser {
			return nil, StatusNotFound
		}
		return r, StatusResolved
	default:
		return nil, StatusAmbiguous
	}
}

func entryToRecipient(e *ldap.Entry, raw string) *Recipient {
	smtp := e.GetAttributeValue("mail")
	r := &Recipient{
		RawAliases:      []string{raw},
		EntryID:         []byte(e.GetAttributeValue("entryID")),
		DisplayName:     e.GetAttributeValue("displayName"),
		Account:         e.GetAttributeValue("account"),
		SMTP:            smtp,
		UnicodeEmail:    e.GetAttributeValue("mailUnicode"),
		Company:         e.GetAttributeValue("company"),
		HomeServer:      e.GetAttributeValue("homeServer"),
		IsAdmin:         e.GetAttributeValue("isAdmin") == "TRUE",
		EnabledFeatures: e.GetAttributeValues("enabledFeatures"),
		ObjectType:      ObjectTypeMailUser,
	}
	if sk := e.GetAttributeValue("searchKey"); sk != "" {
		r.SearchKey = []byte(sk)
	} else {
		r.SearchKey = synthesizeSearchKey(smtp)
	}
	switch e.GetAttributeValue("displayType") {
	case "remoteMailUser":
		r.DisplayType = DisplayTypeRemoteMailUser
	case "distList":
		r.DisplayType = DisplayTypeDistList
	default:
		r.DisplayType = DisplayTypeMailUser
	}
	return r
}
