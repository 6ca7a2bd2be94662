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

// Package memstore is an in-memory reference implementation of the store
// facade, deliberately small: enough to exercise delivery, rules and the
// auto-reply dispatcher in tests and in the single-delivery CLI without a
// real property store. It makes no attempt at durability.
package memstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mailstacks/lmtpd/internal/store"
)

var idCounter uint64

func nextID() store.ObjectID {
	id := atomic.AddUint64(&idCounter, 1)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// Provider owns every store; one Provider models one storage node.
type Provider struct {
	mu     sync.Mutex
	stores map[store.StoreID]*Store
}

func NewProvider() *Provider {
	return &Provider{stores: map[store.StoreID]*Store{}}
}

// AddStore creates (or returns) the store for id, with the default folder
// set (root, inbox, outbox, sent items, junk).
func (p *Provider) AddStore(id store.StoreID) *Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.stores[id]; ok {
		return st
	}
	st := &Store{id: id, provider: p}
	st.root = newFolder(st, nil, "Root")
	st.inbox = newFolder(st, st.root, "Inbox")
	st.outbox = newFolder(st, st.root, "Outbox")
	st.sent = newFolder(st, st.root, "Sent Items")
	st.junk = newFolder(st, st.root, "Junk E-mail")
	p.stores[id] = st
	return st
}

// Session implements store.Session against this Provider.
type Session struct {
	p *Provider
}

func (p *Provider) NewSession() *Session { return &Session{p: p} }

func (s *Session) OpenStore(ctx context.Context, id store.StoreID) (store.Store, error) {
	s.p.mu.Lock()
	st, ok := s.p.stores[id]
	s.p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memstore: no store %q", id)
	}
	return st, nil
}

func (s *Session) Logoff() error { return nil }

// Store is one mailbox.
type Store struct {
	id       store.StoreID
	provider *Provider

	mu    sync.Mutex
	root  *Folder
	inbox *Folder
	outbox *Folder
	sent  *Folder
	junk  *Folder

	oof           store.OOFSettings
	quotaExceeded bool

	// Submitted collects messages handed to Submit, in order; tests
	// inspect it as the outbound queue.
	Submitted []*Message
}

func (st *Store) ID() store.StoreID { return st.id }

// SetOOF configures the out-of-office state returned by OOFSettings.
func (st *Store) SetOOF(o store.OOFSettings) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.oof = o
}

// SetQuotaExceeded toggles the hard-quota state.
func (st *Store) SetQuotaExceeded(v bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.quotaExceeded = v
}

func (st *Store) Root(ctx context.Context) (store.Folder, error)      { return st.root, nil }
func (st *Store) Inbox(ctx context.Context) (store.Folder, error)     { return st.inbox, nil }
func (st *Store) Outbox(ctx context.Context) (store.Folder, error)    { return st.outbox, nil }
func (st *Store) SentItems(ctx context.Context) (store.Folder, error) { return st.sent, nil }

// InboxFolder is the concrete inbox, for test assertions.
func (st *Store) InboxFolder() *Folder { return st.inbox }

// OutboxFolder is the concrete outbox, for test assertions.
func (st *Store) OutboxFolder() *Folder { return st.outbox }

// JunkFolder is the concrete junk folder, for test assertions.
func (st *Store) JunkFolder() *Folder { return st.junk }

func (st *Store) OOFSettings(ctx context.Context) (store.OOFSettings, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.oof, nil
}

func (st *Store) ReceiveFolder(ctx context.Context, class string) (store.Folder, error) {
	return st.inbox, nil
}

func (st *Store) AdditionalRenEntryID(ctx context.Context, index int) (store.Folder, error) {
	if index == 4 {
		return st.junk, nil
	}
	return nil, fmt.Errorf("memstore: no additional-ren entry %d", index)
}

func (st *Store) PublicFolder(ctx context.Context, path string) (store.Folder, error) {
	return nil, fmt.Errorf("memstore: no public store")
}

func (st *Store) QuotaExceeded(ctx context.Context) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.quotaExceeded, nil
}

func (st *Store) OpenFolder(ctx context.Context, id store.ObjectID) (store.Folder, error) {
	if f := st.root.findFolder(id); f != nil {
		return f, nil
	}
	return nil, fmt.Errorf("memstore: no folder %x in store %q", id, st.id)
}

// Folder is one container of messages and subfolders.
type Folder struct {
	st     *Store
	parent *Folder
	id     store.ObjectID
	name   string

	mu       sync.Mutex
	children []*Folder
	messages map[string]*Message
	order    []string
}

func newFolder(st *Store, parent *Folder, name string) *Folder {
	f := &Folder{
		st:       st,
		parent:   parent,
		id:       nextID(),
		name:     name,
		messages: map[string]*Message{},
	}
	if parent != nil {
		parent.children = append(parent.children, f)
	}
	return f
}

func (f *Folder) findFolder(id store.ObjectID) *Folder {
	if bytes.Equal(f.id, id) {
		return f
	}
	f.mu.Lock()
	children := append([]*Folder{}, f.children...)
	f.mu.Unlock()
	for _, c := range children {
		if found := c.findFolder(id); found != nil {
			return found
		}
	}
	return nil
}

func (f *Folder) ID() store.ObjectID { return f.id }

func (f *Folder) ParentID() store.ObjectID {
	if f.parent == nil {
		return nil
	}
	return f.parent.id
}

// Name returns the folder's display name.
func (f *Folder) Name() string { return f.name }

// Messages lists the folder's messages in insertion order, for tests.
func (f *Folder) Messages() []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Message, 0, len(f.order))
	for _, k := range f.order {
		if m, ok := f.messages[k]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *Folder) Open(ctx context.Context, id store.ObjectID) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[string(id)]
	if !ok {
		return nil, fmt.Errorf("memstore: no message %x in %s", id, f.name)
	}
	return m, nil
}

func (f *Folder) Create(ctx context.Context) (store.Message, error) {
	m := &Message{
		folder: f,
		id:     nextID(),
		props:  map[store.PropTag]store.Value{},
		attach: map[string][]byte{},
	}
	f.mu.Lock()
	f.messages[string(m.id)] = m
	f.order = append(f.order, string(m.id))
	f.mu.Unlock()
	return m, nil
}

func (f *Folder) Copy(ctx context.Context, id store.ObjectID, dest store.Folder) (store.Message, error) {
	f.mu.Lock()
	src, ok := f.messages[string(id)]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memstore: no message %x in %s", id, f.name)
	}

	destF, ok := dest.(*Folder)
	if !ok {
		return nil, fmt.Errorf("memstore: foreign destination folder")
	}
	cpMsg, err := destF.Create(ctx)
	if err != nil {
		return nil, err
	}
	cp := cpMsg.(*Message)

	src.mu.Lock()
	for k, v := range src.props {
		cp.props[k] = v
	}
	cp.recipients = append([]string{}, src.recipients...)
	for k, v := range src.attach {
		cp.attach[k] = append([]byte{}, v...)
	}
	src.mu.Unlock()
	return cp, nil
}

func (f *Folder) Move(ctx context.Context, id store.ObjectID, dest store.Folder) error {
	if _, err := f.Copy(ctx, id, dest); err != nil {
		return err
	}
	return f.Delete(ctx, id)
}

func (f *Folder) Delete(ctx context.Context, id store.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.messages[string(id)]; !ok {
		return fmt.Errorf("memstore: no message %x in %s", id, f.name)
	}
	delete(f.messages, string(id))
	return nil
}

func (f *Folder) Subfolder(ctx context.Context, name string, create bool) (store.Folder, error) {
	f.mu.Lock()
	for _, c := range f.children {
		if strings.EqualFold(c.name, name) {
			f.mu.Unlock()
			return c, nil
		}
	}
	f.mu.Unlock()
	if !create {
		return nil, fmt.Errorf("memstore: no subfolder %q in %s", name, f.name)
	}

	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	return newFolder(f.st, f, name), nil
}

func (f *Folder) GetProps(ctx context.Context, tags []store.PropTag) (map[store.PropTag]store.Value, error) {
	return map[store.PropTag]store.Value{}, nil
}

func (f *Folder) SetProps(ctx context.Context, values map[store.PropTag]store.Value) error {
	return nil
}

// Message is one mail object.
type Message struct {
	folder *Folder
	id     store.ObjectID

	mu         sync.Mutex
	props      map[store.PropTag]store.Value
	recipients []string
	attach     map[string][]byte
	saved      bool
	submitted  bool

	sentReprName string
	sentReprSMTP string
}

func (m *Message) ID() store.ObjectID { return m.id }

// Saved reports whether SaveChanges was called, for tests.
func (m *Message) Saved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved
}

// Recipients returns the recipient table, for tests.
func (m *Message) Recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.recipients...)
}

// Attachment returns a named attachment's bytes, for tests.
func (m *Message) Attachment(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.attach[name]
	return data, ok
}

func (m *Message) GetProps(ctx context.Context, tags []store.PropTag) (map[store.PropTag]store.Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[store.PropTag]store.Value{}
	for _, t := range tags {
		if v, ok := m.props[t]; ok {
			out[t] = v
		}
	}
	return out, nil
}

func (m *Message) SetProps(ctx context.Context, values map[store.PropTag]store.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.props[k] = v
	}
	return nil
}

func (m *Message) Submit(ctx context.Context) error {
	m.mu.Lock()
	m.submitted = true
	m.mu.Unlock()
	st := m.folder.st
	st.mu.Lock()
	st.Submitted = append(st.Submitted, m)
	st.mu.Unlock()
	return nil
}

func (m *Message) SaveChanges(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = true
	return nil
}

func (m *Message) OpenPropertyAsStream(ctx context.Context, tag store.PropTag) (store.Stream, error) {
	return nil, fmt.Errorf("memstore: property streams not supported")
}

var (
	prRecipMe = store.NewPropTag(0x0059, store.PTBool)
	prToMe    = store.NewPropTag(0x0057, store.PTBool)
	prCcMe    = store.NewPropTag(0x0058, store.PTBool)
	prBccMe   = store.NewPropTag(0x6a1a, store.PTBool)

	prReceivedBySMTP    = store.NewPropTag(0x5d07, store.PTString)
	prSentReprName      = store.NewPropTag(0x0042, store.PTString)
	prSentReprSMTP      = store.NewPropTag(0x5d02, store.PTString)
	prLastVerbStamp     = store.NewPropTag(0x1081, store.PTInt32)
	prArchiveLink       = store.NewPropTag(0x6a30, store.PTBinary)
)

func (m *Message) StampRecipientFlags(recipientSMTP string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	to := false
	for _, r := range m.recipients {
		if strings.EqualFold(r, recipientSMTP) {
			to = true
		}
	}
	m.props[prRecipMe] = store.Value{Tag: store.PTBool, Bool: to}
	m.props[prToMe] = store.Value{Tag: store.PTBool, Bool: to}
	m.props[prReceivedBySMTP] = store.Value{Tag: store.PTString, Str: recipientSMTP}
}

func (m *Message) AttachRaw(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attach[name] = append([]byte{}, data...)
	return nil
}

func (m *Message) SetRecipients(ctx context.Context, smtp []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients = append([]string{}, smtp...)
	return nil
}

func (m *Message) SetSentRepresenting(ctx context.Context, displayName, smtp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentReprName = displayName
	m.sentReprSMTP = smtp
	m.props[prSentReprName] = store.Value{Tag: store.PTString, Str: displayName}
	m.props[prSentReprSMTP] = store.Value{Tag: store.PTString, Str: smtp}
}

func (m *Message) StripRecipientProperties(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range []store.PropTag{prRecipMe, prToMe, prCcMe, prBccMe, prReceivedBySMTP, prLastVerbStamp} {
		delete(m.props, t)
	}
}

func (m *Message) DetachArchiveLink(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.props, prArchiveLink)
}

var (
	_ store.Session = (*Session)(nil)
	_ store.Store   = (*Store)(nil)
	_ store.Folder  = (*Folder)(nil)
	_ store.Message = (*Message)(nil)
)
