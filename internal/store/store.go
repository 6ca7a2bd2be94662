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

// Package store defines the property-store object model (messages, folders,
// stores, streams, tables) consumed by the restriction normaliser, the row
// engine, the rule engine and the search folder engine. It is a facade over
// the real MAPI-like store, not a reimplementation of it; callers outside
// this module are expected to supply their own Session.
package store

import "context"

// PropType is the scalar or multi-value type a PropTag carries.
type PropType uint16

const (
	PTUnspecified PropType = iota
	PTInt32
	PTInt64
	PTBool
	PTString
	PTBinary
	PTFiletime
	PTGUID
	PTError
	PTMVInt32
	PTMVString
	PTMVBinary
	// PTMVIMarker, OR-ed into a PropType, indicates a per-instance row
	// expansion of the corresponding MV_* property rather than the whole
	// multi-value list.
	PTMVIMarker PropType = 0x1000
)

// PropTag identifies a property by numeric id and type, mirroring the
// store's 16-bit-id/16-bit-type tag encoding.
type PropTag uint32

// NewPropTag builds a tag from its id and type halves.
func NewPropTag(id uint16, t PropType) PropTag {
	return PropTag(uint32(id)<<16 | uint32(t))
}

// ID returns the property id half of the tag.
func (t PropTag) ID() uint16 { return uint16(t >> 16) }

// Type returns the property type half of the tag, with the MVI marker
// stripped.
func (t PropTag) Type() PropType { return PropType(uint16(t)) &^ PTMVIMarker }

// IsMVI reports whether the tag requests per-instance row expansion.
func (t PropTag) IsMVI() bool { return PropType(uint16(t))&PTMVIMarker != 0 }

// Well-known property ids used by the search folder engine and rule engine.
// Values are arbitrary but stable within this module; they do not need to
// match the real store's numeric assignments since nothing outside this
// module inspects them directly.
const (
	idMessageFlags uint16 = 0x0e07
	idContentCount uint16 = 0x3602
	idUnreadCount  uint16 = 0x3603
	idParentID     uint16 = 0x348a
	idEntryID      uint16 = 0x0fff
	idSubject      uint16 = 0x0037
	idSearchKey    uint16 = 0x300b
	idExpiryTime   uint16 = 0x0015
	idBody         uint16 = 0x1000
)

var (
	PrMessageFlags = NewPropTag(idMessageFlags, PTInt32)
	PrContentCount = NewPropTag(idContentCount, PTInt32)
	PrUnreadCount  = NewPropTag(idUnreadCount, PTInt32)
	PrParentID     = NewPropTag(idParentID, PTBinary)
	PrEntryID      = NewPropTag(idEntryID, PTBinary)
	PrSubject      = NewPropTag(idSubject, PTString)
	PrSearchKey    = NewPropTag(idSearchKey, PTBinary)
	PrExpiryTime   = NewPropTag(idExpiryTime, PTFiletime)
	PrBody         = NewPropTag(idBody, PTString)
)

// MessageFlag bits tracked within PrMessageFlags.
const (
	MsgFlagRead    uint32 = 1 << 0
	MsgFlagDeleted uint32 = 1 << 1
)

// Value is a typed property value. Exactly one of the fields matching the
// tag's Type is meaningful; scalar fields are reused across MV variants by
// packing into the MV slice fields instead.
type Value struct {
	Tag PropType

	Int     int64
	Bool    bool
	Str     string
	Bin     []byte
	Time    int64 // unused: Filetime values are carried in Int, as Unix nanoseconds.
	GUID    [16]byte
	MVInt   []int64
	MVStr   []string
	MVBin   [][]byte
	IsError bool
}

// ObjectID identifies a message or folder within a store.
type ObjectID []byte

// StoreID identifies a store (mailbox) uniquely across the deployment.
type StoreID string

// PropSet is a set of property ids, used for the indexer's excluded-property
// list and for requested-tag sets passed to the row engine.
type PropSet map[uint16]struct{}

// Has reports whether id is a member of the set.
func (s PropSet) Has(id uint16) bool {
	_, ok := s[id]
	return ok
}

// Message is a single object: a mail item, a folder acting as a container,
// or any other addressable store entry exposing properties.
type Message interface {
	ID() ObjectID
	GetProps(ctx context.Context, tags []PropTag) (map[PropTag]Value, error)
	SetProps(ctx context.Context, values map[PropTag]Value) error
	Submit(ctx context.Context) error
	OpenPropertyAsStream(ctx context.Context, tag PropTag) (Stream, error)

	// SaveChanges commits a delivered-but-not-sent message (one being placed
	// in a folder rather than submitted for outbound transport), mirroring
	// the delivery path's SaveChanges(KEEP_OPEN_READWRITE) call.
	SaveChanges(ctx context.Context) error
	// StampRecipientFlags computes PR_MESSAGE_RECIP_ME/TO_ME/CC_ME/BCC_ME by
	// matching recipientSMTP against the message's recipient table.
	StampRecipientFlags(recipientSMTP string)
	// AttachRaw adds name as a binary attachment holding data, used for the
	// fallback message's original.eml attachment and for as-attachment
	// forwards.
	AttachRaw(ctx context.Context, name string, data []byte) error
	// SetRecipients replaces the message's recipient table with the given
	// SMTP addresses, all typed as primary (To) recipients.
	SetRecipients(ctx context.Context, smtp []string) error
	// SetSentRepresenting stamps a one-off sent-representing identity,
	// used by the fallback message ("System Administrator" sender).
	SetSentRepresenting(ctx context.Context, displayName, smtp string)
	// StripRecipientProperties removes the per-recipient property triple
	// (received-by, to/cc/bcc-me, rule verb stamps) before a reused master
	// message is re-stamped for a new recipient.
	StripRecipientProperties(ctx context.Context)
	// DetachArchiveLink removes any linkage to a previously submitted
	// archive copy, so a reused master does not appear pre-archived.
	DetachArchiveLink(ctx context.Context)
}

// Stream is a seekable byte stream backing a binary or string property too
// large to return inline from GetProps.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Folder is a container of messages and subfolders.
type Folder interface {
	ID() ObjectID
	ParentID() ObjectID
	Open(ctx context.Context, id ObjectID) (Message, error)
	Create(ctx context.Context) (Message, error)
	// Copy duplicates the message identified by id into dest, returning
	// the new copy.
	Copy(ctx context.Context, id ObjectID, dest Folder) (Message, error)
	Move(ctx context.Context, id ObjectID, dest Folder) error
	Delete(ctx context.Context, id ObjectID) error
	// Subfolder opens (optionally creating) a direct subfolder by name.
	Subfolder(ctx context.Context, name string, create bool) (Folder, error)
	GetProps(ctx context.Context, tags []PropTag) (map[PropTag]Value, error)
	SetProps(ctx context.Context, values map[PropTag]Value) error
}

// Store is a per-user root: inbox, outbox, sent-items, a public-root
// pointer and OOF settings.
type Store interface {
	ID() StoreID
	OpenFolder(ctx context.Context, id ObjectID) (Folder, error)
	Root(ctx context.Context) (Folder, error)
	Inbox(ctx context.Context) (Folder, error)
	Outbox(ctx context.Context) (Folder, error)
	SentItems(ctx context.Context) (Folder, error)
	OOFSettings(ctx context.Context) (OOFSettings, error)

	// ReceiveFolder resolves the folder registered to receive messages of
	// the given class (e.g. "IPM"), the delivery orchestrator's starting
	// point before applying the STORE/JUNK/PUBLIC delivery mode.
	ReceiveFolder(ctx context.Context, class string) (Folder, error)
	// AdditionalRenEntryID resolves one of the store's special-folder
	// shortcuts by index (index 4 is the junk folder, by convention).
	AdditionalRenEntryID(ctx context.Context, index int) (Folder, error)
	// PublicFolder resolves a path in the public store; callers fall back
	// to the inbox when it is missing or inaccessible.
	PublicFolder(ctx context.Context, path string) (Folder, error)
	// QuotaExceeded reports whether the store is currently over its hard
	// quota.
	QuotaExceeded(ctx context.Context) (bool, error)
}

// OOFSettings mirrors the store's out-of-office configuration.
type OOFSettings struct {
	Active       bool
	From         int64 // Unix seconds; zero means unset.
	Until        int64
	Subject      string
	BodyText     string
	AutoAccept   bool
	AutoProcess  bool
	AutoDeclineConflict bool
	AutoDeclineRecurring bool
}

// Session is an authenticated handle used to open stores under a given
// identity, mirroring the store's internal-session-per-owner idiom used by
// the search folder engine when it processes events on behalf of a
// mailbox's owner.
type Session interface {
	OpenStore(ctx context.Context, id StoreID) (Store, error)
	Logoff() error
}
