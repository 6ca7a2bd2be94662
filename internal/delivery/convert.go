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

package delivery

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/mailstacks/lmtpd/internal/store"
)

// MessageConverter is the reference RFC 5322 -> store message conversion.
// The real conversion lives outside this module; this one maps the header
// and text body onto the property tags the rule engine and the auto-reply
// dispatcher evaluate, which is all delivery-side processing needs.
type MessageConverter struct{}

var (
	prMessageClass  = store.NewPropTag(0x001a, store.PTString)
	prInternetMsgID = store.NewPropTag(0x1035, store.PTString)
	prTransportHdrs = store.NewPropTag(0x007d, store.PTString)
	prSenderName    = store.NewPropTag(0x0c1a, store.PTString)
	prSentDate      = store.NewPropTag(0x0039, store.PTFiletime)
)

func (MessageConverter) Convert(ctx context.Context, dest store.Folder, raw []byte) (store.Message, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("delivery: parsing message header: %w", err)
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("delivery: reading message body: %w", err)
	}

	msg, err := dest.Create(ctx)
	if err != nil {
		return nil, err
	}

	values := map[store.PropTag]store.Value{
		prMessageClass:  {Tag: store.PTString, Str: "IPM.Note"},
		store.PrSubject: {Tag: store.PTString, Str: hdr.Get("Subject")},
		store.PrBody:    {Tag: store.PTString, Str: string(body)},
		prTransportHdrs: {Tag: store.PTString, Str: transportHeaders(raw)},
	}
	if id := strings.Trim(hdr.Get("Message-Id"), "<> "); id != "" {
		values[prInternetMsgID] = store.Value{Tag: store.PTString, Str: id}
	}
	if from := hdr.Get("From"); from != "" {
		if addr, err := mail.ParseAddress(from); err == nil {
			name := addr.Name
			if name == "" {
				name = addr.Address
			}
			values[prSenderName] = store.Value{Tag: store.PTString, Str: name}
		}
	}
	if date := hdr.Get("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			values[prSentDate] = store.Value{Tag: store.PTFiletime, Int: t.UnixNano()}
		}
	}
	if expires := hdr.Get("Expires"); expires != "" {
		if t, err := mail.ParseDate(expires); err == nil {
			values[store.PrExpiryTime] = store.Value{Tag: store.PTFiletime, Int: t.UnixNano()}
		}
	}
	if err := msg.SetProps(ctx, values); err != nil {
		return nil, err
	}

	var rcpts []string
	for _, field := range []string{"To", "Cc"} {
		if v := hdr.Get(field); v != "" {
			if addrs, err := mail.ParseAddressList(v); err == nil {
				for _, a := range addrs {
					rcpts = append(rcpts, a.Address)
				}
			}
		}
	}
	if len(rcpts) > 0 {
		if err := msg.SetRecipients(ctx, rcpts); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

var _ Converter = MessageConverter{}
