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

//go:build !linux

package listener

import (
	"fmt"
	"net"

	"github.com/mailstacks/lmtpd/framework/config"
)

func (e *Endpoint) listen(endp config.Endpoint) (net.Listener, error) {
	if e.device != "" {
		return nil, fmt.Errorf("listener: bind_device is only supported on Linux")
	}
	return net.Listen(endp.Network(), endp.Address())
}
