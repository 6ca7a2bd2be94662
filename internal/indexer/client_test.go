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

package indexer

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mailstacks/lmtpd/internal/restriction"
)

// fakeIndexer speaks just enough of the protocol to exercise Query.
func fakeIndexer(t *testing.T, sockPath string) net.Listener {
	t.Helper()
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "SCOPE"):
				conn.Write([]byte("\r\n"))
			case strings.HasPrefix(line, "FIND"):
				conn.Write([]byte("\r\n"))
			case line == "SUGGEST":
				conn.Write([]byte(" invoice\r\n\r\n"))
			case line == "QUERY":
				conn.Write([]byte("1 2 3\r\n\r\n"))
			}
		}
	}()
	return l
}

func TestClientQuery(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "indexer.sock")
	l := fakeIndexer(t, sockPath)
	defer l.Close()
	defer os.Remove(sockPath)

	c := New(sockPath, 2*time.Second)
	matches, suggestion, err := c.Query(context.Background(), "serverguid", "storeguid", []uint32{1}, []restriction.IndexTerm{
		{Term: "invoice", Fields: []uint16{0x37}},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if suggestion != "invoice" {
		t.Fatalf("suggestion = %q", suggestion)
	}
	if len(matches) != 3 {
		t.Fatalf("matches = %v", matches)
	}
}
