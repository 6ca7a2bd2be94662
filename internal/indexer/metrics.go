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
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	indexerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lmtpd",
			Subsystem: "indexer",
			Name:      "requests",
			Help:      "Amount of commands sent to the full-text indexer",
		},
		[]string{"command"},
	)
	indexerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lmtpd",
			Subsystem: "indexer",
			Name:      "errors",
			Help:      "Amount of failed indexer commands",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(indexerRequests)
	prometheus.MustRegister(indexerErrors)
}

// countErr classifies err into the errors counter and passes it through.
func countErr(err error) error {
	if err == nil {
		return nil
	}
	kind := "network"
	if errors.Is(err, ErrBadValue) {
		kind = "protocol"
	}
	indexerErrors.WithLabelValues(kind).Inc()
	return err
}
