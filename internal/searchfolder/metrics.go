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

import "github.com/prometheus/client_golang/prometheus"

var (
	processedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lmtpd",
			Subsystem: "searchfolder",
			Name:      "processed_events",
			Help:      "Amount of store change events applied to search folders",
		},
		[]string{"op"},
	)
	deadlockRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lmtpd",
			Subsystem: "searchfolder",
			Name:      "deadlock_retries",
			Help:      "Amount of row lock acquisitions retried after a deadlock",
		},
	)
	lockFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lmtpd",
			Subsystem: "searchfolder",
			Name:      "lock_failures",
			Help:      "Amount of events skipped after exhausting row lock retries",
		},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lmtpd",
			Subsystem: "searchfolder",
			Name:      "queue_depth",
			Help:      "Events waiting in the search engine queue",
		},
	)
	activeSearches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lmtpd",
			Subsystem: "searchfolder",
			Name:      "active_searches",
			Help:      "Search folders currently tracked by the engine",
		},
	)
)

func init() {
	prometheus.MustRegister(processedEvents)
	prometheus.MustRegister(deadlockRetries)
	prometheus.MustRegister(lockFailures)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(activeSearches)
}
