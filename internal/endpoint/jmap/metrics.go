/*
Teal Mail Server - IMAP, POP3 and JMAP mailbox backend.
Copyright © 2025 The Teal Mail Server contributors

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

package jmap

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teal",
			Subsystem: "jmap",
			Name:      "requests_processed",
			Help:      "Amount of authenticated JMAP HTTP requests served",
		},
		[]string{"path"},
	)
	failedLogins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teal",
			Subsystem: "jmap",
			Name:      "failed_logins",
			Help:      "HTTP Basic authentication failures",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsProcessed)
	prometheus.MustRegister(failedLogins)
}
