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

package pop3

import "github.com/prometheus/client_golang/prometheus"

var (
	startedConnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teal",
			Subsystem: "pop3",
			Name:      "started_connections",
			Help:      "Amount of POP3 connections accepted",
		},
	)
	openConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teal",
			Subsystem: "pop3",
			Name:      "open_connections",
			Help:      "Amount of POP3 connections currently open",
		},
	)
)

func init() {
	prometheus.MustRegister(startedConnections)
	prometheus.MustRegister(openConnections)
}
