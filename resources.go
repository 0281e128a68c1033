/*
	asngate - an ASN-based traffic admission gateway by ScraperWall
	Copyright (C) 2021 ScraperWall, Tobias von Dewitz <tobias@scraperwall.com>

	This program is free software: you can redistribute it and/or modify it
	under the terms of the GNU Affero General Public License as published by
	the Free Software Foundation, either version 3 of the License, or (at your
	option) any later version.

	This program is distributed in the hope that it will be useful, but WITHOUT
	ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
	FITNESS FOR A PARTICULAR PURPOSE. See the GNU Affero General Public License
	for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

package asngate

import (
	natsd "github.com/nats-io/nats-server/v2/server"
	nats "github.com/nats-io/nats.go"
	"github.com/oschwald/geoip2-golang"
	"github.com/scraperwall/asngate/data"
	"github.com/scraperwall/asngate/store"
)

// Resources are the shared handles the gateway components operate on. They
// are constructed once at startup and passed into every component, none of
// this state is ambient or global
type Resources struct {
	ASNDB      *geoip2.Reader
	NatsServer *natsd.Server
	NatsConn   *nats.Conn
	Store      store.KVStore

	DecisionChan chan *data.DecisionMessage
}

func NewResources() *Resources {
	return &Resources{
		DecisionChan: make(chan *data.DecisionMessage, 100),
	}
}
