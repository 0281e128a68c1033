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

package config

import (
	"time"
)

// ASNSource describes a single remote ASN list endpoint.
// Format is either "json" or "text"
type ASNSource struct {
	URL             string
	Format          string
	RefreshInterval time.Duration
}

// Config contains all configurable bits and pieces the asngate application needs
// The configuration gets passed on to all parts of the application that need to access it
type Config struct {
	Sources        []ASNSource
	CustomListTOML string
	ASNCacheTTL    time.Duration
	SourceTimeout  time.Duration

	ASNDBFile          string
	FallbackAPI        string
	DNSFallbackServer  string
	ResolverTimeout    time.Duration
	ResolutionCacheTTL time.Duration

	ChallengeDifficulty string
	ChallengeTTL        time.Duration
	TrustTTL            time.Duration

	BadgerPath   string
	NatsAddr     string
	NatsPort     int
	NatsHTTPPort int
	NatsUser     string
	NatsPassword string
	WithEvents   bool

	APIAddress     string
	LogLevel       int
	LogMemoryStats bool
	LogReplay      string
	LogFormat      string
}
