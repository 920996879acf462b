// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package username parses the full usernames VPN clients authenticate
// with into their realm-selecting components. It is the Go
// translation of original_source/odr/odrd.py's ParseUsername.
package username

import "regexp"

// pattern mirrors ParseUsername.USERNAME_RE: username[/resource][@[domain/]realm]
var pattern = regexp.MustCompile(
	`^(?P<username>[^/@]+)(/(?P<resource>[^/@]+))?` +
		`(@((?P<domain>[^/@]+)/)?(?P<realm>[^/@]+))?$`,
)

// Parsed is a full username split into its components.
type Parsed struct {
	Username string
	Resource string
	Domain   string
	Realm    string
}

// Parse splits full into its components, defaulting the realm to
// defaultRealm when full names none. It reports ok=false if full
// does not match the expected format, or names no realm and
// defaultRealm is empty.
func Parse(full, defaultRealm string) (Parsed, bool) {
	m := pattern.FindStringSubmatch(full)
	if m == nil {
		return Parsed{}, false
	}

	p := Parsed{}
	for i, name := range pattern.SubexpNames() {
		switch name {
		case "username":
			p.Username = m[i]
		case "resource":
			p.Resource = m[i]
		case "domain":
			p.Domain = m[i]
		case "realm":
			p.Realm = m[i]
		}
	}

	if p.Realm == "" {
		if defaultRealm == "" {
			return Parsed{}, false
		}
		p.Realm = defaultRealm
	}
	return p, true
}
