package authn

import (
	"sort"
	"strings"
)

// EnabledAuthenticators is the set of authenticators enabled for a
// deployment. Entries are either a bare authenticator name ("authn-oidc"),
// which enables every service of that authenticator, or a webservice id
// ("authn-oidc/okta").
type EnabledAuthenticators struct {
	ids map[string]struct{}
}

// ParseEnabledAuthenticators parses a comma separated list such as
// "authn-oidc/okta, authn-oidc/keycloak". Blank entries are ignored.
func ParseEnabledAuthenticators(list string) EnabledAuthenticators {
	return NewEnabledAuthenticators(strings.Split(list, ",")...)
}

// NewEnabledAuthenticators builds a set from individual ids.
func NewEnabledAuthenticators(ids ...string) EnabledAuthenticators {
	e := EnabledAuthenticators{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		id = strings.Trim(strings.TrimSpace(id), "/")
		if id == "" {
			continue
		}
		e.ids[id] = struct{}{}
	}
	return e
}

// Enabled reports whether the authenticator name (and service, when given)
// is part of the set.
func (e EnabledAuthenticators) Enabled(name, serviceID string) bool {
	if name == "" {
		return false
	}
	if _, ok := e.ids[name]; ok {
		return true
	}
	if serviceID == "" {
		return false
	}
	_, ok := e.ids[name+"/"+serviceID]
	return ok
}

// List returns the configured ids in sorted order.
func (e EnabledAuthenticators) List() []string {
	out := make([]string, 0, len(e.ids))
	for id := range e.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e EnabledAuthenticators) String() string { return strings.Join(e.List(), ",") }
