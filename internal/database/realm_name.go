// ABOUTME: RealmName identifies a tenant partition of the store
// ABOUTME: Names are short lowercase alphanumerics and double as storage file names

package database

import (
	"fmt"
	"regexp"
)

// RealmName identifies a realm. Valid names match ^[a-z0-9]{4,32}$.
type RealmName string

// DefaultRealm always exists and holds system-level rows.
const DefaultRealm RealmName = "default"

var realmNamePattern = regexp.MustCompile(`^[a-z0-9]{4,32}$`)

// ParseRealmName validates s as a realm name.
func ParseRealmName(s string) (RealmName, error) {
	name := RealmName(s)
	if err := name.Validate(); err != nil {
		return "", err
	}
	return name, nil
}

// Validate reports whether the name is well formed.
func (n RealmName) Validate() error {
	if !realmNamePattern.MatchString(string(n)) {
		return fmt.Errorf("%w: invalid realm name %q", ErrValidation, string(n))
	}
	return nil
}

func (n RealmName) String() string {
	return string(n)
}
