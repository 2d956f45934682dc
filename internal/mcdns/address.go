package mcdns

import (
	"fmt"
	"sort"
)

type AddressType string

const (
	AddressA     AddressType = "A"
	AddressCNAME AddressType = "CNAME"
)

// DefaultAlias is the wildcard entry point. Servers are reached through it
// as <server>.<managed>.<domain>.
const DefaultAlias = "*"

// DefaultPort is the Minecraft port used when none is configured.
const DefaultPort = 25565

// AddressInfo is one public entry point.
type AddressInfo struct {
	Type AddressType `json:"type"`
	Host string      `json:"host"`
	Port int         `json:"port"`
}

// Addresses maps an alias to its entry point.
type Addresses map[string]AddressInfo

// Aliases returns the sorted alias names.
func (a Addresses) Aliases() []string {
	out := make([]string, 0, len(a))
	for alias := range a {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Validate ensures every alias is a single DNS label or the default alias,
// and that every address has a usable type and host.
func (a Addresses) Validate() error {
	for alias, info := range a {
		if err := ValidateLabel(alias); err != nil && alias != DefaultAlias {
			return fmt.Errorf("alias %q: %w", alias, err)
		}
		switch info.Type {
		case AddressA, AddressCNAME:
		default:
			return fmt.Errorf("alias %q: unknown type %q", alias, info.Type)
		}
		if info.Host == "" {
			return fmt.Errorf("alias %q: missing host", alias)
		}
		if info.Port < 0 || info.Port > 65535 {
			return fmt.Errorf("alias %q: invalid port %d", alias, info.Port)
		}
	}
	return nil
}

func (i AddressInfo) port() int {
	if i.Port == 0 {
		return DefaultPort
	}
	return i.Port
}

// ValidateLabel ensures s is a single lowercase DNS label, as used for alias
// and server names.
func ValidateLabel(s string) error {
	if s == "" {
		return fmt.Errorf("empty label")
	}
	if len(s) > 63 {
		return fmt.Errorf("label too long")
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("invalid character %q", c)
		}
	}
	return nil
}
