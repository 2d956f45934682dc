package dns

import (
	"fmt"
	"strings"
)

type RecordType string

const (
	TypeA     RecordType = "A"
	TypeAAAA  RecordType = "AAAA"
	TypeCNAME RecordType = "CNAME"
	TypeSRV   RecordType = "SRV"
	TypeTXT   RecordType = "TXT"
)

// Apex is the subdomain used for records on the zone's own name.
const Apex = "@"

// Record is a desired record which may not exist yet. SubDomain is relative
// to the provider's domain, e.g. "*.mc" within "example.com".
type Record struct {
	SubDomain string     `json:"subDomain"`
	Type      RecordType `json:"type"`
	Value     string     `json:"value"`
	TTL       int        `json:"ttl"`
}

// RawRecord is a record which exists on the provider. ID is assigned by the
// provider and is otherwise opaque.
type RawRecord struct {
	ID string `json:"id"`
	Record
}

// Key identifies a logical record. There is at most one logical record per
// key.
type Key struct {
	SubDomain string
	Type      RecordType
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.SubDomain, k.Type)
}

func (r Record) Key() Key {
	return Key{SubDomain: NormalizeName(r.SubDomain), Type: r.Type}
}

func (k Key) less(o Key) bool {
	if k.SubDomain != o.SubDomain {
		return k.SubDomain < o.SubDomain
	}
	return k.Type < o.Type
}

// NormalizeName lowercases a DNS name and trims any trailing dot.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// NormalizeValue strips the trailing dot providers add to hostnames in CNAME
// and SRV values.
func NormalizeValue(typ RecordType, value string) string {
	switch typ {
	case TypeCNAME, TypeSRV:
		return strings.TrimSuffix(value, ".")
	default:
		return value
	}
}

// SubDomainOf converts a fully-qualified name into a name relative to domain.
// The second return value is false when fqdn is outside of domain.
func SubDomainOf(fqdn, domain string) (string, bool) {
	fqdn = NormalizeName(fqdn)
	domain = NormalizeName(domain)
	if fqdn == domain {
		return Apex, true
	}
	sub, ok := strings.CutSuffix(fqdn, "."+domain)
	if !ok || sub == "" {
		return "", false
	}
	return sub, true
}

// FQDN joins a relative subdomain with its domain, without a trailing dot.
func FQDN(subDomain, domain string) string {
	domain = NormalizeName(domain)
	if subDomain == "" || subDomain == Apex {
		return domain
	}
	return NormalizeName(subDomain) + "." + domain
}

// InScope reports whether subDomain is scope itself or lies beneath it. An
// empty scope matches everything.
func InScope(subDomain, scope string) bool {
	if scope == "" {
		return true
	}
	subDomain = NormalizeName(subDomain)
	scope = NormalizeName(scope)
	return subDomain == scope || strings.HasSuffix(subDomain, "."+scope)
}
