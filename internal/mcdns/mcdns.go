// Package mcdns translates between Minecraft entry points and the DNS records
// publishing them under a managed subdomain.
//
// Each alias gets one A or CNAME record named <alias>.<managed>, and each
// (alias, server) pair gets one SRV record named
// _minecraft._tcp.<server>.<alias>.<managed>, with the alias label omitted
// for the default alias. The SRV port is the alias's public port.
package mcdns

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/thankful-ai/mcsync/internal/dns"
)

const (
	DefaultSubDomain = "mc"
	DefaultTTL       = 300

	srvPrefix   = "_minecraft._tcp."
	srvPriority = 0
	srvWeight   = 5
)

// State is the published configuration read back from DNS.
type State struct {
	Addresses Addresses
	Servers   []string
}

type Translator struct {
	log       *slog.Logger
	provider  dns.Provider
	subDomain string
	ttl       int
}

type Opts struct {
	Log       *slog.Logger
	Provider  dns.Provider
	SubDomain string
	TTL       int
}

func New(opts Opts) *Translator {
	sub := dns.NormalizeName(opts.SubDomain)
	if sub == "" {
		sub = DefaultSubDomain
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Translator{
		log:       opts.Log.With(slog.String("translator", "dns")),
		provider:  opts.Provider,
		subDomain: sub,
		ttl:       ttl,
	}
}

// SubDomain is the managed scope, relative to the provider's domain.
func (t *Translator) SubDomain() string { return t.subDomain }

func (t *Translator) Provider() dns.Provider { return t.provider }

func (t *Translator) aliasName(alias string) string {
	return alias + "." + t.subDomain
}

func (t *Translator) srvName(server, alias string) string {
	if alias == DefaultAlias {
		return srvPrefix + server + "." + t.subDomain
	}
	return srvPrefix + server + "." + alias + "." + t.subDomain
}

func (t *Translator) srvTarget(server, alias string, info AddressInfo) string {
	switch {
	case info.Type == AddressCNAME:
		return dns.NormalizeName(info.Host)
	case alias == DefaultAlias:
		return dns.FQDN(server+"."+t.subDomain, t.provider.Domain())
	default:
		return dns.FQDN(alias+"."+t.subDomain, t.provider.Domain())
	}
}

// Records synthesizes the desired records: one A or CNAME per alias and one
// SRV per (alias, server) pair.
func (t *Translator) Records(addrs Addresses, servers []string) []dns.Record {
	servers = sortedUnique(servers)

	var out []dns.Record
	for _, alias := range addrs.Aliases() {
		info := addrs[alias]
		typ := dns.TypeA
		host := info.Host
		if info.Type == AddressCNAME {
			typ = dns.TypeCNAME
			host = dns.NormalizeName(host)
		}
		out = append(out, dns.Record{
			SubDomain: t.aliasName(alias),
			Type:      typ,
			Value:     host,
			TTL:       t.ttl,
		})
		for _, server := range servers {
			srv := dns.SRV{
				Priority: srvPriority,
				Weight:   srvWeight,
				Port:     uint16(info.port()),
				Target:   t.srvTarget(server, alias, info),
			}
			out = append(out, dns.Record{
				SubDomain: t.srvName(server, alias),
				Type:      dns.TypeSRV,
				Value:     srv.String(),
				TTL:       t.ttl,
			})
		}
	}
	return out
}

// Diff reports the changes Push would make, without making them.
func (t *Translator) Diff(
	ctx context.Context,
	addrs Addresses,
	servers []string,
) (dns.Diff, error) {
	d, err := dns.RecordsDiff(ctx, t.provider, t.Records(addrs, servers),
		t.subDomain)
	if err != nil {
		return dns.Diff{}, fmt.Errorf("records diff: %w", err)
	}
	return d, nil
}

// Push publishes addrs and servers. Removes are applied before adds, so a
// provider which cannot update in place replaces changed records by removing
// and re-adding them.
func (t *Translator) Push(
	ctx context.Context,
	addrs Addresses,
	servers []string,
) error {
	d, err := t.Diff(ctx, addrs, servers)
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	if d.Empty() {
		t.log.Debug("records up to date")
		return nil
	}

	remove := d.Remove
	add := d.Add
	canUpdate := t.provider.HasUpdateCapability()
	if !canUpdate {
		remove = append([]string{}, remove...)
		add = append([]dns.Record{}, add...)
		for _, r := range d.Update {
			remove = append(remove, r.ID)
			add = append(add, r.Record)
		}
	}
	t.log.Info("pushing records",
		slog.Int("add", len(add)),
		slog.Int("remove", len(remove)),
		slog.Int("update", len(d.Update)),
		slog.Bool("canUpdate", canUpdate))

	if err := t.provider.RemoveRecords(ctx, remove); err != nil {
		return fmt.Errorf("remove records: %w", err)
	}
	if err := t.provider.AddRecords(ctx, add); err != nil {
		return fmt.Errorf("add records: %w", err)
	}
	if canUpdate {
		if err := t.provider.UpdateRecords(ctx, d.Update); err != nil {
			return fmt.Errorf("update records: %w", err)
		}
	}
	return nil
}

// Pull reads the published state back. It returns nil when nothing is
// published, which differs from a published but empty state.
//
// An alias's port is the port most of its SRV records share, ties going to
// the lowest port, or 0 without SRV records. Only servers with an SRV record
// at that port under every alias are returned.
func (t *Translator) Pull(ctx context.Context) (*State, error) {
	records, err := t.provider.ListRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	addrs := Addresses{}
	srvPorts := map[string]map[string]int{} // alias -> server -> port
	for _, r := range records {
		if !dns.InScope(r.SubDomain, t.subDomain) {
			continue
		}
		name := dns.NormalizeName(r.SubDomain)
		switch r.Type {
		case dns.TypeA, dns.TypeCNAME:
			alias, ok := t.parseAliasName(name)
			if !ok {
				continue
			}
			typ := AddressA
			if r.Type == dns.TypeCNAME {
				typ = AddressCNAME
			}
			addrs[alias] = AddressInfo{Type: typ, Host: r.Value}
		case dns.TypeSRV:
			server, alias, ok := t.parseSRVName(name)
			if !ok {
				continue
			}
			srv, err := dns.ParseSRV(r.Value)
			if err != nil {
				t.log.Warn("skipping srv record",
					slog.String("name", name),
					slog.Any("error", err))
				continue
			}
			if srvPorts[alias] == nil {
				srvPorts[alias] = map[string]int{}
			}
			srvPorts[alias][server] = int(srv.Port)
		}
	}

	// A server is only published if every alias has its SRV record at the
	// alias's port, so a missing record shows up as a missing server.
	var serverSet map[string]struct{}
	for alias, info := range addrs {
		ports := srvPorts[alias]
		info.Port = commonPort(ports)
		addrs[alias] = info

		matched := map[string]struct{}{}
		for server, port := range ports {
			if port != info.Port {
				continue
			}
			if _, ok := serverSet[server]; ok || serverSet == nil {
				matched[server] = struct{}{}
			}
		}
		serverSet = matched
	}
	if len(addrs) == 0 && len(serverSet) == 0 {
		return nil, nil
	}
	servers := make([]string, 0, len(serverSet))
	for server := range serverSet {
		servers = append(servers, server)
	}
	sort.Strings(servers)
	return &State{Addresses: addrs, Servers: servers}, nil
}

// parseAliasName extracts alias from <alias>.<managed>.
func (t *Translator) parseAliasName(name string) (string, bool) {
	alias, ok := strings.CutSuffix(name, "."+t.subDomain)
	if !ok || alias == "" || strings.Contains(alias, ".") {
		return "", false
	}
	return alias, true
}

// parseSRVName extracts server and alias from
// _minecraft._tcp.<server>[.<alias>].<managed>.
func (t *Translator) parseSRVName(name string) (server, alias string, ok bool) {
	rest, ok := strings.CutPrefix(name, srvPrefix)
	if !ok {
		return "", "", false
	}
	rest, ok = strings.CutSuffix(rest, "."+t.subDomain)
	if !ok || rest == "" {
		return "", "", false
	}
	server, alias, hasAlias := strings.Cut(rest, ".")
	if !hasAlias {
		return server, DefaultAlias, true
	}
	if server == "" || alias == "" || strings.Contains(alias, ".") {
		return "", "", false
	}
	return server, alias, true
}

// commonPort is 0 when an alias has no SRV records.
func commonPort(ports map[string]int) int {
	if len(ports) == 0 {
		return 0
	}
	counts := map[int]int{}
	for _, port := range ports {
		counts[port]++
	}
	best, bestCount := 0, 0
	for port, n := range counts {
		if n > bestCount || (n == bestCount && port < best) {
			best, bestCount = port, n
		}
	}
	return best
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = dns.NormalizeName(s)
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
