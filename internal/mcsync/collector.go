package mcsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc/pool"
	"github.com/thankful-ai/mcsync/internal/dns"
	"github.com/thankful-ai/mcsync/internal/mcdns"
	"github.com/thankful-ai/mcsync/internal/router"
	"github.com/thankful-ai/mcsync/internal/watch"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Servers maps a running server's name to its internal port.
type Servers map[string]int

func (s Servers) Names() []string {
	names := maps.Keys(s)
	sort.Strings(names)
	return names
}

// State is everything published for one reconciliation: the entry points and
// the servers reachable through each of them.
type State struct {
	Addresses mcdns.Addresses `json:"addresses"`
	Servers   Servers         `json:"servers"`
}

// Equal compares the published meaning of two states. Ports of addresses
// are only published through server records, so they're ignored when there
// are no servers.
func (s State) Equal(o State) bool {
	if !maps.Equal(s.Servers, o.Servers) {
		return false
	}
	if !slices.Equal(s.Addresses.Aliases(), o.Addresses.Aliases()) {
		return false
	}
	for alias, a := range s.Addresses {
		b := o.Addresses[alias]
		if a.Type != b.Type || dns.NormalizeName(a.Host) != dns.NormalizeName(b.Host) {
			return false
		}
		if len(s.Servers) > 0 && a.Port != b.Port {
			return false
		}
	}
	return true
}

type serverLister interface {
	Servers(context.Context) (map[string]int, error)
}

type addressResolver interface {
	AddressesForConfig(context.Context, map[string]watch.AddressSource) (mcdns.Addresses, error)
}

// Local collects the ground truth: running servers and the addresses they
// should be reachable at.
type Local struct {
	log     *slog.Logger
	servers serverLister
	natmap  addressResolver
	sources map[string]watch.AddressSource
}

func (l *Local) Pull(ctx context.Context) (State, error) {
	servers, err := l.servers.Servers(ctx)
	if err != nil {
		return State{}, fmt.Errorf("servers: %w", err)
	}
	addrs := mcdns.Addresses{}
	var usesNatmap bool
	for alias, src := range l.sources {
		switch src.Type {
		case string(mcdns.AddressA), string(mcdns.AddressCNAME):
			port := src.Port
			if port == 0 {
				port = mcdns.DefaultPort
			}
			host := src.Host
			if src.Type == string(mcdns.AddressCNAME) {
				host = dns.NormalizeName(host)
			}
			addrs[alias] = mcdns.AddressInfo{
				Type: mcdns.AddressType(src.Type),
				Host: host,
				Port: port,
			}
		case watch.SourceNatmap:
			usesNatmap = true
		}
	}
	if usesNatmap {
		if l.natmap == nil {
			l.log.Warn("natmap addresses configured without natmap url")
		} else {
			natAddrs, err := l.natmap.AddressesForConfig(ctx, l.sources)
			if err != nil {
				return State{}, fmt.Errorf("natmap addresses: %w", err)
			}
			for alias, info := range natAddrs {
				addrs[alias] = info
			}
		}
	}
	return State{Addresses: addrs, Servers: servers}, nil
}

type dnsSync interface {
	Push(context.Context, mcdns.Addresses, []string) error
	Pull(context.Context) (*mcdns.State, error)
	Diff(context.Context, mcdns.Addresses, []string) (dns.Diff, error)
}

type routerSync interface {
	Push(context.Context, []string, map[string]int) error
	Pull(context.Context) ([]string, map[string]int, error)
	Diff(context.Context, []string, map[string]int) (router.Diff, error)
}

// Remote is the published state, held by the router and DNS.
type Remote struct {
	log    *slog.Logger
	dns    dnsSync
	router routerSync
}

// Push publishes state to the router and to DNS. A failure in one doesn't
// prevent pushing to the other.
func (r *Remote) Push(ctx context.Context, state State) error {
	var result *multierror.Error
	err := r.router.Push(ctx, state.Addresses.Aliases(), state.Servers)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("router push: %w", err))
	}
	err = r.dns.Push(ctx, state.Addresses, state.Servers.Names())
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("dns push: %w", err))
	}
	return result.ErrorOrNil()
}

// Pull reads the published state. It returns nil when the router and DNS
// disagree on the aliases or servers published, so the caller pushes the
// full state again rather than trusting either half.
func (r *Remote) Pull(ctx context.Context) (*State, error) {
	var (
		dnsState      *mcdns.State
		routerAliases []string
		routerServers map[string]int
	)
	p := pool.New().WithErrors()
	p.Go(func() error {
		var err error
		routerAliases, routerServers, err = r.router.Pull(ctx)
		if err != nil {
			return fmt.Errorf("router pull: %w", err)
		}
		return nil
	})
	p.Go(func() error {
		var err error
		dnsState, err = r.dns.Pull(ctx)
		if err != nil {
			return fmt.Errorf("dns pull: %w", err)
		}
		return nil
	})
	if err := p.Wait(); err != nil {
		return nil, fmt.Errorf("wait: %w", err)
	}

	if dnsState == nil {
		dnsState = &mcdns.State{Addresses: mcdns.Addresses{}}
	}
	dnsAliases := dnsState.Addresses.Aliases()
	if !slices.Equal(routerAliases, dnsAliases) {
		r.log.Info("router and dns aliases differ",
			slog.Any("router", routerAliases),
			slog.Any("dns", dnsAliases))
		return nil, nil
	}
	servers := Servers(routerServers)
	if servers == nil {
		servers = Servers{}
	}
	if !slices.Equal(servers.Names(), dnsState.Servers) {
		r.log.Info("router and dns servers differ",
			slog.Any("router", servers.Names()),
			slog.Any("dns", dnsState.Servers))
		return nil, nil
	}
	return &State{Addresses: dnsState.Addresses, Servers: servers}, nil
}
