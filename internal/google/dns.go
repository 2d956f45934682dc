package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	mdns "github.com/miekg/dns"
	"github.com/sasha-s/go-deadlock"
	"github.com/sourcegraph/conc/pool"
	"github.com/thankful-ai/mcsync/internal/dns"
	"golang.org/x/oauth2/google"
	clouddns "google.golang.org/api/dns/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// maxConcurrentChanges bounds the per-record calls made at once.
const maxConcurrentChanges = 8

// CloudDNS implements dns.Provider on Google Cloud DNS. Records are changed
// one resource record set at a time, concurrently, and can be patched in
// place.
type CloudDNS struct {
	log     *slog.Logger
	svc     *clouddns.Service
	clock   clockwork.Clock
	project string
	domain  string

	zoneMu   sync.RWMutex
	zoneName string

	// mutateMu serializes structural changes to the zone made from within
	// this process. Calls within one change still run concurrently.
	mutateMu deadlock.Mutex
}

type CloudDNSOpts struct {
	Log     *slog.Logger
	Project string
	Domain  string

	// Client defaults to an oauth2 client using application default
	// credentials. Endpoint overrides the API's base URL.
	Client   *http.Client
	Endpoint string
	Clock    clockwork.Clock
}

var _ dns.Provider = &CloudDNS{}

func NewCloudDNS(ctx context.Context, opts CloudDNSOpts) (*CloudDNS, error) {
	client := opts.Client
	if client == nil {
		var err error
		client, err = google.DefaultClient(ctx,
			clouddns.NdevClouddnsReadwriteScope)
		if err != nil {
			return nil, fmt.Errorf("default client: %w", err)
		}
	}
	svcOpts := []option.ClientOption{option.WithHTTPClient(client)}
	if opts.Endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := clouddns.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("new service: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CloudDNS{
		log:     opts.Log.With(slog.String("provider", "google")),
		svc:     svc,
		clock:   clock,
		project: opts.Project,
		domain:  dns.NormalizeName(opts.Domain),
	}, nil
}

func (g *CloudDNS) Domain() string            { return g.domain }
func (g *CloudDNS) HasUpdateCapability() bool { return true }

func (g *CloudDNS) Initialized() bool {
	g.zoneMu.RLock()
	defer g.zoneMu.RUnlock()

	return g.zoneName != ""
}

func (g *CloudDNS) zone() (string, error) {
	g.zoneMu.RLock()
	defer g.zoneMu.RUnlock()

	if g.zoneName == "" {
		return "", dns.ErrNotInitialized
	}
	return g.zoneName, nil
}

// Init finds the managed zone serving the configured domain.
func (g *CloudDNS) Init(ctx context.Context) error {
	if g.Initialized() {
		return nil
	}

	var zones []*clouddns.ManagedZone
	err := dns.Retry(ctx, g.log, g.clock, "list managed zones",
		func(ctx context.Context) error {
			zones = nil
			err := g.svc.ManagedZones.List(g.project).Pages(ctx,
				func(rsp *clouddns.ManagedZonesListResponse) error {
					zones = append(zones, rsp.ManagedZones...)
					return nil
				})
			return classify(err)
		})
	if err != nil {
		return fmt.Errorf("list managed zones: %w", err)
	}
	if len(zones) == 0 {
		return fmt.Errorf("%w: no managed zones in project %s",
			dns.ErrInitialization, g.project)
	}
	want := g.domain + "."
	for _, z := range zones {
		if !strings.EqualFold(z.DnsName, want) {
			continue
		}

		g.zoneMu.Lock()
		g.zoneName = z.Name
		g.zoneMu.Unlock()

		g.log.Info("initialized",
			slog.String("domain", g.domain),
			slog.String("zone", z.Name))
		return nil
	}
	return fmt.Errorf("%w: no managed zone for %s in %d zones",
		dns.ErrInitialization, want, len(zones))
}

// ListRecords returns one record per resource record set within the domain.
// Record sets holding several values are joined with commas, so they never
// match a desired single value and are collapsed on the next push.
func (g *CloudDNS) ListRecords(ctx context.Context) ([]dns.RawRecord, error) {
	zoneName, err := g.zone()
	if err != nil {
		return nil, err
	}
	suffix := g.domain + "."

	var out []dns.RawRecord
	err = dns.Retry(ctx, g.log, g.clock, "list rrsets",
		func(ctx context.Context) error {
			out = nil
			err := g.svc.ResourceRecordSets.List(g.project, zoneName).Pages(ctx,
				func(rsp *clouddns.ResourceRecordSetsListResponse) error {
					for _, rrset := range rsp.Rrsets {
						name := strings.ToLower(rrset.Name)
						if !strings.HasSuffix(name, suffix) {
							continue
						}
						r, ok := g.fromRRSet(rrset)
						if !ok {
							continue
						}
						out = append(out, r)
					}
					return nil
				})
			return classify(err)
		})
	if err != nil {
		return nil, fmt.Errorf("list rrsets: %w", err)
	}
	return out, nil
}

func (g *CloudDNS) fromRRSet(rrset *clouddns.ResourceRecordSet) (dns.RawRecord, bool) {
	typ := dns.RecordType(rrset.Type)
	switch typ {
	case dns.TypeA, dns.TypeAAAA, dns.TypeCNAME, dns.TypeSRV, dns.TypeTXT:
	default:
		return dns.RawRecord{}, false
	}
	sub, ok := dns.SubDomainOf(rrset.Name, g.domain)
	if !ok {
		return dns.RawRecord{}, false
	}
	values := make([]string, 0, len(rrset.Rrdatas))
	for _, v := range rrset.Rrdatas {
		values = append(values, dns.NormalizeValue(typ, v))
	}
	sort.Strings(values)
	return dns.RawRecord{
		ID: recordID(rrset.Name, rrset.Type),
		Record: dns.Record{
			SubDomain: sub,
			Type:      typ,
			Value:     strings.Join(values, ","),
			TTL:       int(rrset.Ttl),
		},
	}, true
}

func (g *CloudDNS) toRRSet(r dns.Record) (*clouddns.ResourceRecordSet, error) {
	value := r.Value
	switch r.Type {
	case dns.TypeCNAME:
		value = mdns.Fqdn(value)
	case dns.TypeSRV:
		srv, err := dns.ParseSRV(value)
		if err != nil {
			return nil, fmt.Errorf("parse srv: %w", err)
		}
		value = fmt.Sprintf("%d %d %d %s", srv.Priority, srv.Weight,
			srv.Port, mdns.Fqdn(srv.Target))
	}
	return &clouddns.ResourceRecordSet{
		Name:    mdns.Fqdn(dns.FQDN(r.SubDomain, g.domain)),
		Type:    string(r.Type),
		Ttl:     int64(r.TTL),
		Rrdatas: []string{value},
	}, nil
}

// recordID identifies a record set by its name and type, which Cloud DNS
// treats as its primary key.
func recordID(name, typ string) string {
	return mdns.Fqdn(strings.ToLower(name)) + "/" + typ
}

func parseRecordID(id string) (name, typ string, err error) {
	name, typ, ok := strings.Cut(id, "/")
	if !ok || name == "" || typ == "" {
		return "", "", fmt.Errorf("invalid record id: %s", id)
	}
	return name, typ, nil
}

func (g *CloudDNS) AddRecords(ctx context.Context, records []dns.Record) error {
	if len(records) == 0 {
		return nil
	}
	zoneName, err := g.zone()
	if err != nil {
		return err
	}
	rrsets := make([]*clouddns.ResourceRecordSet, 0, len(records))
	for _, r := range records {
		rrset, err := g.toRRSet(r)
		if err != nil {
			return fmt.Errorf("%s: %w", r.Key(), err)
		}
		rrsets = append(rrsets, rrset)
	}

	g.mutateMu.Lock()
	defer g.mutateMu.Unlock()

	g.log.Info("adding records", slog.Int("count", len(rrsets)))
	p := pool.New().WithErrors().WithMaxGoroutines(maxConcurrentChanges)
	for _, rrset := range rrsets {
		rrset := rrset
		p.Go(func() error {
			err := dns.Retry(ctx, g.log, g.clock, "create rrset",
				func(ctx context.Context) error {
					_, err := g.svc.ResourceRecordSets.Create(g.project,
						zoneName, rrset).Context(ctx).Do()
					return classify(err)
				})
			if err != nil {
				return fmt.Errorf("create %s %s: %w", rrset.Name,
					rrset.Type, err)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	return nil
}

func (g *CloudDNS) UpdateRecords(ctx context.Context, records []dns.RawRecord) error {
	if len(records) == 0 {
		return nil
	}
	zoneName, err := g.zone()
	if err != nil {
		return err
	}

	g.mutateMu.Lock()
	defer g.mutateMu.Unlock()

	g.log.Info("updating records", slog.Int("count", len(records)))
	p := pool.New().WithErrors().WithMaxGoroutines(maxConcurrentChanges)
	for _, r := range records {
		r := r
		p.Go(func() error {
			name, typ, err := parseRecordID(r.ID)
			if err != nil {
				return err
			}
			rrset, err := g.toRRSet(r.Record)
			if err != nil {
				return fmt.Errorf("%s: %w", r.ID, err)
			}
			err = dns.Retry(ctx, g.log, g.clock, "patch rrset",
				func(ctx context.Context) error {
					_, err := g.svc.ResourceRecordSets.Patch(g.project,
						zoneName, name, typ, rrset).Context(ctx).Do()
					return classify(err)
				})
			if err != nil {
				return fmt.Errorf("patch %s: %w", r.ID, err)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	return nil
}

func (g *CloudDNS) RemoveRecords(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	zoneName, err := g.zone()
	if err != nil {
		return err
	}

	g.mutateMu.Lock()
	defer g.mutateMu.Unlock()

	g.log.Info("removing records", slog.Int("count", len(ids)))
	p := pool.New().WithErrors().WithMaxGoroutines(maxConcurrentChanges)
	for _, id := range ids {
		id := id
		p.Go(func() error {
			name, typ, err := parseRecordID(id)
			if err != nil {
				return err
			}
			err = dns.Retry(ctx, g.log, g.clock, "delete rrset",
				func(ctx context.Context) error {
					_, err := g.svc.ResourceRecordSets.Delete(g.project,
						zoneName, name, typ).Context(ctx).Do()
					var apiErr *googleapi.Error
					if errors.As(err, &apiErr) &&
						apiErr.Code == http.StatusNotFound {

						// Already gone.
						return nil
					}
					return classify(err)
				})
			if err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	return nil
}

// classify marks rate limits, server errors and transport failures as
// transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {

			return err
		}
		return dns.Transient(err)
	}
	if apiErr.Code == http.StatusTooManyRequests ||
		apiErr.Code >= http.StatusInternalServerError {

		return dns.Transient(err)
	}
	return err
}
