// Package cloudflare implements dns.Provider on the Cloudflare v4 API. Records
// are created and deleted in batches and never updated in place.
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/jonboulle/clockwork"
	"github.com/thankful-ai/mcsync/internal/dns"
)

const (
	baseURL = "https://api.cloudflare.com/client/v4"

	// defaultDeleteDelay covers Cloudflare's read-after-write lag. Listing
	// records right after a batch delete can still return them.
	defaultDeleteDelay = 5 * time.Second
)

type Cloudflare struct {
	log         *slog.Logger
	client      *http.Client
	clock       clockwork.Clock
	url         string
	apiToken    string
	domain      string
	deleteDelay time.Duration

	mu     sync.RWMutex
	zoneID string
}

type Opts struct {
	Log      *slog.Logger
	APIToken string
	Domain   string

	// URL, Client, Clock and DeleteDelay are optional.
	URL         string
	Client      *http.Client
	Clock       clockwork.Clock
	DeleteDelay time.Duration
}

var _ dns.Provider = &Cloudflare{}

func New(opts Opts) *Cloudflare {
	c := &Cloudflare{
		log:         opts.Log.With(slog.String("provider", "cloudflare")),
		client:      opts.Client,
		clock:       opts.Clock,
		url:         opts.URL,
		apiToken:    opts.APIToken,
		domain:      dns.NormalizeName(opts.Domain),
		deleteDelay: opts.DeleteDelay,
	}
	if c.client == nil {
		c.client = cleanhttp.DefaultPooledClient()
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.url == "" {
		c.url = baseURL
	}
	if c.deleteDelay == 0 {
		c.deleteDelay = defaultDeleteDelay
	}
	return c
}

func (c *Cloudflare) Domain() string            { return c.domain }
func (c *Cloudflare) HasUpdateCapability() bool { return false }

func (c *Cloudflare) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.zoneID != ""
}

func (c *Cloudflare) zone() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.zoneID == "" {
		return "", dns.ErrNotInitialized
	}
	return c.zoneID, nil
}

// Init finds the zone named exactly after the configured domain among all
// zones visible to the API token.
func (c *Cloudflare) Init(ctx context.Context) error {
	if c.Initialized() {
		return nil
	}

	var zones []zone
	err := dns.Retry(ctx, c.log, c.clock, "list zones",
		func(ctx context.Context) error {
			var err error
			zones, err = c.listZones(ctx)
			return err
		})
	if err != nil {
		return fmt.Errorf("list zones: %w", err)
	}
	if len(zones) == 0 {
		return fmt.Errorf("%w: no domains in account", dns.ErrInitialization)
	}
	for _, z := range zones {
		if dns.NormalizeName(z.Name) != c.domain {
			continue
		}

		c.mu.Lock()
		c.zoneID = z.ID
		c.mu.Unlock()

		c.log.Info("initialized",
			slog.String("domain", c.domain),
			slog.String("zoneID", z.ID))
		return nil
	}
	return fmt.Errorf("%w: domain %s not found in %d zones",
		dns.ErrInitialization, c.domain, len(zones))
}

type zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type resultInfo struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
}

func (c *Cloudflare) listZones(ctx context.Context) ([]zone, error) {
	var out []zone
	for page := 1; ; page++ {
		params := url.Values{
			"page":     []string{strconv.Itoa(page)},
			"per_page": []string{"50"},
		}
		var data struct {
			Result     []zone     `json:"result"`
			ResultInfo resultInfo `json:"result_info"`
		}
		err := c.do(ctx, http.MethodGet, "/zones?"+params.Encode(), nil,
			&data)
		if err != nil {
			return nil, fmt.Errorf("list page %d: %w", page, err)
		}
		out = append(out, data.Result...)
		if page >= data.ResultInfo.TotalPages {
			return out, nil
		}
	}
}

type record struct {
	ID      string   `json:"id,omitempty"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Content string   `json:"content,omitempty"`
	TTL     int      `json:"ttl"`
	Data    *srvData `json:"data,omitempty"`
}

type srvData struct {
	Priority uint16 `json:"priority"`
	Weight   uint16 `json:"weight"`
	Port     uint16 `json:"port"`
	Target   string `json:"target"`
}

func (c *Cloudflare) ListRecords(ctx context.Context) ([]dns.RawRecord, error) {
	zoneID, err := c.zone()
	if err != nil {
		return nil, err
	}
	var out []dns.RawRecord
	err = dns.Retry(ctx, c.log, c.clock, "list records",
		func(ctx context.Context) error {
			var err error
			out, err = c.listRecords(ctx, zoneID)
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

func (c *Cloudflare) listRecords(
	ctx context.Context,
	zoneID string,
) ([]dns.RawRecord, error) {
	var out []dns.RawRecord
	for page := 1; ; page++ {
		params := url.Values{
			"page":     []string{strconv.Itoa(page)},
			"per_page": []string{"100"},
		}
		var data struct {
			Result     []record   `json:"result"`
			ResultInfo resultInfo `json:"result_info"`
		}
		path := fmt.Sprintf("/zones/%s/dns_records?%s", zoneID,
			params.Encode())
		if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
			return nil, fmt.Errorf("list page %d: %w", page, err)
		}
		for _, r := range data.Result {
			raw, ok := c.fromCloudflare(r)
			if !ok {
				continue
			}
			out = append(out, raw)
		}
		if page >= data.ResultInfo.TotalPages {
			return out, nil
		}
	}
}

func (c *Cloudflare) fromCloudflare(r record) (dns.RawRecord, bool) {
	sub, ok := dns.SubDomainOf(r.Name, c.domain)
	if !ok {
		return dns.RawRecord{}, false
	}
	typ := dns.RecordType(r.Type)
	value := r.Content
	switch typ {
	case dns.TypeA, dns.TypeAAAA, dns.TypeCNAME, dns.TypeTXT:
	case dns.TypeSRV:
		if r.Data == nil {
			return dns.RawRecord{}, false
		}
		value = dns.SRV{
			Priority: r.Data.Priority,
			Weight:   r.Data.Weight,
			Port:     r.Data.Port,
			Target:   r.Data.Target,
		}.String()
	default:
		return dns.RawRecord{}, false
	}
	return dns.RawRecord{
		ID: r.ID,
		Record: dns.Record{
			SubDomain: sub,
			Type:      typ,
			Value:     dns.NormalizeValue(typ, value),
			TTL:       r.TTL,
		},
	}, true
}

func (c *Cloudflare) toCloudflare(r dns.Record) (record, error) {
	out := record{
		Name: dns.FQDN(r.SubDomain, c.domain),
		Type: string(r.Type),
		TTL:  r.TTL,
	}
	if r.Type != dns.TypeSRV {
		out.Content = r.Value
		return out, nil
	}
	srv, err := dns.ParseSRV(r.Value)
	if err != nil {
		return out, fmt.Errorf("parse srv: %w", err)
	}
	out.Data = &srvData{
		Priority: srv.Priority,
		Weight:   srv.Weight,
		Port:     srv.Port,
		Target:   srv.Target,
	}
	return out, nil
}

// AddRecords creates every record in a single batch request.
func (c *Cloudflare) AddRecords(ctx context.Context, records []dns.Record) error {
	if len(records) == 0 {
		return nil
	}
	zoneID, err := c.zone()
	if err != nil {
		return err
	}
	posts := make([]record, 0, len(records))
	for _, r := range records {
		post, err := c.toCloudflare(r)
		if err != nil {
			return fmt.Errorf("%s: %w", r.Key(), err)
		}
		posts = append(posts, post)
	}
	c.log.Info("adding records", slog.Int("count", len(posts)))
	err = dns.Retry(ctx, c.log, c.clock, "batch create",
		func(ctx context.Context) error {
			return c.batch(ctx, zoneID, batchRequest{Posts: posts})
		})
	if err != nil {
		return fmt.Errorf("batch create: %w", err)
	}
	return nil
}

// RemoveRecords deletes every record in a single batch request, then waits out
// the read-after-write lag.
func (c *Cloudflare) RemoveRecords(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	zoneID, err := c.zone()
	if err != nil {
		return err
	}
	deletes := make([]recordID, 0, len(ids))
	for _, id := range ids {
		deletes = append(deletes, recordID{ID: id})
	}
	c.log.Info("removing records", slog.Int("count", len(deletes)))
	err = dns.Retry(ctx, c.log, c.clock, "batch delete",
		func(ctx context.Context) error {
			return c.batch(ctx, zoneID, batchRequest{Deletes: deletes})
		})
	if err != nil {
		return fmt.Errorf("batch delete: %w", err)
	}
	select {
	case <-c.clock.After(c.deleteDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cloudflare) UpdateRecords(context.Context, []dns.RawRecord) error {
	return dns.ErrUpdateUnsupported
}

type recordID struct {
	ID string `json:"id"`
}

type batchRequest struct {
	Deletes []recordID `json:"deletes,omitempty"`
	Posts   []record   `json:"posts,omitempty"`
}

func (c *Cloudflare) batch(
	ctx context.Context,
	zoneID string,
	req batchRequest,
) error {
	byt, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	path := fmt.Sprintf("/zones/%s/dns_records/batch", zoneID)
	if err = c.do(ctx, http.MethodPost, path, byt, nil); err != nil {
		return fmt.Errorf("do %s: %w", path, err)
	}
	return nil
}

// do sends a request and decodes the result field of Cloudflare's response
// envelope into out, if out is non-nil.
func (c *Cloudflare) do(
	ctx context.Context,
	method, path string,
	body []byte,
	out any,
) error {
	uri := c.url + path
	req, err := http.NewRequestWithContext(ctx, method, uri,
		bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	rsp, err := c.client.Do(req)
	if err != nil {
		return dns.Transient(fmt.Errorf("do: %w", err))
	}
	defer func() { _ = rsp.Body.Close() }()

	byt, err := io.ReadAll(rsp.Body)
	if err != nil {
		return dns.Transient(fmt.Errorf("read all: %w", err))
	}
	if rsp.StatusCode == http.StatusTooManyRequests ||
		rsp.StatusCode >= http.StatusInternalServerError {

		return dns.Transient(fmt.Errorf("bad status code %d: %s",
			rsp.StatusCode, string(byt)))
	}

	var envelope struct {
		Success bool `json:"success"`
		Errors  []struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err = json.Unmarshal(byt, &envelope); err != nil {
		return fmt.Errorf("unmarshal %d: %w", rsp.StatusCode, err)
	}
	if !envelope.Success || rsp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed with status code %d: %v",
			rsp.StatusCode, envelope.Errors)
	}
	if out == nil {
		return nil
	}
	if err = json.Unmarshal(byt, out); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}
