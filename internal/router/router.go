// Package router mirrors servers into an mc-router route table. mc-router
// maps the server address a client connects with to a backend host:port.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/jonboulle/clockwork"
	"github.com/thankful-ai/mcsync/internal/dns"
	"github.com/thankful-ai/mcsync/internal/mcdns"
)

// Routes maps a server address to its backend.
type Routes map[string]string

// Diff is the set of route changes which reconcile the router. Add also holds
// routes whose backend changed, since posting a route replaces it.
type Diff struct {
	Add    map[string]string `json:"add"`
	Remove []string          `json:"remove"`
}

func (d Diff) Empty() bool { return len(d.Add) == 0 && len(d.Remove) == 0 }

type Client struct {
	log       *slog.Logger
	client    *http.Client
	clock     clockwork.Clock
	url       string
	domain    string
	subDomain string
}

type Opts struct {
	Log       *slog.Logger
	URL       string
	Domain    string
	SubDomain string
	Client    *http.Client
	Clock     clockwork.Clock
}

func New(opts Opts) *Client {
	client := opts.Client
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	sub := dns.NormalizeName(opts.SubDomain)
	if sub == "" {
		sub = mcdns.DefaultSubDomain
	}
	return &Client{
		log:       opts.Log.With(slog.String("router", "mc-router")),
		client:    client,
		clock:     clock,
		url:       strings.TrimSuffix(opts.URL, "/"),
		domain:    dns.NormalizeName(opts.Domain),
		subDomain: sub,
	}
}

// suffix shared by every managed server address.
func (c *Client) suffix() string {
	return "." + c.subDomain + "." + c.domain
}

// Host is the server address for a server reached through alias.
func (c *Client) Host(server, alias string) string {
	if alias == mcdns.DefaultAlias {
		return server + c.suffix()
	}
	return server + "." + alias + c.suffix()
}

// Routes synthesizes the desired managed routes.
func (c *Client) Routes(aliases []string, servers map[string]int) Routes {
	out := Routes{}
	for _, alias := range aliases {
		for server, port := range servers {
			server = dns.NormalizeName(server)
			out[c.Host(server, alias)] = net.JoinHostPort(server,
				strconv.Itoa(port))
		}
	}
	return out
}

func (c *Client) managed(routes Routes) Routes {
	out := Routes{}
	for host, backend := range routes {
		host = dns.NormalizeName(host)
		if strings.HasSuffix(host, c.suffix()) {
			out[host] = backend
		}
	}
	return out
}

// compute the changes from cur to want. Only managed routes are considered.
func (c *Client) compute(cur, want Routes) Diff {
	cur = c.managed(cur)
	d := Diff{Add: map[string]string{}}
	for host, backend := range want {
		if cur[host] != backend {
			d.Add[host] = backend
		}
	}
	for host := range cur {
		if _, ok := want[host]; !ok {
			d.Remove = append(d.Remove, host)
		}
	}
	sort.Strings(d.Remove)
	return d
}

// Diff reports the changes Push would make, without making them.
func (c *Client) Diff(
	ctx context.Context,
	aliases []string,
	servers map[string]int,
) (Diff, error) {
	cur, err := c.list(ctx)
	if err != nil {
		return Diff{}, fmt.Errorf("list: %w", err)
	}
	return c.compute(cur, c.Routes(aliases, servers)), nil
}

// Push makes the managed routes exactly one per (alias, server) pair. Routes
// outside of the managed domain are never touched, and pushing the same state
// twice makes no writes.
func (c *Client) Push(
	ctx context.Context,
	aliases []string,
	servers map[string]int,
) error {
	d, err := c.Diff(ctx, aliases, servers)
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	if d.Empty() {
		c.log.Debug("routes up to date")
		return nil
	}
	c.log.Info("pushing routes",
		slog.Int("add", len(d.Add)),
		slog.Int("remove", len(d.Remove)))

	for _, host := range d.Remove {
		path := "/routes/" + url.PathEscape(host)
		if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
			return fmt.Errorf("delete %s: %w", host, err)
		}
	}
	hosts := make([]string, 0, len(d.Add))
	for host := range d.Add {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		body := route{ServerAddress: host, Backend: d.Add[host]}
		if err := c.do(ctx, http.MethodPost, "/routes", body, nil); err != nil {
			return fmt.Errorf("post %s: %w", host, err)
		}
	}
	return nil
}

// Pull reads the managed routes back into the aliases in use and each
// server's port. A server is only returned if every alias routes to it at
// the same port, so a missing route shows up as a missing server.
func (c *Client) Pull(ctx context.Context) ([]string, map[string]int, error) {
	cur, err := c.list(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list: %w", err)
	}
	byAlias := map[string]map[string]int{} // alias -> server -> port
	for host, backend := range c.managed(cur) {
		name := strings.TrimSuffix(host, c.suffix())
		server, alias, ok := strings.Cut(name, ".")
		if !ok {
			alias = mcdns.DefaultAlias
		}
		if server == "" || alias == "" || strings.Contains(alias, ".") {
			c.log.Warn("skipping route", slog.String("host", host))
			continue
		}
		_, portStr, err := net.SplitHostPort(backend)
		if err != nil {
			c.log.Warn("skipping route",
				slog.String("host", host),
				slog.Any("error", err))
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			c.log.Warn("skipping route",
				slog.String("host", host),
				slog.Any("error", err))
			continue
		}
		if byAlias[alias] == nil {
			byAlias[alias] = map[string]int{}
		}
		byAlias[alias][server] = port
	}

	aliases := make([]string, 0, len(byAlias))
	for alias := range byAlias {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	var servers map[string]int
	for _, alias := range aliases {
		routed := byAlias[alias]
		if servers == nil {
			servers = routed
			continue
		}
		for server, port := range servers {
			if p, ok := routed[server]; !ok || p != port {
				delete(servers, server)
			}
		}
	}
	if servers == nil {
		servers = map[string]int{}
	}
	return aliases, servers, nil
}

type route struct {
	ServerAddress string `json:"serverAddress"`
	Backend       string `json:"backend"`
}

func (c *Client) list(ctx context.Context) (Routes, error) {
	var routes Routes
	if err := c.do(ctx, http.MethodGet, "/routes", nil, &routes); err != nil {
		return nil, err
	}
	if routes == nil {
		routes = Routes{}
	}
	return routes, nil
}

func (c *Client) do(
	ctx context.Context,
	method, path string,
	body, out any,
) error {
	var byt []byte
	if body != nil {
		var err error
		byt, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
	}
	return dns.Retry(ctx, c.log, c.clock, method+" "+path,
		func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, method,
				c.url+path, bytes.NewReader(byt))
			if err != nil {
				return fmt.Errorf("new request: %w", err)
			}
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			rsp, err := c.client.Do(req)
			if err != nil {
				return dns.Transient(fmt.Errorf("do: %w", err))
			}
			defer func() { _ = rsp.Body.Close() }()

			rspBody, err := io.ReadAll(rsp.Body)
			if err != nil {
				return dns.Transient(fmt.Errorf("read all: %w", err))
			}
			switch {
			case rsp.StatusCode == http.StatusTooManyRequests,
				rsp.StatusCode >= http.StatusInternalServerError:
				return dns.Transient(fmt.Errorf("%s: %s",
					rsp.Status, string(rspBody)))
			case rsp.StatusCode >= http.StatusBadRequest:
				return fmt.Errorf("%s: %s", rsp.Status,
					string(rspBody))
			}
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(rspBody, out); err != nil {
				return fmt.Errorf("unmarshal: %w", err)
			}
			return nil
		})
}
