package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/jonboulle/clockwork"
	"github.com/thankful-ai/mcsync/internal/mcdns"
)

const (
	DefaultNatmapTimeout = 5 * time.Second
	DefaultRetryDelay    = 5 * time.Second
)

// SourceNatmap marks an address resolved through the NAT mapping service
// rather than configured statically.
const SourceNatmap = "natmap"

// AddressSource configures one alias. Static sources carry their host and
// port. Natmap sources name the internal port whose external mapping becomes
// the address.
type AddressSource struct {
	Type         string `json:"type"`
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	InternalPort int    `json:"internalPort,omitempty"`
}

// Mapping is the external endpoint of one internal port.
type Mapping struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// NatmapClient reads mappings from a natmap monitor and listens for its
// change notifications.
type NatmapClient struct {
	log        *slog.Logger
	client     *http.Client
	dialer     *websocket.Dialer
	clock      clockwork.Clock
	url        string
	wsURL      string
	timeout    time.Duration
	retryDelay time.Duration
}

type NatmapOpts struct {
	Log        *slog.Logger
	URL        string
	Timeout    time.Duration
	RetryDelay time.Duration
	Client     *http.Client
	Clock      clockwork.Clock
}

func NewNatmapClient(opts NatmapOpts) (*NatmapClient, error) {
	base := opts.URL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	var wsURL string
	switch {
	case strings.HasPrefix(base, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(base, "https://")
	default:
		return nil, fmt.Errorf("natmap url must be http or https: %s",
			opts.URL)
	}
	client := opts.Client
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultNatmapTimeout
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &NatmapClient{
		log:    opts.Log.With(slog.String("task", "natmap")),
		client: client,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		clock:      clock,
		url:        base,
		wsURL:      wsURL,
		timeout:    timeout,
		retryDelay: retryDelay,
	}, nil
}

// Mappings returns every current mapping keyed by "tcp:<internal port>".
func (c *NatmapClient) Mappings(ctx context.Context) (map[string]Mapping, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.url+"all_mappings", nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	rsp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer func() { _ = rsp.Body.Close() }()

	if rsp.StatusCode != http.StatusOK {
		byt, _ := io.ReadAll(rsp.Body)
		return nil, fmt.Errorf("unexpected status code %d: %s",
			rsp.StatusCode, string(byt))
	}
	var out map[string]Mapping
	if err := json.NewDecoder(rsp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

// AddressesForConfig resolves every natmap source to an A address at its
// mapped endpoint. Sources without a current mapping are skipped. Static
// sources are ignored.
func (c *NatmapClient) AddressesForConfig(
	ctx context.Context,
	sources map[string]AddressSource,
) (mcdns.Addresses, error) {
	out := mcdns.Addresses{}
	var hasNatmap bool
	for _, src := range sources {
		if src.Type == SourceNatmap {
			hasNatmap = true
			break
		}
	}
	if !hasNatmap {
		return out, nil
	}

	mappings, err := c.Mappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("mappings: %w", err)
	}
	for alias, src := range sources {
		if src.Type != SourceNatmap {
			continue
		}
		internal := src.InternalPort
		if internal == 0 {
			internal = mcdns.DefaultPort
		}
		m, ok := mappings["tcp:"+strconv.Itoa(internal)]
		if !ok || m.IP == "" || m.Port == 0 {
			c.log.Warn("no mapping for address",
				slog.String("alias", alias),
				slog.Int("internalPort", internal))
			continue
		}
		out[alias] = mcdns.AddressInfo{
			Type: mcdns.AddressA,
			Host: m.IP,
			Port: m.Port,
		}
	}
	return out, nil
}

// ListenWS calls onMessage for every notification pushed by the monitor until
// ctx is cancelled. Lost or failed connections are retried after the retry
// delay.
func (c *NatmapClient) ListenWS(ctx context.Context, onMessage func([]byte)) error {
	for {
		err := c.listenOnce(ctx, onMessage)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Error("natmap websocket failed, retrying",
			slog.Any("error", err),
			slog.Duration("delay", c.retryDelay))

		select {
		case <-c.clock.After(c.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *NatmapClient) listenOnce(ctx context.Context, onMessage func([]byte)) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL+"ws", nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Unblock ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.log.Info("natmap websocket connected")
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		onMessage(msg)
	}
}

// Close releases idle HTTP connections.
func (c *NatmapClient) Close() {
	c.client.CloseIdleConnections()
}
