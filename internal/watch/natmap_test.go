package watch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/thankful-ai/mcsync/internal/mcdns"
)

func newNatmap(t *testing.T, h http.Handler, timeout time.Duration) *NatmapClient {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewNatmapClient(NatmapOpts{
		Log:        log(),
		URL:        srv.URL,
		Timeout:    timeout,
		RetryDelay: time.Millisecond,
		Client:     &http.Client{},
	})
	check(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNatmapURL(t *testing.T) {
	t.Parallel()

	type testcase struct {
		url     string
		wantURL string
		wantWS  string
		wantErr bool
	}
	tcs := []testcase{
		{url: "http://natmap:8080", wantURL: "http://natmap:8080/", wantWS: "ws://natmap:8080/"},
		{url: "https://natmap/api/", wantURL: "https://natmap/api/", wantWS: "wss://natmap/api/"},
		{url: "natmap:8080", wantErr: true},
	}
	for i, tc := range tcs {
		tc := tc // capture reference
		t.Run(fmt.Sprintf("test_%d", i), func(t *testing.T) {
			t.Parallel()

			c, err := NewNatmapClient(NatmapOpts{Log: log(), URL: tc.url})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			check(t, err)
			if c.url != tc.wantURL || c.wsURL != tc.wantWS {
				t.Fatalf("have %s %s", c.url, c.wsURL)
			}
		})
	}
}

func TestAddressesForConfig(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/all_mappings", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"tcp:25565":{"ip":"1.2.3.4","port":30000}}`))
	})
	c := newNatmap(t, mux, time.Second)
	ctx := context.Background()

	have, err := c.AddressesForConfig(ctx, map[string]AddressSource{
		"*":      {Type: SourceNatmap},
		"lan":    {Type: SourceNatmap, InternalPort: 25570},
		"backup": {Type: "CNAME", Host: "host.example.net"},
	})
	check(t, err)
	want := mcdns.Addresses{
		"*": {Type: mcdns.AddressA, Host: "1.2.3.4", Port: 30000},
	}
	if diff := cmp.Diff(want, have); diff != "" {
		t.Fatal(diff)
	}

	// Static only sources make no calls
	_, err = c.AddressesForConfig(ctx, map[string]AddressSource{
		"backup": {Type: "CNAME", Host: "host.example.net"},
	})
	check(t, err)
	if n := calls.Load(); n != 1 {
		t.Fatalf("want 1 call, have %d", n)
	}
}

func TestMappingsTimeout(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/all_mappings", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	c := newNatmap(t, mux, 20*time.Millisecond)
	_, err := c.Mappings(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, have %v", err)
	}
}

func TestListenWSReconnects(t *testing.T) {
	t.Parallel()

	var upgrader websocket.Upgrader
	var conns atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		// One notification per connection, then drop it.
		n := conns.Add(1)
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(fmt.Sprintf("changed %d", n)))
	})
	c := newNatmap(t, mux, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs := make(chan string, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.ListenWS(ctx, func(b []byte) { msgs <- string(b) })
	}()

	for i := 1; i <= 3; i++ {
		select {
		case msg := <-msgs:
			if want := fmt.Sprintf("changed %d", i); msg != want {
				t.Fatalf("want %q, have %q", want, msg)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want canceled, have %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}
