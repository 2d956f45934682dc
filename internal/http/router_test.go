package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thankful-ai/mcsync/internal/dns"
	"github.com/thankful-ai/mcsync/internal/mcsync"
)

type fakeSyncer struct {
	running bool
	backoff time.Duration
	report  mcsync.DiffReport
	err     error
}

func (f fakeSyncer) Running() bool          { return f.running }
func (f fakeSyncer) Backoff() time.Duration { return f.backoff }

func (f fakeSyncer) CurrentDiff(context.Context) (mcsync.DiffReport, error) {
	return f.report, f.err
}

func TestRouter(t *testing.T) {
	t.Parallel()

	type testcase struct {
		syncer     fakeSyncer
		path       string
		wantStatus int
		wantBody   string
	}
	tcs := []testcase{{
		syncer:     fakeSyncer{running: true, backoff: 2 * time.Second},
		path:       "/health",
		wantStatus: http.StatusOK,
		wantBody:   `{"data":{"running":true,"backoff":"2s"}}`,
	}, {
		syncer:     fakeSyncer{err: mcsync.ErrNotInitialized},
		path:       "/diff",
		wantStatus: http.StatusServiceUnavailable,
	}, {
		syncer:     fakeSyncer{err: errors.New("boom")},
		path:       "/diff",
		wantStatus: http.StatusInternalServerError,
	}, {
		syncer: fakeSyncer{report: mcsync.DiffReport{
			DNS:    &dns.Diff{Remove: []string{"r1"}},
			Errors: []string{"router diff: unavailable"},
		}},
		path:       "/diff",
		wantStatus: http.StatusOK,
		wantBody:   `{"data":{"dns":{"add":null,"remove":["r1"],"update":null},"errors":["router diff: unavailable"]}}`,
	}, {
		path:       "/missing",
		wantStatus: http.StatusNotFound,
	}}
	for i, tc := range tcs {
		tc := tc
		t.Run(fmt.Sprintf("test_%d", i), func(t *testing.T) {
			t.Parallel()

			rt := NewRouter(RouterOpts{Log: log(), Syncer: tc.syncer})
			w := httptest.NewRecorder()
			rt.Handler().ServeHTTP(w,
				httptest.NewRequest(http.MethodGet, tc.path, nil))
			if w.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d: %s",
					tc.wantStatus, w.Code, w.Body.String())
			}
			if tc.wantBody == "" {
				return
			}
			var want, have any
			check(t, json.Unmarshal([]byte(tc.wantBody), &want))
			check(t, json.Unmarshal(w.Body.Bytes(), &have))
			if diff := cmp.Diff(want, have); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestRouterMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_total",
		Help: "Test counter.",
	})
	check(t, reg.Register(counter))
	counter.Inc()

	rt := NewRouter(RouterOpts{
		Log:      log(),
		Syncer:   fakeSyncer{},
		Gatherer: reg,
	})
	srv := httptest.NewServer(rt.Handler())
	t.Cleanup(srv.Close)

	rsp, err := http.Get(srv.URL + "/metrics")
	check(t, err)
	defer func() { _ = rsp.Body.Close() }()
	byt, err := io.ReadAll(rsp.Body)
	check(t, err)
	if !strings.Contains(string(byt), "test_total 1") {
		t.Fatalf("missing counter in %s", string(byt))
	}
}

func check(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func log() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}
