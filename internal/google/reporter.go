package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Reporter sends errors to Google Cloud Error Reporting.
type Reporter struct {
	log     *slog.Logger
	client  *http.Client
	service string
	version string
	url     string
}

type ReporterOpts struct {
	Log     *slog.Logger
	Service string
	Version string
	Project string

	// Client defaults to an oauth2 client using application default
	// credentials. URL overrides the events:report endpoint.
	Client *http.Client
	URL    string
}

func NewReporter(ctx context.Context, opts ReporterOpts) (*Reporter, error) {
	client := opts.Client
	if client == nil {
		var err error
		client, err = google.DefaultClient(ctx, cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("default client: %w", err)
		}
	}
	url := opts.URL
	if url == "" {
		url = fmt.Sprintf(
			"https://clouderrorreporting.googleapis.com/v1beta1/projects/%s/events:report",
			opts.Project,
		)
	}
	return &Reporter{
		log:     opts.Log.With(slog.String("reporter", "google")),
		client:  client,
		service: opts.Service,
		version: opts.Version,
		url:     url,
	}, nil
}

// Report never fails. Errors while reporting are logged.
func (r *Reporter) Report(origErr error) {
	type serviceContext struct {
		Service string `json:"service"`
		Version string `json:"version"`
	}
	data := struct {
		ServiceContext serviceContext `json:"serviceContext"`
		Message        string         `json:"message"`
	}{
		ServiceContext: serviceContext{
			Service: r.service,
			Version: r.version,
		},
		Message: origErr.Error(),
	}
	logErr := func(origErr, reportErr error) {
		r.log.Error("failed to report error",
			slog.String("originalError", origErr.Error()),
			slog.Any("error", reportErr))
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		10*time.Second)
	defer cancel()

	byt, err := json.Marshal(data)
	if err != nil {
		logErr(origErr, fmt.Errorf("marshal: %w", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url,
		bytes.NewReader(byt))
	if err != nil {
		logErr(origErr, fmt.Errorf("new request: %w", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	rsp, err := r.client.Do(req)
	if err != nil {
		logErr(origErr, fmt.Errorf("do: %w", err))
		return
	}
	defer func() { _ = rsp.Body.Close() }()

	if rsp.StatusCode != http.StatusOK && rsp.StatusCode != http.StatusCreated {
		byt, _ := io.ReadAll(rsp.Body)
		logErr(origErr, fmt.Errorf("unexpected status code %d: %s",
			rsp.StatusCode, string(byt)))
		return
	}
}
