// mcsync publishes the Minecraft servers running in Docker through
// mc-router and DNS SRV records.
//
// Usage:
//
//	mcsync serve -c mcsync.json
//	mcsync diff -c mcsync.json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/thankful-ai/mcsync/internal/cloudflare"
	"github.com/thankful-ai/mcsync/internal/dns"
	"github.com/thankful-ai/mcsync/internal/google"
	mchttp "github.com/thankful-ai/mcsync/internal/http"
	"github.com/thankful-ai/mcsync/internal/mcdns"
	"github.com/thankful-ai/mcsync/internal/mcsync"
	"github.com/thankful-ai/mcsync/internal/router"
	"github.com/thankful-ai/mcsync/internal/watch"
)

const timeout = 60 * time.Second

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mcsync",
		Short:         "Sync Minecraft servers to mc-router and DNS",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringP("config", "c", mcsync.ConfigName,
		"config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Keep the router and DNS in sync until interrupted",
		RunE:  serve,
	}, &cobra.Command{
		Use:   "diff",
		Short: "Print the changes the next sync would make",
		RunE:  diff,
	}, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func setup(cmd *cobra.Command) (mcsync.Config, *slog.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	conf, err := mcsync.ParseConfig(configPath)
	if err != nil {
		return conf, nil, fmt.Errorf("parse config: %w", err)
	}

	var level slog.Level
	switch conf.Log.Level {
	case mcsync.LogLevelInfo, mcsync.LogLevelDefault:
		level = slog.LevelInfo
	case mcsync.LogLevelDebug:
		level = slog.LevelDebug
	default:
		return conf, nil, fmt.Errorf("invalid log level: %s", conf.Log.Level)
	}

	removeTime := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey {
			return slog.Attr{}
		}
		return a
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: removeTime}
	var output slog.Handler
	switch conf.Log.Format {
	case mcsync.LogFormatJSON, mcsync.LogFormatDefault:
		output = slog.NewJSONHandler(os.Stderr, opts)
	case mcsync.LogFormatConsole:
		output = slog.NewTextHandler(os.Stderr, opts)
	default:
		return conf, nil, fmt.Errorf("invalid log format: %s", conf.Log.Format)
	}
	return conf, slog.New(output), nil
}

func serve(cmd *cobra.Command, args []string) error {
	conf, log, err := setup(cmd)
	if err != nil {
		return err
	}
	log.Info("starting", slog.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("register go collector: %w", err)
	}
	err = reg.Register(collectors.NewProcessCollector(
		collectors.ProcessCollectorOpts{}))
	if err != nil {
		return fmt.Errorf("register process collector: %w", err)
	}

	mgr, err := newManager(ctx, log, conf, reg)
	if err != nil {
		return fmt.Errorf("new manager: %w", err)
	}
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	var srv *http.Server
	if conf.Diagnostics.Addr != "" {
		rt := mchttp.NewRouter(mchttp.RouterOpts{
			Log:      log,
			Syncer:   mgr,
			Gatherer: reg,
		})
		srv = &http.Server{
			Addr:              conf.Diagnostics.Addr,
			Handler:           rt.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      timeout,
		}
		go func() {
			err := srv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("failed to serve diagnostics",
					slog.Any("error", err))
				stop()
			}
		}()
		log.Info("listening", slog.String("addr", conf.Diagnostics.Addr))
	}

	<-ctx.Done()
	log.Info("shutting down...")
	return shutdown(log, srv, mgr)
}

func shutdown(log *slog.Logger, srv *http.Server, mgr *mcsync.Manager) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server gracefully",
				slog.Any("error", err))
		}
	}
	if err := mgr.Stop(); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	log.Info("shut down")
	return nil
}

func diff(cmd *cobra.Command, args []string) error {
	conf, log, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	mgr, err := newManager(ctx, log, conf, prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("new manager: %w", err)
	}
	defer func() { _ = mgr.Stop() }()

	if err := mgr.Init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	report, err := mgr.CurrentDiff(ctx)
	if err != nil {
		return fmt.Errorf("current diff: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "\t")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

func newManager(
	ctx context.Context,
	log *slog.Logger,
	conf mcsync.Config,
	reg prometheus.Registerer,
) (*mcsync.Manager, error) {
	provider, err := newProvider(ctx, log, conf)
	if err != nil {
		return nil, fmt.Errorf("new provider: %w", err)
	}
	translator := mcdns.New(mcdns.Opts{
		Log:       log,
		Provider:  provider,
		SubDomain: conf.SubDomain,
		TTL:       conf.TTL,
	})
	rc := router.New(router.Opts{
		Log:       log,
		URL:       conf.Router.URL,
		Domain:    conf.Provider.Domain,
		SubDomain: conf.SubDomain,
	})
	docker, err := watch.NewDockerWatcher(watch.DockerOpts{
		Log:          log,
		LabelPrefix:  conf.Docker.LabelPrefix,
		PollInterval: time.Duration(conf.Docker.PollInterval),
	})
	if err != nil {
		return nil, fmt.Errorf("new docker watcher: %w", err)
	}

	var natmap *watch.NatmapClient
	if conf.Natmap.URL != "" {
		natmap, err = watch.NewNatmapClient(watch.NatmapOpts{
			Log:        log,
			URL:        conf.Natmap.URL,
			Timeout:    time.Duration(conf.Natmap.Timeout),
			RetryDelay: time.Duration(conf.Natmap.RetryDelay),
		})
		if err != nil {
			return nil, fmt.Errorf("new natmap client: %w", err)
		}
	}

	reporter, err := newReporter(ctx, log, conf)
	if err != nil {
		return nil, fmt.Errorf("new reporter: %w", err)
	}

	return mcsync.New(mcsync.Opts{
		Log:         log,
		Enabled:     conf.Enabled,
		Translator:  translator,
		Router:      rc,
		Docker:      docker,
		Natmap:      natmap,
		Sources:     conf.Addresses,
		Reporter:    reporter,
		Registerer:  reg,
		BackoffBase: conf.BackoffBase(),
		BackoffMax:  conf.BackoffMax(),
	})
}

func newProvider(
	ctx context.Context,
	log *slog.Logger,
	conf mcsync.Config,
) (dns.Provider, error) {
	switch conf.Provider.Type {
	case mcsync.ProviderCloudflare:
		return cloudflare.New(cloudflare.Opts{
			Log:         log,
			APIToken:    conf.Provider.Cloudflare.APIToken,
			Domain:      conf.Provider.Domain,
			DeleteDelay: time.Duration(conf.Provider.Cloudflare.DeleteDelay),
		}), nil
	case mcsync.ProviderGoogle:
		p, err := google.NewCloudDNS(ctx, google.CloudDNSOpts{
			Log:     log,
			Project: conf.Provider.Google.Project,
			Domain:  conf.Provider.Domain,
		})
		if err != nil {
			return nil, fmt.Errorf("new cloud dns: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", conf.Provider.Type)
	}
}

func newReporter(
	ctx context.Context,
	log *slog.Logger,
	conf mcsync.Config,
) (mcsync.Reporter, error) {
	logReporter := mcsync.LogReporter{Log: log}
	if conf.ErrorReporting.Project == "" {
		return logReporter, nil
	}
	service := conf.ErrorReporting.Service
	if service == "" {
		service = "mcsync"
	}
	gr, err := google.NewReporter(ctx, google.ReporterOpts{
		Log:     log,
		Service: service,
		Version: version,
		Project: conf.ErrorReporting.Project,
	})
	if err != nil {
		return nil, fmt.Errorf("new google reporter: %w", err)
	}
	return mcsync.Reporters(logReporter, gr), nil
}
