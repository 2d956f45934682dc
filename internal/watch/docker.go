// Package watch detects changes to the servers and addresses mcsync
// publishes.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/jonboulle/clockwork"
	"github.com/thankful-ai/mcsync/internal/mcdns"
	"golang.org/x/exp/maps"
)

const (
	DefaultLabelPrefix  = "mcsync"
	DefaultPollInterval = 10 * time.Second
)

// ContainerLister is the part of the Docker API used for discovery.
// *client.Client implements it.
type ContainerLister interface {
	ContainerList(context.Context, container.ListOptions) ([]types.Container, error)
	Close() error
}

// DockerWatcher discovers running Minecraft servers from container labels:
//
//	<prefix>.enable=true   opt in
//	<prefix>.name=vanilla  server name, defaults to the container name
//	<prefix>.port=25565    internal port, defaults to 25565
type DockerWatcher struct {
	log      *slog.Logger
	docker   ContainerLister
	clock    clockwork.Clock
	prefix   string
	interval time.Duration

	mu       sync.Mutex
	snapshot map[string]int
}

type DockerOpts struct {
	Log          *slog.Logger
	LabelPrefix  string
	PollInterval time.Duration

	// Client defaults to a Docker client configured from the environment.
	Client ContainerLister
	Clock  clockwork.Clock
}

func NewDockerWatcher(opts DockerOpts) (*DockerWatcher, error) {
	docker := opts.Client
	if docker == nil {
		cli, err := client.NewClientWithOpts(
			client.FromEnv,
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, fmt.Errorf("new docker client: %w", err)
		}
		docker = cli
	}
	prefix := opts.LabelPrefix
	if prefix == "" {
		prefix = DefaultLabelPrefix
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DockerWatcher{
		log:      opts.Log.With(slog.String("task", "dockerWatcher")),
		docker:   docker,
		clock:    clock,
		prefix:   prefix,
		interval: interval,
	}, nil
}

// Servers lists running servers, mapping each name to its internal port.
func (w *DockerWatcher) Servers(ctx context.Context) (map[string]int, error) {
	args := filters.NewArgs(
		filters.Arg("label", w.prefix+".enable=true"),
		filters.Arg("status", "running"),
	)
	containers, err := w.docker.ContainerList(ctx, container.ListOptions{
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make(map[string]int, len(containers))
	for _, c := range containers {
		name, port, err := w.parse(c)
		if err != nil {
			w.log.Warn("skipping container",
				slog.String("id", c.ID),
				slog.Any("error", err))
			continue
		}
		out[name] = port
	}
	return out, nil
}

func (w *DockerWatcher) parse(c types.Container) (string, int, error) {
	name := c.Labels[w.prefix+".name"]
	if name == "" && len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", 0, fmt.Errorf("missing name")
	}
	if err := mcdns.ValidateLabel(name); err != nil {
		return "", 0, fmt.Errorf("invalid name %q: %w", name, err)
	}
	port := mcdns.DefaultPort
	if s, ok := c.Labels[w.prefix+".port"]; ok && s != "" {
		var err error
		port, err = strconv.Atoi(s)
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, fmt.Errorf("invalid port %q", s)
		}
	}
	return name, port, nil
}

// Snapshot is the server set last seen by Watch.
func (w *DockerWatcher) Snapshot() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return maps.Clone(w.snapshot)
}

// Watch polls for servers until ctx is cancelled, calling onChange whenever
// the set differs from the previous poll. The first poll only records the
// set. Failed polls are logged and retried on the next interval.
func (w *DockerWatcher) Watch(ctx context.Context, onChange func()) error {
	first := true
	for {
		servers, err := w.Servers(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("failed to list servers", slog.Any("error", err))
		case first:
			w.setSnapshot(servers)
			first = false
		default:
			w.mu.Lock()
			changed := !maps.Equal(w.snapshot, servers)
			if changed {
				w.snapshot = servers
			}
			w.mu.Unlock()

			if changed {
				w.log.Info("servers changed",
					slog.Int("count", len(servers)))
				onChange()
			}
		}

		select {
		case <-w.clock.After(w.interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *DockerWatcher) setSnapshot(servers map[string]int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.snapshot = servers
}

func (w *DockerWatcher) Close() error {
	if err := w.docker.Close(); err != nil {
		return fmt.Errorf("close docker client: %w", err)
	}
	return nil
}
