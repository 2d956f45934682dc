package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
)

type fakeDocker struct {
	mu         sync.Mutex
	containers []types.Container
	err        error
	opts       container.ListOptions
}

func (f *fakeDocker) set(containers ...types.Container) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.containers = containers
}

func (f *fakeDocker) ContainerList(
	_ context.Context,
	opts container.ListOptions,
) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return append([]types.Container{}, f.containers...), nil
}

func (f *fakeDocker) Close() error { return nil }

func mcContainer(id, name string, labels map[string]string) types.Container {
	all := map[string]string{"mcsync.enable": "true"}
	for k, v := range labels {
		all[k] = v
	}
	return types.Container{ID: id, Names: []string{"/" + name}, Labels: all}
}

func newWatcher(t *testing.T, docker *fakeDocker, clock clockwork.Clock) *DockerWatcher {
	t.Helper()

	w, err := NewDockerWatcher(DockerOpts{
		Log:          log(),
		Client:       docker,
		Clock:        clock,
		PollInterval: time.Second,
	})
	check(t, err)
	return w
}

func TestServers(t *testing.T) {
	t.Parallel()

	type testcase struct {
		containers []types.Container
		want       map[string]int
	}
	tcs := []testcase{{
		containers: []types.Container{mcContainer("1", "Vanilla", nil)},
		want:       map[string]int{"vanilla": 25565},
	}, {
		containers: []types.Container{mcContainer("1", "mc-1", map[string]string{
			"mcsync.name": "modded",
			"mcsync.port": "25570",
		})},
		want: map[string]int{"modded": 25570},
	}, {
		containers: []types.Container{
			mcContainer("1", "bad", map[string]string{"mcsync.port": "x"}),
			mcContainer("2", "good", nil),
		},
		want: map[string]int{"good": 25565},
	}, {
		containers: []types.Container{
			mcContainer("1", "my.server", nil),
			mcContainer("2", "mc-2", map[string]string{"mcsync.name": "a.b"}),
			mcContainer("3", "vanilla", nil),
		},
		want: map[string]int{"vanilla": 25565},
	}, {
		containers: nil,
		want:       map[string]int{},
	}}
	for i, tc := range tcs {
		tc := tc // capture reference
		t.Run(fmt.Sprintf("test_%d", i), func(t *testing.T) {
			t.Parallel()

			docker := &fakeDocker{}
			docker.set(tc.containers...)
			w := newWatcher(t, docker, clockwork.NewFakeClock())
			have, err := w.Servers(context.Background())
			check(t, err)
			if diff := cmp.Diff(tc.want, have); diff != "" {
				t.Fatal(diff)
			}
			labels := docker.opts.Filters.Get("label")
			if len(labels) != 1 || labels[0] != "mcsync.enable=true" {
				t.Fatalf("unexpected label filter: %v", labels)
			}
		})
	}
}

func TestWatch(t *testing.T) {
	t.Parallel()

	docker := &fakeDocker{}
	docker.set(mcContainer("1", "vanilla", nil))
	clock := clockwork.NewFakeClock()
	w := newWatcher(t, docker, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, func() { changes <- struct{}{} })
	}()

	noChange := func() {
		t.Helper()
		select {
		case <-changes:
			t.Fatal("unexpected change")
		default:
		}
	}

	// The first poll never fires.
	clock.BlockUntil(1)
	noChange()

	docker.set(mcContainer("1", "vanilla", nil), mcContainer("2", "modded", nil))
	clock.Advance(time.Second)
	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	want := map[string]int{"vanilla": 25565, "modded": 25565}
	if diff := cmp.Diff(want, w.Snapshot()); diff != "" {
		t.Fatal(diff)
	}

	// Unchanged polls don't fire.
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	noChange()

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, have %v", err)
	}
}

func TestWatchSurvivesErrors(t *testing.T) {
	t.Parallel()

	docker := &fakeDocker{err: errors.New("daemon unavailable")}
	clock := clockwork.NewFakeClock()
	w := newWatcher(t, docker, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, func() { changes <- struct{}{} })
	}()

	clock.BlockUntil(1)
	docker.mu.Lock()
	docker.err = nil
	docker.containers = []types.Container{mcContainer("1", "vanilla", nil)}
	docker.mu.Unlock()

	// The first successful poll only records the set.
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	select {
	case <-changes:
		t.Fatal("unexpected change")
	default:
	}
	if n := len(w.Snapshot()); n != 1 {
		t.Fatalf("want 1 server, have %d", n)
	}

	cancel()
	<-done
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
