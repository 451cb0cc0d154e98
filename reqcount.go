// Copyright 2015 Zalando SE
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reqcount

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdnet "net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zalando/reqcount/callout"
	"github.com/zalando/reqcount/counter"
	"github.com/zalando/reqcount/filters"
	"github.com/zalando/reqcount/filters/intercept"
	"github.com/zalando/reqcount/logging"
	"github.com/zalando/reqcount/metrics"
	"github.com/zalando/reqcount/net"
	"github.com/zalando/reqcount/proxy"
	"github.com/zalando/reqcount/shared"
)

// Shared backend types.
const (
	MemoryBackend = "memory"
	RedisBackend  = "redis"
	ValkeyBackend = "valkey"
)

const defaultShutdownTimeout = 10 * time.Second

// Options to start the proxy with the requestCounter filter and the
// counting service.
type Options struct {
	// Address of the proxy listener, ":9090" when empty.
	Address string

	// SupportListener serves /metrics and /healthz. Empty disables
	// it.
	SupportListener string

	// Backend is the URL of the service behind the proxy.
	Backend string

	ProxyPreserveHost bool

	// SharedBackend selects the shared store and queues: memory,
	// redis or valkey.
	SharedBackend string

	SwarmRedisURLs         []string
	SwarmRedisPassword     string
	SwarmRedisDialTimeout  time.Duration
	SwarmRedisReadTimeout  time.Duration
	SwarmRedisWriteTimeout time.Duration
	SwarmRedisPoolTimeout  time.Duration

	SwarmValkeyURLs     []string
	SwarmValkeyPassword string

	// Upstreams of the outbound calls, by name.
	Upstreams      map[string]string
	CalloutTimeout time.Duration

	CASMaxAttempts     uint
	CASInitialInterval time.Duration
	CASMaxInterval     time.Duration

	// FilterConfig and ServiceConfig are the configuration documents
	// of the requestCounter filter and of the counting service.
	FilterConfig  []byte
	ServiceConfig []byte

	ApplicationLogLevel       log.Level
	ApplicationLogPrefix      string
	ApplicationLogJSONEnabled bool

	MetricsPrefix        string
	EnableRuntimeMetrics bool

	ShutdownTimeout time.Duration
}

type sharedBackend struct {
	store  shared.Store
	queues shared.Queues
	closer []io.Closer
}

func (b *sharedBackend) Close() {
	for i := len(b.closer) - 1; i >= 0; i-- {
		if err := b.closer[i].Close(); err != nil {
			log.Errorf("Failed to close shared backend: %v", err)
		}
	}
}

func newSharedBackend(ctx context.Context, o Options, m metrics.Metrics) (*sharedBackend, error) {
	switch o.SharedBackend {
	case "", MemoryBackend:
		mem := shared.NewMemory()
		return &sharedBackend{store: mem, queues: mem, closer: []io.Closer{mem}}, nil
	case RedisBackend:
		if len(o.SwarmRedisURLs) == 0 {
			return nil, errors.New("redis shared backend requires redis urls")
		}

		client := net.NewRedisRingClient(&net.RedisOptions{
			Addrs:        o.SwarmRedisURLs,
			Password:     o.SwarmRedisPassword,
			DialTimeout:  o.SwarmRedisDialTimeout,
			ReadTimeout:  o.SwarmRedisReadTimeout,
			WriteTimeout: o.SwarmRedisWriteTimeout,
			PoolTimeout:  o.SwarmRedisPoolTimeout,
			Metrics:      m,
		})

		if !client.RingAvailable(ctx) {
			client.Close()
			return nil, errors.New("redis ring not available")
		}

		client.StartMetricsCollection()
		r := shared.NewRedis(client)
		return &sharedBackend{store: r, queues: r, closer: []io.Closer{client, r}}, nil
	case ValkeyBackend:
		if len(o.SwarmValkeyURLs) == 0 {
			return nil, errors.New("valkey shared backend requires valkey urls")
		}

		client, err := net.NewValkeyRingClient(&net.ValkeyOptions{
			Addrs:    o.SwarmValkeyURLs,
			Password: o.SwarmValkeyPassword,
			Metrics:  m,
		})
		if err != nil {
			return nil, err
		}

		if !client.RingAvailable(ctx) {
			client.Close()
			return nil, errors.New("valkey ring not available")
		}

		v := shared.NewValkey(client)
		return &sharedBackend{store: v, queues: v, closer: []io.Closer{client, v}}, nil
	default:
		return nil, fmt.Errorf("unknown shared backend: %s", o.SharedBackend)
	}
}

func listen(addr string) (stdnet.Listener, error) {
	l, err := stdnet.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return l, nil
}

func supportHandler(m metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	m.RegisterHandler("/metrics", mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

// addrs is called with the addresses of the proxy and the support
// listeners, once the listeners were created.
type addrs func(proxy, support stdnet.Addr)

func run(ctx context.Context, o Options, ready addrs) error {
	logging.Init(logging.Options{
		ApplicationLogPrefix:      o.ApplicationLogPrefix,
		ApplicationLogLevel:       o.ApplicationLogLevel,
		ApplicationLogJSONEnabled: o.ApplicationLogJSONEnabled,
	})

	if o.Address == "" {
		o.Address = ":9090"
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = defaultShutdownTimeout
	}

	m := metrics.NewPrometheus(metrics.Options{
		Prefix:               o.MetricsPrefix,
		EnableRuntimeMetrics: o.EnableRuntimeMetrics,
	})

	lg := &logging.DefaultLog{}
	backend, err := newSharedBackend(ctx, o, m)
	if err != nil {
		return err
	}
	defer backend.Close()

	service := counter.NewService(counter.ServiceOptions{
		Queues: backend.queues,
		Updater: counter.NewUpdater(counter.UpdaterOptions{
			Store:           backend.store,
			MaxAttempts:     o.CASMaxAttempts,
			InitialInterval: o.CASInitialInterval,
			MaxInterval:     o.CASMaxInterval,
			Metrics:         m,
			Log:             lg,
		}),
		Metrics: m,
		Log:     lg,
	})
	defer service.Close()

	// the filter resolves the queue registered by the service
	if err := service.Configure(o.ServiceConfig); err != nil {
		return fmt.Errorf("failed to configure counting service: %w", err)
	}

	dispatcher, err := callout.New(callout.Options{
		Upstreams: o.Upstreams,
		Timeout:   o.CalloutTimeout,
		Metrics:   m,
		Log:       lg,
	})
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	registry := make(filters.Registry)
	registry.Register(intercept.NewRequestCounter(intercept.Options{
		Store:      backend.store,
		Queues:     backend.queues,
		Dispatcher: dispatcher,
		Metrics:    m,
		Log:        lg,
	}))

	f, err := registry.Create(filters.RequestCounterName, string(o.FilterConfig))
	if err != nil {
		return fmt.Errorf("failed to create filter: %w", err)
	}

	p, err := proxy.New(proxy.Options{
		Backend:      o.Backend,
		Filters:      []filters.Filter{f},
		PreserveHost: o.ProxyPreserveHost,
		Metrics:      m,
		Log:          lg,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	var servers []*http.Server
	var listeners []stdnet.Listener

	pl, err := listen(o.Address)
	if err != nil {
		return err
	}

	servers = append(servers, &http.Server{Handler: p, ReadHeaderTimeout: time.Minute})
	listeners = append(listeners, pl)

	var supportAddr stdnet.Addr
	if o.SupportListener != "" {
		sl, err := listen(o.SupportListener)
		if err != nil {
			pl.Close()
			return err
		}

		supportAddr = sl.Addr()
		servers = append(servers, &http.Server{Handler: supportHandler(m), ReadHeaderTimeout: time.Minute})
		listeners = append(listeners, sl)
	}

	if ready != nil {
		ready(pl.Addr(), supportAddr)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range servers {
		s, l := servers[i], listeners[i]
		log.Infof("Listening on %v", l.Addr())
		g.Go(func() error {
			if err := s.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), o.ShutdownTimeout)
		defer cancel()

		for _, s := range servers {
			if err := s.Shutdown(sctx); err != nil {
				log.Errorf("Failed to shut down the server: %v", err)
			}
		}

		return nil
	})

	return g.Wait()
}

// RunWithShutdown starts the proxy and blocks until the context is
// canceled or a listener fails.
func RunWithShutdown(ctx context.Context, o Options) error {
	return run(ctx, o, nil)
}

// Run starts the proxy and blocks until SIGTERM or SIGINT.
func Run(o Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	return RunWithShutdown(ctx, o)
}
