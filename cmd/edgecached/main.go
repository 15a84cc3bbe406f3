// Command edgecached runs the cache daemon: an HTTP listener that serves
// client requests by dispatching through the fetch coordinator (C8) to a
// single configured backend, plus a Prometheus metrics listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgeproxy/edgecache/internal/busyobj"
	"github.com/edgeproxy/edgecache/internal/config"
	"github.com/edgeproxy/edgecache/internal/fetch"
	"github.com/edgeproxy/edgecache/internal/hashidx"
	"github.com/edgeproxy/edgecache/internal/metrics"
	"github.com/edgeproxy/edgecache/internal/storage"
	"github.com/edgeproxy/edgecache/internal/transport"
	"github.com/edgeproxy/edgecache/internal/vcl"
	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "edgecached",
		Short: "HTTP cache daemon with ESI support",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := pflag.NewFlagSet("edgecached", pflag.ContinueOnError)
	config.BindFlags(fs, config.Default())
	cmd.Flags().AddFlagSet(fs)
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to a TOML config file")

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	log := logrus.StandardLogger().WithField("component", "edgecached")
	ms := metrics.NewSet()

	idx := hashidx.NewMemIndex()
	store := storage.NewMemStore(0)
	pool := transport.NewHTTPPool(http.DefaultTransport)
	coord := fetch.NewCoordinator(idx, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handleRequest(coord, idx, store, pool, ms, cfg, log))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}
	metricsSrv := &http.Server{Addr: cfg.MetricsListen, Handler: metricsMux}

	errc := make(chan error, 2)
	go func() { errc <- srv.ListenAndServe() }()
	go func() { errc <- metricsSrv.ListenAndServe() }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigc:
		log.Info("edgecached: shutting down")
		_ = srv.Shutdown(context.Background())
		_ = metricsSrv.Shutdown(context.Background())
	case <-ctx.Done():
	}
	return nil
}

func newBusyObj(cfg config.Config) *busyobj.BusyObj {
	return busyobj.New(nil, cfg.MaxRetries)
}

func handleRequest(
	coord *fetch.Coordinator,
	idx hashidx.Index,
	store storage.Store,
	pool transport.Pool,
	ms *metrics.Set,
	cfg config.Config,
	log *logrus.Entry,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.String()
		bo := newBusyObj(cfg)
		bo.FetchObjcore = hashidx.NewObjcore(digest.FromString(key))

		m := &fetch.Machine{
			BO:         bo,
			Hooks:      vcl.AlwaysDeliver{},
			Pool:       pool,
			Store:      store,
			Index:      idx,
			Metrics:    ms,
			Cfg: fetch.Config{
				HTTPGzipSupport: cfg.HTTPGzipSupport,
				Shortlived:      time.Duration(cfg.Shortlived) * time.Second,
				FetchChunksize:  cfg.FetchChunksize,
			},
			Log:        log,
			ClientReq:  r,
			BackendURL: cfg.Backend + r.URL.Path,
		}

		res, err := coord.Fetch(r.Context(), key, fetch.Normal, m)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if res.FailedFlag {
			for k, vs := range res.Headers {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(res.StatusCode)
			fmt.Fprint(w, "backend fetch failed")
			return
		}

		for k, vs := range res.Headers {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(res.StatusCode)
		for _, chunk := range res.Object.Chunks() {
			w.Write(chunk.Ptr[:chunk.Len])
		}
	}
}
