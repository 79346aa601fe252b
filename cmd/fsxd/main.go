// Command fsxd is the fsx process entry point: it loads the TOML
// configuration, wires the metadata store, tiered placement engine, and
// watch pipeline together, serves the WebSocket front door and metrics
// endpoint over HTTP, and runs until signaled. Trimmed from the teacher's
// cmd/revad/main.go to what this single-service daemon needs: no plugin
// loader, no gRPC, no multi-config dev-dir mode.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/fsx-project/fsx/pkg/batch"
	"github.com/fsx-project/fsx/pkg/coalesce"
	"github.com/fsx-project/fsx/pkg/config"
	"github.com/fsx-project/fsx/pkg/log"
	"github.com/fsx-project/fsx/pkg/metastore"
	"github.com/fsx-project/fsx/pkg/metrics"
	"github.com/fsx-project/fsx/pkg/pagemeta"
	"github.com/fsx-project/fsx/pkg/subscribe"
	"github.com/fsx-project/fsx/pkg/tier"
	"github.com/fsx-project/fsx/pkg/tier/objectstore"
	"github.com/fsx-project/fsx/pkg/tier/objectstore/memstore"
	"github.com/fsx-project/fsx/pkg/tier/objectstore/miniostore"
	"github.com/fsx-project/fsx/pkg/watchbridge"
	"github.com/fsx-project/fsx/pkg/wsfrontdoor"
)

var (
	versionFlag = flag.Bool("version", false, "show version and exit")
	configFlag  = flag.String("c", "/etc/fsxd/fsxd.toml", "set configuration file")
	pidFlag     = flag.String("p", "", "pid file; defaults to a random file under the OS temp dir")

	gitCommit, buildDate, version, goVersion string
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Fprintf(os.Stderr, "version=%s commit=%s go=%s built=%s\n", version, gitCommit, goVersion, buildDate)
		return
	}

	cfg, err := config.LoadFile(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %s\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	logger.Info().Str("config", *configFlag).Msg("starting fsxd")

	lock, err := acquireProcessLock(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("error acquiring single-writer process lock")
	}
	defer lock.Unlock()

	coord, err := buildCoordinator(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("error constructing coordinator")
	}
	defer coord.Close()

	router := buildRouter(cfg, coord)
	httpSrv := &httpServer{srv: &http.Server{Addr: cfg.Server.Address, Handler: router}}

	pidFile := *pidFlag
	if pidFile == "" {
		pidFile = randomPIDPath()
	}
	w := newWatcher(withLogger(logger), withPIDFile(pidFile))
	if err := w.writePID(); err != nil {
		logger.Fatal().Err(err).Msg("error writing pid file")
	}

	go func() {
		logger.Info().Str("address", cfg.Server.Address).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			w.exit(1)
		}
	}()

	w.trapSignals(httpSrv)
}

func initLogger(cfg config.Log) zerolog.Logger {
	log.Mode = cfg.Mode
	if w, err := logWriter(cfg.Output); err == nil {
		log.Out = w
	}
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return log.New("fsxd")
}

func logWriter(output string) (*os.File, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
}

// acquireProcessLock takes an exclusive flock over the metastore database
// path's sibling lockfile, enforcing metastore.Store's single-writer
// assumption across process restarts and accidental double-starts.
func acquireProcessLock(cfg *config.Config) (*flock.Flock, error) {
	var msCfg struct {
		Path string `mapstructure:"path"`
	}
	if err := cfg.Decode("metastore", &msCfg); err != nil {
		return nil, err
	}
	if msCfg.Path == "" {
		msCfg.Path = "fsx.db"
	}
	l := flock.New(msCfg.Path + ".lock")
	locked, err := l.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("another fsxd process already holds %s.lock", msCfg.Path)
	}
	return l, nil
}

// coordinator holds every long-lived component buildCoordinator wires
// together, so main can close them down in one place.
type coordinator struct {
	db        *sql.DB
	metastore *metastore.Store
	pagemeta  *pagemeta.Store
	tier      *tier.Engine
	subscribe *subscribe.Registry
	coalescer *coalesce.Coalescer
	batcher   *batch.Emitter
	bridge    *watchbridge.Bridge
	wsfront   *wsfrontdoor.Server
}

func (c *coordinator) Close() {
	c.coalescer.Dispose()
	c.batcher.Dispose()
	if err := c.metastore.Close(); err != nil {
		log.New("fsxd").Error().Err(err).Msg("error closing metastore")
	}
	if err := c.db.Close(); err != nil {
		log.New("fsxd").Error().Err(err).Msg("error closing database")
	}
}

func buildCoordinator(cfg *config.Config, logger zerolog.Logger) (*coordinator, error) {
	var msCfg struct {
		Path string `mapstructure:"path"`
	}
	_ = cfg.Decode("metastore", &msCfg)
	if msCfg.Path == "" {
		msCfg.Path = "fsx.db"
	}

	db, err := sql.Open("sqlite3", msCfg.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // single-writer SQLite

	ms := metastore.New(db)
	if err := ms.Init(context.Background()); err != nil {
		return nil, err
	}

	pm := pagemeta.New(ms)

	stores, err := buildObjectStores(cfg)
	if err != nil {
		return nil, err
	}

	var tierCfg tier.Config
	_ = cfg.Decode("tier", &tierCfg)
	tierCfg = tierCfg.WithDefaults()
	tierEngine, err := tier.New(tierCfg, stores, ms, tier.WithHooks(tier.Hooks{
		OnTierMigration: func(path, from, to string) {
			logger.Info().Str("path", path).Str("from", from).Str("to", to).Msg("tier migration")
		},
	}))
	if err != nil {
		return nil, err
	}

	var subCfg subscribe.Config
	_ = cfg.Decode("subscribe", &subCfg)
	subRegistry := subscribe.New(subCfg)

	var coalesceCfg coalesce.Config
	_ = cfg.Decode("coalesce", &coalesceCfg)
	coalescer := coalesce.New(coalesceCfg.WithDefaults())

	var batchCfg batch.Config
	_ = cfg.Decode("batch", &batchCfg)
	batcher := batch.New(batchCfg.WithDefaults())

	// Data flow per the watch pipeline: coalescer emits a settled batch of
	// events, each re-queued into the fixed-window batch emitter, whose
	// own flush calls through the bridge to resolve subscribers and fan
	// out over open connections.
	coalescer.OnEmit(func(events []coalesce.Event) {
		for _, e := range events {
			batcher.Queue(batch.Event{Type: batch.EventType(e.Type), Path: e.Path, OldPath: e.OldPath, Metadata: e.Metadata})
		}
	})

	bridge := watchbridge.New(subRegistry, watchbridge.WithBatcher(batcher))

	wsServer := wsfrontdoor.New(subRegistry, bridge, nil)

	return &coordinator{
		db:        db,
		metastore: ms,
		pagemeta:  pm,
		tier:      tierEngine,
		subscribe: subRegistry,
		coalescer: coalescer,
		batcher:   batcher,
		bridge:    bridge,
		wsfront:   wsServer,
	}, nil
}

func buildObjectStores(cfg *config.Config) (map[string]objectstore.Store, error) {
	stores := map[string]objectstore.Store{
		tier.TierHot: memstore.New(),
	}

	if cfg.HasSection("warm_store") {
		var mc miniostore.Config
		if err := cfg.Decode("warm_store", &mc); err != nil {
			return nil, err
		}
		s, err := miniostore.New(mc)
		if err != nil {
			return nil, err
		}
		stores[tier.TierWarm] = s
	}

	if cfg.HasSection("cold_store") {
		var mc miniostore.Config
		if err := cfg.Decode("cold_store", &mc); err != nil {
			return nil, err
		}
		s, err := miniostore.New(mc)
		if err != nil {
			return nil, err
		}
		stores[tier.TierCold] = s
	}

	return stores, nil
}

func buildRouter(cfg *config.Config, coord *coordinator) http.Handler {
	r := chi.NewRouter()

	corsMW := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.Origins,
	})
	r.Use(corsMW.Handler)

	coord.wsfront.Mount(r)

	reg := metrics.NewRegistry(
		metrics.NewTierCollector(coord.tier),
		metrics.NewBatchCollector(coord.batcher),
		metrics.NewMetastoreCollector(coord.metastore),
	)
	metrics.Mount(r, reg)

	return r
}

// httpServer adapts *http.Server to the watcher's server interface.
type httpServer struct {
	srv *http.Server
}

func (h *httpServer) ListenAndServe() error { return h.srv.ListenAndServe() }

func (h *httpServer) Stop() error {
	return h.srv.Close()
}

func (h *httpServer) GracefulStop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.srv.Shutdown(ctx)
}

func (h *httpServer) Network() string { return "tcp" }

func (h *httpServer) Address() string { return h.srv.Addr }
