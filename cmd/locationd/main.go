package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/frewsxcv/ichnaea/config"
	"github.com/frewsxcv/ichnaea/database"
	"github.com/frewsxcv/ichnaea/logging"
	"github.com/frewsxcv/ichnaea/middleware/ratelimit/domain"
	"github.com/frewsxcv/ichnaea/middleware/ratelimit/infra"
)

const serviceName = "locationd"

// Preenchido via -ldflags no build de release.
var version = "dev"

// Config é a linha de comando. Flags vazias não sobrescrevem o arquivo/ambiente.
var Config = new(struct {
	ConfigFile string `long:"config" env:"ICHNAEA_CONFIG" description:"Path to the YAML configuration file"`
	InitSchema bool   `long:"init-schema" description:"Create the cell table on the master database and exit"`

	Log struct {
		Level  string `long:"level" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
	} `group:"Logging" namespace:"log"`

	HTTP struct {
		Listen string `long:"listen" description:"Address to serve HTTP on"`
	} `group:"HTTP" namespace:"http"`
})

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(Config.ConfigFile)
	must(err, "loading configuration")
	applyFlags(cfg)
	must(logging.Init(cfg.Logging, serviceName, version), "initializing logging")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if Config.InitSchema {
		must(initSchema(ctx, cfg), "creating schema")
		return
	}
	must(run(ctx, cfg), "locationd exited")
}

// must encerra o processo se err != nil.
func must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Fatal(msg)
}

func applyFlags(cfg *config.Config) {
	if Config.Log.Level != "" {
		cfg.Logging.Level = Config.Log.Level
	}
	if Config.Log.Format != "" {
		cfg.Logging.Format = Config.Log.Format
	}
	if Config.HTTP.Listen != "" {
		cfg.HTTP.Listen = Config.HTTP.Listen
	}
}

func initSchema(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(cfg.Database.Master.Database())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := createSchema(ctx, db); err != nil {
		return err
	}
	log.WithField("database", db.Name()).Info("schema created")
	return nil
}

// stores agrupa os backends do rate limit e o que precisa ser fechado no fim.
type stores struct {
	counters domain.CounterStore
	stats    domain.StatsStore
	janitor  *infra.MemoryCounterStore
	rdb      *redis.Client
}

func (s *stores) Close() error {
	if s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	var out = new(stores)
	rl := cfg.RateLimit
	if !rl.Enabled {
		return out, nil
	}

	if rl.Store == "redis" || rl.Stats.Enabled {
		out.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		timeout := time.Duration(cfg.Redis.DialTimeout) * time.Second
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := out.rdb.Ping(pingCtx).Result()
		cancel()
		if err != nil {
			_ = out.rdb.Close()
			return nil, errors.Wrapf(err, "pinging redis at %s", cfg.Redis.Addr)
		}
	}

	if rl.Store == "redis" {
		out.counters = infra.NewRedisCounterStore(out.rdb, infra.WithCounterPrefix(rl.Prefix))
	} else {
		out.janitor = infra.NewMemoryCounterStore()
		out.counters = out.janitor
	}

	if rl.Stats.Enabled {
		out.stats = infra.NewRedisStatsStore(
			out.rdb,
			infra.WithStatsPrefix(rl.Stats.Prefix),
			infra.WithStatsTTL(time.Duration(rl.Stats.TTLSeconds)*time.Second),
			infra.WithStatsTrackKeys(rl.Stats.TrackKeys),
		)
	}
	return out, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	cluster, err := database.OpenCluster(cfg.Database.Master.Database(), cfg.Database.Replica.Database())
	if err != nil {
		return errors.WithMessage(err, "opening database cluster")
	}
	defer cluster.Close()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           newHandler(cfg, cluster, st),
		ReadHeaderTimeout: cfg.HTTP.Timeouts.ReadHeaderTimeout(),
		ReadTimeout:       cfg.HTTP.Timeouts.ReadTimeout(),
		WriteTimeout:      cfg.HTTP.Timeouts.WriteTimeout(),
		IdleTimeout:       cfg.HTTP.Timeouts.IdleTimeout(),
	}

	log.WithFields(log.Fields{
		"listen":      cfg.HTTP.Listen,
		"master":      cluster.Master.Name(),
		"replica":     cluster.Replica.Name(),
		"singleNode":  cluster.SingleNode(),
		"rateEnabled": cfg.RateLimit.Enabled,
		"rateStore":   cfg.RateLimit.Store,
		"maxRequests": cfg.RateLimit.MaxRequests,
	}).Info("locationd starting")

	g, gctx := errgroup.WithContext(ctx)
	if st.janitor != nil {
		g.Go(func() error { return st.janitor.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.Timeouts.ShutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serving http")
		}
		return nil
	})

	err = g.Wait()
	log.Info("locationd stopped")
	return err
}
