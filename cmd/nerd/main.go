package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"nerd/internal/cache"
	"nerd/internal/config"
	"nerd/internal/ics"
	"nerd/internal/labeler"
	"nerd/internal/locale"
	appLog "nerd/internal/log"
	"nerd/internal/metrics"
	"nerd/internal/model"
	"nerd/internal/monitor"
	"nerd/internal/ner"
	"nerd/internal/pipeline"
	"nerd/internal/ratelimit"
	"nerd/internal/rpc"
	"nerd/internal/service"
	"nerd/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	grpcListen string
	text       string
	ics        bool
	purge      bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.grpcListen != "" {
		conf.GRPCListen = flags.grpcListen
	}

	appLog.SetJSON(conf.LogFormat == "json")
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	defer appLog.Sync()

	if err := run(flags, conf); err != nil {
		appLog.Error("nerd exiting with error", err)
		appLog.Sync()
		os.Exit(1)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/nerd/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.grpcListen, "grpc-listen", "", "gRPC listen address (overrides config if set)")
	flag.StringVar(&cfg.text, "text", "", "Extract entities from this text, print them and exit")
	flag.BoolVar(&cfg.ics, "ics", false, "With -text: print an iCalendar instead of JSON")
	flag.BoolVar(&cfg.purge, "purge-cache", false, "Delete every cached result of the configured cache version and exit")

	flag.Parse()

	return cfg
}

// app holds the wired components.
type app struct {
	svc     *service.Service
	redis   redis.UniversalClient
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
}

func run(flags flagConfig, conf *config.Config) error {
	appLog.Info("nerd starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"grpc_listen", conf.GRPCListen,
		"timezone", conf.Timezone,
		"locale", conf.Locale,
		"confidence_threshold", conf.ConfidenceThreshold,
		"confidence_merge", conf.ConfidenceMerge,
		"labeler", conf.Labeler.URL != "",
		"redis", conf.Redis.Addr,
		"cache", conf.Cache.Enabled,
		"rate_limit", conf.RateLimit.Enabled,
	)

	m := metrics.New(prometheus.DefaultRegisterer)
	a, err := build(conf, m)
	if err != nil {
		return err
	}
	if a.redis != nil {
		defer a.redis.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.purge {
		if a.cache == nil {
			return errors.New("purge-cache: cache is disabled or redis.addr is empty")
		}
		n, err := a.cache.Purge(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "purged %d cached results\n", n)
		return nil
	}
	if flags.text != "" {
		return extractOnce(ctx, a.svc, flags.text, flags.ics)
	}
	return serve(ctx, conf, a)
}

func build(conf *config.Config, m *metrics.Metrics) (*app, error) {
	loc, err := conf.Location()
	if err != nil {
		return nil, err
	}
	l, err := locale.Parse(conf.Locale)
	if err != nil {
		return nil, errors.Wrap(err, "locale")
	}
	merge, err := ner.ParseMergePolicy(conf.ConfidenceMerge)
	if err != nil {
		return nil, errors.Wrap(err, "confidence merge")
	}

	p := pipeline.New(pipeline.Options{
		Locale:      l,
		Location:    loc,
		Threshold:   conf.ConfidenceThreshold,
		Merge:       merge,
		Occurrences: conf.OccurrenceCount,
	})

	a := &app{metrics: m}
	opts := service.Options{Locale: l, Workers: conf.BatchWorkers}

	if conf.Redis.Addr != "" {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        []string{conf.Redis.Addr},
			Password:     conf.Redis.Password,
			DB:           conf.Redis.DB,
			PoolSize:     conf.Redis.PoolSize,
			DialTimeout:  conf.Redis.Timeout,
			ReadTimeout:  conf.Redis.Timeout,
			WriteTimeout: conf.Redis.Timeout,
		})
		if conf.Cache.Enabled {
			a.cache = cache.New(a.redis, cache.Options{
				Version:  conf.Cache.Version,
				TTL:      conf.Cache.TTL,
				Timeout:  conf.Redis.Timeout,
				Location: loc,
				Metrics:  m,
			})
			opts.Cache = a.cache
		}
		if conf.RateLimit.Enabled {
			a.limiter = ratelimit.New(a.redis, ratelimit.Options{
				RequestsPerWindow: conf.RateLimit.RequestsPerMinute,
				BurstFactor:       conf.RateLimit.BurstFactor,
				Window:            conf.RateLimit.Window,
				Timeout:           conf.Redis.Timeout,
				Metrics:           m,
			})
		}
	}

	a.svc = service.New(newLabeler(conf), p, opts)
	return a, nil
}

func newLabeler(conf *config.Config) labeler.Labeler {
	if conf.Labeler.URL != "" {
		return labeler.NewHTTP(conf.Labeler.URL, conf.Locale, conf.Labeler.Timeout)
	}
	static := labeler.NewStatic()
	for _, ph := range conf.Labeler.Phrases {
		static.Add(ph.Text, ph.Type, ph.Confidence)
	}
	appLog.Warn("no labeler url configured; using static phrases", "phrases", len(conf.Labeler.Phrases))
	return static
}

func extractOnce(ctx context.Context, svc *service.Service, text string, asICS bool) error {
	res, err := svc.Extract(ctx, text)
	if err != nil {
		return err
	}
	if asICS {
		body, _ := ics.Export(res.Entities, ics.ExportOptions{})
		_, err = fmt.Fprint(os.Stdout, body)
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Entities       []model.EntityDTO `json:"entities"`
		ProcessingTime float64           `json:"processing_time"`
		Cached         bool              `json:"cached"`
	}{model.ToDTOs(res.Entities), res.ProcessingTime.Seconds(), res.Cached})
}

func serve(ctx context.Context, conf *config.Config, a *app) error {
	var pinger monitor.Pinger
	if a.redis != nil {
		pinger = monitor.PingFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}
	mon, err := monitor.New(pinger, conf.Monitor.Schedule, a.metrics)
	if err != nil {
		return err
	}

	webOpts := web.Options{BasicAuth: conf.BasicAuth, Health: mon, Metrics: a.metrics}
	rpcOpts := rpc.Options{Metrics: a.metrics}
	if a.limiter != nil {
		webOpts.Limiter = a.limiter
		rpcOpts.Limiter = a.limiter
	}

	var grpcSrv *rpc.Server
	if conf.GRPCListen != "" {
		grpcSrv = rpc.NewServer(a.svc, rpcOpts)
		mon.OnChange(func(st monitor.Status) {
			grpcSrv.SetStoreUp(st.Store == monitor.StoreUp)
		})
	}

	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer mon.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return web.NewServer(a.svc, webOpts).Serve(gctx, conf.Listen)
	})
	if grpcSrv != nil {
		g.Go(func() error {
			return grpcSrv.Serve(gctx, conf.GRPCListen)
		})
	}

	err = g.Wait()
	appLog.Info("nerd exiting")
	return err
}
