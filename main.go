package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgelb/edgelb/admin"
	"github.com/edgelb/edgelb/cache"
	"github.com/edgelb/edgelb/config"
	"github.com/edgelb/edgelb/connpool"
	"github.com/edgelb/edgelb/healthmonitor"
	"github.com/edgelb/edgelb/loadbalancer"
	"github.com/edgelb/edgelb/logger"
	"github.com/edgelb/edgelb/metrics"
	"github.com/edgelb/edgelb/rule"
	"github.com/edgelb/edgelb/target"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Str("config", cfg.String()).Msg("edgelb starting")

	groups, err := target.BuildGroups(cfg.TargetGroups)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build target groups")
	}

	dataPlanePools, err := connpool.BuildFromTargetGroups(groups, cfg.ConnectionPoolSize, cfg.ConnectionTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build connection pools")
	}
	defer dataPlanePools.Close()

	met := metrics.New()

	probePools := dataPlanePools.CreateHealthCheckPools()
	monitor := healthmonitor.New(probePools, dataPlanePools, cfg.TargetGroups, log, met)

	var respCache *cache.Cache
	if cfg.CacheEnabled {
		respCache = cache.New(cfg.CacheTTL)
		defer respCache.Close()
	}

	rules := rule.BuildAll(cfg.ListenerRules)
	lb, err := loadbalancer.New(rules, dataPlanePools, cfg.ConnectionTimeout, respCache, log, met)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build load balancer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if monitor != nil {
		go monitor.Run(ctx)
	} else {
		log.Info().Msg("no target group has health checking enabled")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenerPort))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind listener")
	}

	adminRouter := admin.NewRouter(log, met, mergeGroupPools(dataPlanePools, cfg.TargetGroups), respCache)
	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: adminRouter}

	go func() {
		log.Info().Str("addr", cfg.AdminAddr).Msg("admin server listening")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server failed")
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.ListenerPort).Msg("data plane listening")
		serveErr <- lb.Serve(ctx, ln)
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	select {
	case <-done:
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("data plane stopped unexpectedly")
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer shutdownCancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server graceful shutdown failed")
	}

	log.Info().Msg("edgelb stopped")
}

// mergeGroupPools resolves the subset of target groups present in cfg
// into their live GroupPools, for the admin debug surface.
func mergeGroupPools(pools *connpool.TargetGroupsConnectionPools, cfg map[string]config.TargetGroup) map[string]*connpool.GroupPools {
	out := make(map[string]*connpool.GroupPools, len(cfg))
	for name := range cfg {
		if gp := pools.GetPoolForGroup(name); gp != nil {
			out[name] = gp
		}
	}
	return out
}
