package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/dig"

	dig_container "github.com/trezcool/masomo/apps/api/di/dig"
	echoapi "github.com/trezcool/masomo/apps/api/echo"
	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/user"
	logsvc "github.com/trezcool/masomo/services/logger"
	"github.com/trezcool/masomo/services/realtime"
)

type app struct {
	dig.In
	Conf       *core.Config
	Logger     core.Logger
	Validate   *validator.Validate
	Translator ut.Translator
	Registry   *prometheus.Registry
	Broker     realtime.Broker
	Server     *echoapi.Server
	Closers    []dig_container.Closer `group:"closers"`
}

func main() {
	inMemory := flag.Bool("inmem", false, "keep all data in memory instead of postgres")
	visualize := flag.Bool("graph", false, "print the dependency graph (DOT) on startup")
	flag.Parse()

	c := dig_container.New(dig_container.Options{InMemory: *inMemory, Visualize: *visualize})
	must(c.Invoke(run))
}

func run(a app) {
	conf, logger := a.Conf, a.Logger

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))

	core.InitValidators(a.Validate, a.Translator)
	user.InitValidators(a.Validate, a.Translator)

	defer func() {
		for i := len(a.Closers) - 1; i >= 0; i-- {
			if err := a.Closers[i](); err != nil {
				logger.Error(fmt.Sprintf("releasing resources: %v", err), err)
			}
		}
		logger.Info("Application stopped")
		if rl, ok := logger.(*logsvc.RollbarLogger); ok {
			rl.Wait()
		}
	}()

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.
	// /metrics - Prometheus metrics of the live feed, the Go runtime and the process.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	http.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start Live Feed

	ctx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()

	feedErrors := make(chan error, 1)
	go func() {
		feedErrors <- a.Broker.Run(ctx)
	}()

	// =========================================================================
	// Start API Service

	go func() {
		logger.Info(fmt.Sprintf("API listening on %s", conf.Addr()))
		a.Server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-a.Server.Errors():
		logger.Error(fmt.Sprintf("server error: %v", err), err)

	case err := <-feedErrors:
		logger.Error(fmt.Sprintf("live feed stopped: %v", err), err)
		if err = a.Server.Close(); err != nil {
			logger.Error(fmt.Sprintf("could not stop server: %v", err), err)
		}

	case sig := <-a.Server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// end live subscriptions first: their handlers would hold Shutdown until the deadline
		stopFeed()
		select {
		case err := <-feedErrors:
			if err != nil {
				logger.Error(fmt.Sprintf("closing live feed: %v", err), err)
			}
		case <-ctx.Done():
		}

		// asking listener to shut down and shed load
		if err := a.Server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = a.Server.Close(); err != nil {
				logger.Error(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
