// Package main: watcher service.
//
// The watcher follows the intent hashes requested through the message broker until they are committed, and publishes
// the outcome of each. Watches are persisted so they resume after a restart.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tarancss/dapp/lib/config"
	"github.com/tarancss/dapp/lib/gateway"
	"github.com/tarancss/dapp/lib/logging"
	"github.com/tarancss/dapp/lib/msg/broker"
	"github.com/tarancss/dapp/lib/poller"
	"github.com/tarancss/dapp/lib/store/db"
	"github.com/tarancss/dapp/watcher"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from a json or yaml file")
	monitor := flag.Bool("m", false, "flag to serve Prometheus metrics at http://localhost:<metricsPort>/metrics")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(conf.Production, conf.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if conf.MbType == broker.MEMORY {
		logger.Fatal("the watcher service needs a shared message broker, use mbtype amqp or run the dapp service")
	}

	// connect to database
	dbConn, err := db.New(conf.DBType, conf.DBConn, logger)
	if err != nil {
		logger.Fatal("cannot connect to database", zap.Error(err))
	}

	defer func() {
		if errClose := db.Close(dbConn); errClose != nil {
			logger.Warn("closing database", zap.Error(errClose))
		}
	}()

	// load all gateways
	gws, err := gateway.Init(conf.Gw, logger)
	if err != nil {
		logger.Fatal("cannot load gateway clients", zap.Error(err))
	}
	defer gateway.End(gws)

	// load Prometheus monitor
	if *monitor {
		go func() {
			logger.Info("serving metrics API", zap.String("port", conf.MetricsPort))

			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())

			if errM := http.ListenAndServe(":"+conf.MetricsPort, h); errM != nil {
				logger.Error("metrics API", zap.Error(errM))
			}
		}()
	}

	// load message broker
	mb, err := broker.New(conf.MbType, conf.MbConn, logger)
	if err != nil {
		logger.Fatal("cannot load message broker", zap.Error(err))
	}

	defer func() {
		if errClose := mb.Close(); errClose != nil {
			logger.Warn("closing message broker", zap.Error(errClose))
		}
	}()

	p := poller.New(conf.Poll, poller.WithLogger(logger.With(zap.String("module", "poller"))),
		poller.WithMetrics(poller.NewMetrics(prometheus.DefaultRegisterer)))

	// create watcher service
	w := watcher.New(dbConn, mb, gws, p, conf.MaxWatches, logger)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		logger.Info("program killed")
		// cancel polls in flight, watches are kept for the next start
		w.Stop()
	}()

	// launch watcher (for each network) and wait for all of them to return
	logger.Info("watch: " + <-w.Watch())
}
