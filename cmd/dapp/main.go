// Package main: dapp service.
//
// The dapp service shares its database with the watcher service: receipts stored by either are served by GET /tx.
// With the memory message broker (mbtype "memory") the watcher runs in this same process, as the in-process broker
// cannot reach another binary.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tarancss/dapp/dapp"
	"github.com/tarancss/dapp/lib/config"
	"github.com/tarancss/dapp/lib/gateway"
	"github.com/tarancss/dapp/lib/logging"
	"github.com/tarancss/dapp/lib/msg/broker"
	"github.com/tarancss/dapp/lib/poller"
	"github.com/tarancss/dapp/lib/store/db"
	"github.com/tarancss/dapp/watcher"
	"github.com/tarancss/hd"
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

	logger.Info("configuration", zap.String("dbtype", conf.DBType), zap.String("mbtype", conf.MbType),
		zap.String("port", conf.Port), zap.Int("gateways", len(conf.Gw)))

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

	logger.Info("gateway clients loaded")

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

	// load HD signer keys
	seed, err := hex.DecodeString(conf.Seed)
	if err != nil {
		logger.Fatal("invalid hdseed", zap.Error(err))
	}

	hdw, err := hd.Init(seed)
	if err != nil {
		logger.Fatal("cannot initialise HD wallet", zap.Error(err))
	}

	p := poller.New(conf.Poll, poller.WithLogger(logger.With(zap.String("module", "poller"))),
		poller.WithMetrics(poller.NewMetrics(prometheus.DefaultRegisterer)))

	// create dapp service, and the watcher when both share the process
	d := dapp.New(dbConn, mb, gws, p, hdw, logger)

	var w *watcher.Watcher

	watched := make(chan string, 1)

	if conf.MbType == broker.MEMORY {
		w = watcher.New(dbConn, mb, gws, p, conf.MaxWatches, logger)
		watched = w.Watch()
	} else {
		watched <- "no watcher in process"
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan struct{})

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		logger.Info("program killed")
		// do last actions and wait for all write operations to end
		if w != nil {
			w.Stop()
		}

		d.Stop()
		close(finish)
	}()

	// manage watcher events
	if err := d.ManageEvents(); err != nil {
		logger.Error("cannot set up broker readers for events", zap.Error(err))
	}

	// init RESTful API, wait for its return and log response
	logger.Info(fmt.Sprintf("dapp: %s", d.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert,
		conf.SSLKey)))

	<-finish
	logger.Info(fmt.Sprintf("watcher: %s", <-watched))
}
