package dapp

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const timeout = 15

// writeTimeout leaves room for a request waiting on commitment up to maxWait.
const writeTimeout = maxWait + timeout*time.Second

// Router returns the RESTful API of the service.
func (d *Dapp) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", d.homeHandler)
	r.HandleFunc("/networks", d.networksHandler).Methods(http.MethodGet)
	r.HandleFunc("/session", d.newSessionHandler).Methods(http.MethodPost)
	r.HandleFunc("/session/{id}", d.sessionHandler).Methods(http.MethodGet, http.MethodDelete)
	r.HandleFunc("/session/{id}/address/{name}", d.sessionAddrHandler).Methods(http.MethodPut)
	r.HandleFunc("/manifest", d.kindsHandler).Methods(http.MethodGet)
	r.HandleFunc("/manifest/{kind}", d.manifestHandler).Methods(http.MethodPost)
	r.HandleFunc("/submit", d.submitHandler).Methods(http.MethodPost)
	r.HandleFunc("/tx/{hash}", d.txHandler).Methods(http.MethodGet)
	r.HandleFunc("/tx/{hash}/status", d.txStatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/watch/{hash}", d.watchHandler).Methods(http.MethodPost, http.MethodDelete)
	r.HandleFunc("/watch", d.getWatchesHandler).Methods(http.MethodGet)
	r.HandleFunc("/entity/{address}", d.entityHandler).Methods(http.MethodGet)
	r.HandleFunc("/signer", d.signerHandler).Methods(http.MethodGet)
	r.HandleFunc("/events", d.eventsHandler).Methods(http.MethodGet)

	return r
}

// Init sets up and starts the http/https server to service the RESTful API for a dapp service. If sslPort, sslCert
// and sslKey are informed, it will start an https (TLS) server on the specified endpoint. It returns when Stop is
// called.
func (d *Dapp) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	errs := make(chan error, 2)
	r := d.Router()

	// start http server
	if port != "" {
		d.s = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + port,
			WriteTimeout: writeTimeout,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			if err := d.s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("http server", zap.Error(err))
				errs <- err
			}
		}()

		d.log.Info("listening to API http requests", zap.String("endpoint", endpoint), zap.String("port", port))
	}
	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		d.ss = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + sslPort,
			WriteTimeout: writeTimeout,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			if err := d.ss.ListenAndServeTLS(sslCert, sslKey); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("https server", zap.Error(err))
				errs <- err
			}
		}()

		d.log.Info("listening to API https requests", zap.String("endpoint", endpoint), zap.String("port", sslPort))
	}
	// wait for servers to be shutdown
	select {
	case <-d.sc:
		return "shutdown http servers"
	case err := <-errs:
		return fmt.Sprintf("http server failed: %v", err)
	}
}
