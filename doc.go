// Package dapp and its sub-packages implement the backend services of a ledger dApp: they build transaction
// manifests, submit notarized transactions and follow them until the gateway reports them committed.
/*
dapp provides you with two microservices and a command line client:

1) a dapp microservice (package dapp) that implements a RESTful API for dApp front ends: sessions holding the account
 and the addresses created so far, manifest rendering, transaction submission, waiting for commitment and a websocket
 stream of commit events.

2) a watcher microservice (package watcher) that follows intent hashes until they are committed, time out or fail,
 and publishes the outcome of each.

3) dappctl (cmd/dappctl), which waits for a commitment, queries intent status and renders manifests from a shell.

Architecture

The dapp and watcher services communicate via a message broker. The dapp service asks the watcher to follow an intent
hash after submitting its transaction; the watcher polls the gateway of the network with the commitment poller
(package lib/poller) and sends a commit event to the broker when it is done. The dapp service binds the addresses
created by the transaction into the session that sent it and pushes the event to its websocket clients. The message
broker is implemented as a product agnostic layer (package lib/msg): an AMQP broker for distributed deployments, or an
in-process broker when both services run in the cmd/dapp binary.

Both services use a database for persistence (package lib/store) through a product agnostic interface: watches are
kept so the watcher resumes them after a restart, and receipts and sessions are stored by the dapp service. MongoDB,
PostgreSQL and an embedded LevelDB are available.

A gateway layer (package lib/gateway) is implemented so new ledger gateways can be added. The layer provides intent
status, committed details, submission, entity state, epoch and preview. Both services connect to the gateways
indicated in the JSON or YAML config file provided at startup (see cmd/conf.json), with DAPP_ environment variables
taking precedence.

The commitment poller queries a gateway until a receipt is returned. Attempts are sequential and spaced by a constant
or exponential backoff. "Not found yet" replies are retried; any other failure ends the wait unless transient retries
are configured. A wait ends committed, timed out, cancelled by its caller or with the query failure.

The microservices can also be monitored via a Prometheus API by setting the flag "-m" at startup.

Dapp

The dapp microservice can be started running cmd/dapp/main.go. Requests that wait for a commitment (GET /tx/{hash},
POST /submit with wait) reply 504 on timeout, 408 when the client goes away and 502 when the gateway query fails.

Watcher

The watcher microservice can be started running cmd/watcher/main.go. At most maxWatches intents are polled at once per
network; further watches queue until a poll returns.
*/
package dapp
