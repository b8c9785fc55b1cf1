// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/tarancss/dapp/lib/msg"
	mtype "github.com/tarancss/dapp/lib/msg/types"
)

// Exchange names.
const (
	ExchangeRequests = "wr" // watch requests
	ExchangeEvents   = "ce" // commit events
)

// Amqp implements a connection to a broker, a channel for publishing and the channels opened by consumers.
type Amqp struct {
	conn *amqp.Connection
	log  *zap.Logger

	mu       sync.Mutex
	ch       *amqp.Channel
	consumer []*amqp.Channel
}

var _ msg.MsgBroker = (*Amqp)(nil)

// New instantiates a new amqp broker.
func New(uri string, logger *zap.Logger) (*Amqp, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to message broker: %w", err)
	}

	r := &Amqp{conn: conn, log: logger.With(zap.String("module", "amqp"))}
	r.log.Info("connected to message broker")

	return r, nil
}

// Setup obtains an amqp channel and declares the message broker exchanges:
//
// - wr ("watch requests"): the dapp service publishes requests to this exchange
//
// - ce ("commit events"): the watcher service publishes events to this exchange
func (r *Amqp) Setup() error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	// declare exchanges
	if err = channel.ExchangeDeclare(ExchangeRequests, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return err
	}

	return channel.ExchangeDeclare(ExchangeEvents, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range append(r.consumer, r.ch) {
		if c == nil {
			continue
		}

		if err := c.Close(); err != nil {
			r.log.Warn("error closing amqp.Channel", zap.Error(err))
		}
	}

	r.ch, r.consumer = nil, nil

	return r.conn.Close()
}

// publish sends a JSON document to the exchange, obtaining the publishing channel if not present.
func (r *Amqp) publish(exchange, key string, headers amqp.Table, v interface{}) error {
	jsonDoc, err := json.Marshal(v)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return err
		}
	}

	msg := amqp.Publishing{
		Headers:      headers,
		Body:         jsonDoc,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
	}

	if err = r.ch.Publish(exchange, key, false, false, msg); err != nil {
		// the channel is unusable after an error, get a fresh one next time
		r.ch = nil

		return err
	}

	return nil
}

// SendEvent publishes a commit event to the "ce" exchange
func (r *Amqp) SendEvent(net string, e mtype.CommitEvent) error {
	err := r.publish(ExchangeEvents, net+"."+e.Outcome+"."+e.Hash, amqp.Table{"x-commit-name": net + "." + e.Hash}, e)
	if err != nil {
		r.log.Error("error sending commit event to message broker", zap.String("net", net), zap.Error(err))
	}

	return err
}

// SendRequest publishes a new watch request to the "wr" exchange
func (r *Amqp) SendRequest(net string, wr mtype.WatchReq) error {
	err := r.publish(ExchangeRequests, fmt.Sprintf("%s.%d.%s", net, wr.Act, wr.Hash),
		amqp.Table{"x-wreq-name": net + "." + wr.Hash}, wr)
	if err != nil {
		r.log.Error("error sending request to message broker", zap.String("net", net), zap.Error(err))
	}

	return err
}

// consume declares the durable queue named exchange+net, binds it to the net's routing keys and returns the
// deliveries.
func (r *Amqp) consume(exchange, net, consumer string) (<-chan amqp.Delivery, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}

	queue := exchange + net

	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()

		return nil, err
	}

	if err = ch.QueueBind(queue, net+".*.*", exchange, false, nil); err != nil {
		_ = ch.Close()

		return nil, err
	}

	msgs, err := ch.Consume(queue, consumer+"-"+net, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()

		return nil, err
	}

	r.mu.Lock()
	r.consumer = append(r.consumer, ch)
	r.mu.Unlock()

	return msgs, nil
}

// GetEvents consumes events from the "ce" exchange pushing them to the returned channel. The Mutex pointer is
// provided to ensure the consumed message has been fully dealt with by the management function, so the message
// consumed is only acknowledged when the mutex is unlocked.
func (r *Amqp) GetEvents(net string, mut *sync.Mutex) (<-chan mtype.CommitEvent, <-chan error, error) {
	msgs, err := r.consume(ExchangeEvents, net, "dapp")
	if err != nil {
		return nil, nil, err
	}

	eves := make(chan mtype.CommitEvent)
	errs := make(chan error)

	go func() {
		defer close(eves)
		defer close(errs)

		for m := range msgs {
			var e mtype.CommitEvent
			if err := json.Unmarshal(m.Body, &e); err != nil {
				_ = m.Reject(false)
				errs <- err

				continue
			}

			eves <- e
			mut.Lock() // wait for dapp to finish processing the event
			_ = m.Ack(false)
		}
	}()

	return eves, errs, nil
}

// GetReqs consumes requests from the "wr" exchange for the specified network pushing them to the returned channel.
// The Mutex pointer is provided to ensure the consumed message has been fully dealt with by the management function,
// so the message consumed is only acknowledged when the mutex is unlocked.
func (r *Amqp) GetReqs(net string, mut *sync.Mutex) (<-chan mtype.WatchReq, <-chan error, error) {
	msgs, err := r.consume(ExchangeRequests, net, "watcher")
	if err != nil {
		return nil, nil, err
	}

	reqs := make(chan mtype.WatchReq)
	errs := make(chan error)

	go func() {
		defer close(reqs)
		defer close(errs)

		for m := range msgs {
			var req mtype.WatchReq
			if err := json.Unmarshal(m.Body, &req); err != nil {
				_ = m.Reject(false)
				errs <- err

				continue
			}

			reqs <- req
			mut.Lock() // wait for watcher to finish processing the request
			_ = m.Ack(false)
		}
	}()

	return reqs, errs, nil
}
