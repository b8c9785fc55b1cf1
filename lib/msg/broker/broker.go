// Package broker implements the opening of message broker connections by type.
package broker

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/dapp/lib/msg"
	"github.com/tarancss/dapp/lib/msg/amqp"
	"github.com/tarancss/dapp/lib/msg/memory"
)

// Message broker types.
const (
	AMQP   string = "amqp"
	MEMORY string = "memory"
)

// retryAfter is the time given to an AMQP broker starting alongside the service before connecting again.
var retryAfter = 10 * time.Second

// New returns a message broker of type mbType with its exchanges set up. The in-process memory broker only connects
// services running in the same binary.
func New(mbType, conn string, logger *zap.Logger) (msg.MsgBroker, error) {
	var (
		mb  msg.MsgBroker
		err error
	)

	switch mbType {
	case AMQP:
		var a *amqp.Amqp
		if a, err = amqp.New(conn, logger); err != nil {
			logger.Warn("message broker not ready, retrying", zap.Duration("after", retryAfter), zap.Error(err))
			time.Sleep(retryAfter)

			if a, err = amqp.New(conn, logger); err != nil {
				return nil, err
			}
		}

		mb = a
	case MEMORY:
		mb = memory.New()
	default:
		return nil, fmt.Errorf("unknown message broker type %q", mbType)
	}

	if err = mb.Setup(); err != nil {
		_ = mb.Close()

		return nil, fmt.Errorf("setting up message broker: %w", err)
	}

	return mb, nil
}
