// Package gateway defines the interface required for all ledger gateway connections.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tarancss/dapp/lib/config"
	"github.com/tarancss/dapp/lib/gateway/babylon"
	"github.com/tarancss/dapp/lib/gateway/types"
	"github.com/tarancss/dapp/lib/poller"
)

// Gateway is an interface that contains the required methods to follow a transaction from submission to commitment
// and to read the state it produced.
type Gateway interface {
	// member-type methods
	NetworkID() uint8
	// methods
	Close()
	Status(ctx context.Context, intentHash string) (types.TxStatus, error)
	CommittedDetails(ctx context.Context, intentHash string) (types.Receipt, error)
	Submit(ctx context.Context, notarizedHex string) (types.SubmitResult, error)
	EntityDetails(ctx context.Context, address string) (types.Entity, error)
	CurrentEpoch(ctx context.Context) (uint64, error)
	Preview(ctx context.Context, manifest string) (json.RawMessage, error)
}

// Init loads all the clients read from the config to gateways into a map.
func Init(gw []config.GatewayConfig, logger *zap.Logger) (map[string]Gateway, error) {
	m := make(map[string]Gateway, len(gw))

	for _, g := range gw {
		if g.Node == "" {
			logger.Warn("gateway has no node url, ignoring", zap.String("net", g.Name))

			continue
		}

		c, err := babylon.Init(g.Node, g.Secret, g.NetworkID, g.Legacy)
		if err != nil {
			End(m)

			return nil, err
		}

		m[g.Name] = c
	}

	return m, nil
}

// End closes gracefully all the gateway clients opened.
func End(gw map[string]Gateway) {
	for _, g := range gw {
		g.Close()
	}
}

// Committed returns the query function polled while waiting for commitment on g. Gateway not found replies are
// reported as poller.ErrNotFoundYet and transient failures as poller.ErrTransient.
func Committed(g Gateway) poller.Fetch[types.Receipt] {
	return func(ctx context.Context, intentHash string) (types.Receipt, error) {
		r, err := g.CommittedDetails(ctx, intentHash)

		switch {
		case err == nil:
			return r, nil
		case errors.Is(err, types.ErrNotFound):
			return r, fmt.Errorf("%w: %w", poller.ErrNotFoundYet, err)
		case errors.Is(err, types.ErrTransient):
			return r, fmt.Errorf("%w: %w", poller.ErrTransient, err)
		}

		return r, err
	}
}
