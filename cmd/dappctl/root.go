package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tarancss/dapp/lib/config"
	"github.com/tarancss/dapp/lib/gateway"
	"github.com/tarancss/dapp/lib/logging"
)

// rootOptions holds the global flags.
type rootOptions struct {
	config  string
	net     string
	verbose bool
	noColor bool
}

// openGateway returns the gateway client of net as configured in conf.
var openGateway = func(conf config.ServiceConfig, net string, logger *zap.Logger) (gateway.Gateway, error) {
	gc, ok := conf.Gateway(net)
	if !ok {
		return nil, fmt.Errorf("network %q is not configured", net)
	}

	gws, err := gateway.Init([]config.GatewayConfig{gc}, logger)
	if err != nil {
		return nil, err
	}

	g, ok := gws[net]
	if !ok {
		return nil, fmt.Errorf("network %q has no gateway node", net)
	}

	return g, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "dappctl",
		Short: "Follow ledger transactions from the command line",
		Long: `dappctl waits for transactions to be committed, queries intent status and renders transaction
manifests, using the gateways of a dapp configuration file and DAPP_ environment variables.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.config, "config", "c", "", "json or yaml configuration file")
	cmd.PersistentFlags().StringVarP(&opts.net, "net", "n", "stokenet", "gateway network")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log every poll attempt")
	cmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable coloured output")

	cmd.AddCommand(newWaitCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newManifestCommand())

	return cmd
}

// setup reads the configuration and opens the gateway of the selected network.
func (o *rootOptions) setup() (config.ServiceConfig, gateway.Gateway, *zap.Logger, error) {
	conf, err := config.ExtractConfiguration(o.config)
	if err != nil {
		return conf, nil, nil, err
	}

	logger := zap.NewNop()
	if o.verbose {
		if logger, err = logging.New(false, "debug"); err != nil {
			return conf, nil, nil, err
		}
	}

	g, err := openGateway(conf, o.net, logger)
	if err != nil {
		return conf, nil, nil, err
	}

	return conf, g, logger, nil
}
