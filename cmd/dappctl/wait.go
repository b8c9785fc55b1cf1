package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tarancss/dapp/lib/gateway"
	gw "github.com/tarancss/dapp/lib/gateway/types"
	"github.com/tarancss/dapp/lib/poller"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	infoColor = color.New(color.FgCyan)
)

func newWaitCommand(opts *rootOptions) *cobra.Command {
	var (
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "wait <intent-hash>",
		Short: "Wait until a transaction is committed and print its receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := gw.CheckIntentHash(args[0]); err != nil {
				return err
			}

			conf, g, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer g.Close()

			p := poller.New(conf.Poll, poller.WithLogger(logger)).WithTimeout(timeout)

			r, err := poller.Wait(cmd.Context(), p, args[0], gateway.Committed(g))
			if err != nil {
				printOutcome(cmd.ErrOrStderr(), args[0], err)

				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")

				return enc.Encode(r)
			}

			printReceipt(cmd.OutOrStdout(), r)

			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "give up after this long (default: poll timeout configured)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the receipt as JSON")

	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <intent-hash>",
		Short: "Print the status of a transaction intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := gw.CheckIntentHash(args[0]); err != nil {
				return err
			}

			_, g, _, err := opts.setup()
			if err != nil {
				return err
			}
			defer g.Close()

			s, err := g.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], statusColor(s).Sprint(s))

			return nil
		},
	}
}

func statusColor(s gw.TxStatus) *color.Color {
	switch s {
	case gw.StatusCommittedSuccess:
		return okColor
	case gw.StatusCommittedFailure, gw.StatusRejected:
		return failColor
	}

	return infoColor
}

func printReceipt(w io.Writer, r gw.Receipt) {
	fmt.Fprintf(w, "%s %s\n", r.IntentHash, statusColor(r.Status).Sprint(r.Status))
	fmt.Fprintf(w, "  state version %d, epoch %d\n", r.StateVersion, r.Epoch)

	for _, e := range r.ReferencedGlobalEntities {
		fmt.Fprintf(w, "  %s\n", infoColor.Sprint(e))
	}
}

func printOutcome(w io.Writer, hash string, err error) {
	outcome := "failed"

	switch {
	case errors.Is(err, poller.ErrTimeout):
		outcome = poller.OutcomeTimeout
	case errors.Is(err, poller.ErrCancelled):
		outcome = poller.OutcomeCancelled
	case errors.Is(err, poller.ErrQueryFailed):
		outcome = poller.OutcomeQueryFailed
	}

	fmt.Fprintf(w, "%s %s\n", hash, failColor.Sprint(outcome))
}
