package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tarancss/dapp/lib/manifest"
)

func newManifestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest [kind] [key=value ...]",
		Short: "Render a transaction manifest, or list the kinds available",
		Example: `  dappctl manifest
  dappctl manifest swap account=account_tdx_2_1... component=component_tdx_2_1... resource=resource_tdx_2_1... amount=10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				for _, k := range manifest.Kinds() {
					fmt.Fprintf(out, "%s: %s\n", infoColor.Sprint(k), strings.Join(manifest.Required(k), ", "))
				}

				return nil
			}

			v := manifest.Values{}

			for _, a := range args[1:] {
				key, val, ok := strings.Cut(a, "=")
				if !ok || key == "" {
					return fmt.Errorf("%w: %q, use key=value", manifest.ErrBadValue, a)
				}

				v[key] = val
			}

			m, err := manifest.Render(manifest.Kind(args[0]), v)
			if err != nil {
				return err
			}

			fmt.Fprint(out, m)

			return nil
		},
	}
}
