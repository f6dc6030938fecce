package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStoreCodeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "storecode <host>",
		Short: "Print the store code configured for a frontend host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = gw.logger.Sync() }()

			code, ok := gw.manager.StoreCode(args[0])
			switch {
			case !ok:
				code = "<none>"
			case code == "":
				code = "<unfiltered>"
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), code)
			return err
		},
	}
}
