// Command hubd runs one overlay hub process: it loads its PGP
// identity and configuration, opens its durable store-and-forward
// queue, listens for QUIC connections from neighboring hubs, and
// bridges a local SIP transport into the encrypted application
// channel.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		keyDir     string
	)

	root := &cobra.Command{
		Use:   "hubd",
		Short: "overlay mesh hub daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, keyDir)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a hub config file (toml/yaml/json)")
	root.PersistentFlags().StringVar(&keyDir, "key-dir", "./keys", "directory containing public.asc and private.asc")

	root.AddCommand(newKeygenCmd(&keyDir))
	return root
}
