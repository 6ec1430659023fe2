// Command hid is the daemon's entry point: it parses the daemon|get|set|
// chat|files subcommands, loads or creates the JSON config in the chosen
// directory, and wires internal/overlay, internal/router,
// internal/directory, internal/transfer, and internal/ipc together.
// Everything below this package is a thin client of that wiring — the
// router doesn't know cobra exists.
package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
)

var log = logging.Logger("hid")

var dirFlag string

var rootCmd = &cobra.Command{
	Use:   "hid",
	Short: "hid - a local-network peer messaging daemon",
	Long: `hid runs a small daemon that discovers other hid peers on the local
network, routes messages between them and any number of local IPC clients,
and hosts an example chunked file-transfer service on top of that routing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", defaultDir(),
		"daemon directory holding the config file, identity key, and socket")
}

func main() {
	logging.SetLogLevel("*", "info")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hid: %v\n", err)
		os.Exit(1)
	}
}
