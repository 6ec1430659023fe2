package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hidaemon/hid/internal/config"
	"github.com/hidaemon/hid/internal/ipc"
	"github.com/hidaemon/hid/internal/util"
	"github.com/hidaemon/hid/internal/wire"
)

var getCmd = &cobra.Command{
	Use:   "get <name|peers>",
	Short: "query a running daemon over its socket",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(dirFlag))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()

	c, err := ipc.Dial(ctx, socketPath(dirFlag, cfg), nil)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer c.Close()

	var query wire.GetSet
	switch args[0] {
	case "name":
		query = wire.GetSetNameValue("")
	case "peers":
		query = wire.GetSetPeersValue(nil)
	default:
		return fmt.Errorf("unknown get option %q (want name or peers)", args[0])
	}

	reply, err := c.Get(ctx, query)
	if err != nil {
		return err
	}
	printGetSet(reply)
	return nil
}

// printGetSet renders a GetSet reply from either a Get or a Set call.
// Set replies are always Ok or Error; Get replies carry the queried value.
func printGetSet(reply wire.GetSet) {
	switch reply.Kind() {
	case wire.GetSetOk:
		fmt.Println("ok")
	case wire.GetSetError:
		fmt.Println("error:", reply.ErrorMessage())
	case wire.GetSetName:
		fmt.Println(reply.Name())
	case wire.GetSetPeers:
		for _, p := range reply.Peers() {
			fmt.Printf("%s\t%s\tservices_tag=%d\n", p.PeerID, p.Name, p.ServicesTag)
		}
	default:
		fmt.Printf("unexpected reply kind %v\n", reply.Kind())
	}
}
