package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hidaemon/hid/internal/config"
	"github.com/hidaemon/hid/internal/ipc"
	"github.com/hidaemon/hid/internal/util"
	"github.com/hidaemon/hid/internal/wire"
)

var setCmd = &cobra.Command{
	Use:   "set <name:value|connect:addr|services_tag:n>",
	Short: "mutate a running daemon's advertised identity over its socket",
	Args:  cobra.ExactArgs(1),
	RunE:  runSet,
}

func init() {
	rootCmd.AddCommand(setCmd)
}

func runSet(cmd *cobra.Command, args []string) error {
	key, value, ok := strings.Cut(args[0], ":")
	if !ok {
		return fmt.Errorf("expected key:value")
	}

	var query wire.GetSet
	switch key {
	case "name":
		query = wire.GetSetNameValue(value)
	case "connect":
		query = wire.GetSetConnectValue(value)
	case "services_tag":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		query = wire.GetSetServicesTagValue(uint32(n))
	default:
		return fmt.Errorf("unknown set option %q (want name, connect, or services_tag)", key)
	}

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

	reply, err := c.Set(ctx, query)
	if err != nil {
		return err
	}
	printGetSet(reply)
	return nil
}
