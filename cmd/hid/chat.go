package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hidaemon/hid/internal/config"
	"github.com/hidaemon/hid/internal/ipc"
	"github.com/hidaemon/hid/internal/wire"
)

// chatServiceID is this CLI's own application-level protocol, opaque to
// the router exactly as spec.md's intro describes ("Application-level
// clients built on top of the router ... their wire formats are opaque to
// the core; only the envelope is specified"). A chat payload is just the
// UTF-8 message text.
const chatServiceID = wire.ServiceID(3)

var chatPeer string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "send and receive plain-text messages through a running daemon",
	Long: `chat registers as a local client of the running daemon under an example
text-chat service id, prints anything the daemon routes to it, and sends
each line read from stdin to --peer's chat clients (or, if --peer is empty,
to every chat client on this daemon, the sender included).`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatPeer, "peer", "", "peer id to send to (empty delivers to this daemon's own chat clients only)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(dirFlag))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := ipc.Dial(ctx, socketPath(dirFlag, cfg), []wire.ServiceID{chatServiceID})
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer c.Close()

	go func() {
		for msg := range c.Notifications() {
			if msg.Kind() != wire.MessageEnv {
				continue
			}
			env := msg.Envelope()
			if env.Service != chatServiceID {
				continue
			}
			fmt.Printf("%s: %s\n", env.FromPeer, string(env.Content))
		}
	}()

	fmt.Println("Type a message and press Enter to send. Ctrl+D to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		err := c.SendMessage(wire.MessageEnvelope{
			ToPeer:   chatPeer,
			ToClient: wire.ClientBroadcast,
			Service:  chatServiceID,
			Content:  []byte(line),
		})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
	}
	return scanner.Err()
}
