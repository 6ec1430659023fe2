package main

import (
	crand "crypto/rand"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hidaemon/hid/internal/config"
	"github.com/hidaemon/hid/internal/ipc"
	"github.com/hidaemon/hid/internal/transfer"
	"github.com/hidaemon/hid/internal/wire"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "transfer files through a running daemon",
}

var filesGetCmd = &cobra.Command{
	Use:   "get <peer> <name> <out>",
	Short: "download a file a peer is sharing",
	Args:  cobra.ExactArgs(3),
	RunE:  runFilesGet,
}

var filesShareCmd = &cobra.Command{
	Use:   "share <name> <path>",
	Short: "explain how to offer a file for download",
	Args:  cobra.ExactArgs(2),
	RunE:  runFilesShare,
}

func init() {
	filesCmd.AddCommand(filesGetCmd, filesShareCmd)
	rootCmd.AddCommand(filesCmd)
}

// runFilesGet drives a single download the same way internal/transfer's
// own Manager would, but as an ordinary external IPC client: it picks its
// own transfer id, speaks Open/Chunk/Ack/Cancel/Error directly over the
// running daemon's socket, and never touches that daemon's in-process
// Manager. The two never collide over transfer ids because each tracks
// only the ids it allocated itself; an unrecognized id arriving at the
// resident Manager is silently ignored.
func runFilesGet(cmd *cobra.Command, args []string) error {
	peer, name, outPath := args[0], args[1], args[2]

	cfg, err := config.Load(configPath(dirFlag))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	serviceID := wire.ServiceID(cfg.Services.TransferServiceID)
	chunkLen := cfg.Daemon.TransferChunkLen
	idleTimeout := cfg.TransferIdleTimeout()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := ipc.Dial(ctx, socketPath(dirFlag, cfg), []wire.ServiceID{serviceID})
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer c.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	defer out.Close()

	id := randomTransferID()
	if err := c.SendMessage(wire.MessageEnvelope{
		ToPeer: peer, ToClient: wire.ClientBroadcast, Service: serviceID,
		Content: transfer.EncodeOpen(id, name),
	}); err != nil {
		return fmt.Errorf("open %s from %s: %w", name, peer, err)
	}

	received := 0
	for {
		timer := time.NewTimer(idleTimeout)
		select {
		case msg, ok := <-c.Notifications():
			timer.Stop()
			if !ok {
				return fmt.Errorf("daemon connection closed mid-transfer")
			}
			if msg.Kind() != wire.MessageEnv {
				continue
			}
			env := msg.Envelope()
			if env.Service != serviceID || env.FromPeer != peer {
				continue
			}
			pm, err := transfer.DecodeProtocol(env.Content)
			if err != nil || pm.TransferID() != id {
				continue
			}
			switch pm.Kind() {
			case transfer.KindChunk:
				chunk := pm.Chunk()
				if _, err := out.Write(chunk.Data); err != nil {
					return fmt.Errorf("write %s: %w", outPath, err)
				}
				received += len(chunk.Data)
				if err := c.SendMessage(wire.MessageEnvelope{
					ToPeer: peer, ToClient: wire.ClientBroadcast, Service: serviceID,
					Content: transfer.EncodeAck(id),
				}); err != nil {
					return fmt.Errorf("ack chunk: %w", err)
				}
				if len(chunk.Data) < chunkLen {
					fmt.Printf("downloaded %d bytes to %s\n", received, outPath)
					return nil
				}
			case transfer.KindError:
				return fmt.Errorf("transfer failed: %s", pm.Error().Message)
			case transfer.KindCancel:
				return fmt.Errorf("peer canceled the transfer")
			}
		case <-timer.C:
			_ = c.SendMessage(wire.MessageEnvelope{
				ToPeer: peer, ToClient: wire.ClientBroadcast, Service: serviceID,
				Content: transfer.EncodeCancel(id),
			})
			return fmt.Errorf("transfer timed out waiting for %s", peer)
		}
	}
}

func runFilesShare(cmd *cobra.Command, args []string) error {
	name, path := args[0], args[1]
	fmt.Printf("files share does not run standalone: a shared file is only reachable under the\n")
	fmt.Printf("overlay identity of the daemon that offers it. Start (or restart) the daemon with:\n\n")
	fmt.Printf("    hid daemon --share %s:%s\n", name, path)
	return nil
}

func randomTransferID() uint32 {
	var b [4]byte
	if _, err := crand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	id := binary.LittleEndian.Uint32(b[:])
	if id == 0 {
		id = 1
	}
	return id
}
