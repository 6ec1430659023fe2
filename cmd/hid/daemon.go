package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hidaemon/hid/internal/config"
	"github.com/hidaemon/hid/internal/diag"
	"github.com/hidaemon/hid/internal/directory"
	"github.com/hidaemon/hid/internal/ipc"
	"github.com/hidaemon/hid/internal/overlay"
	"github.com/hidaemon/hid/internal/router"
	"github.com/hidaemon/hid/internal/transfer"
	"github.com/hidaemon/hid/internal/wire"
)

var (
	daemonSets   []string
	daemonShares []string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "run the hid daemon",
	Long: `daemon creates the daemon directory's config if it doesn't exist yet,
applies any --set overrides, then starts the overlay, router, service
directory, and transfer manager and serves the Unix-domain socket until
interrupted.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringArrayVar(&daemonSets, "set", nil,
		"override a config option before starting, as key:value (repeatable)")
	daemonCmd.Flags().StringArrayVar(&daemonShares, "share", nil,
		"offer a local file for download under a name, as name:path (repeatable)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dir := dirFlag
	cfgPath := configPath(dir)

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		log.Infow("wrote default config", "path", cfgPath)
	}

	for _, assignment := range daemonSets {
		if err := applyConfigSet(&cfg, assignment); err != nil {
			return fmt.Errorf("--set %q: %w", assignment, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config after --set overrides: %w", err)
	}
	if len(daemonSets) > 0 {
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("persist --set overrides: %w", err)
		}
	}

	shares, err := loadShares(daemonShares)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infow("shutting down")
		cancel()
	}()

	dlog := diag.New()

	ov, err := overlay.New(ctx, overlay.Config{
		KeyFile:         identityKeyPath(dir, cfg),
		ListenPort:      cfg.P2P.ListenPort,
		MdnsTag:         cfg.P2P.MdnsTag,
		GossipTopic:     cfg.Presence.Topic,
		Name:            cfg.Profile.Label,
		HeartbeatPeriod: cfg.HeartbeatPeriod(),
	}, dlog)
	if err != nil {
		return fmt.Errorf("start overlay: %w", err)
	}
	defer ov.Close()
	ov.Run(ctx)

	r := router.NewRouter(ov, cfg.Profile.Label, cfg.PeerTTL(), cfg.ReaperPeriod(), dlog)
	r.Run(ctx)

	// directory and transfer register as privileged local clients before the
	// socket opens, so the first real client never misses a ClientUpdate or
	// finds an empty share table.
	go directory.Run(ctx, r, dlog)

	mgr, err := transfer.Start(ctx, r, wire.ServiceID(cfg.Services.TransferServiceID),
		cfg.Daemon.TransferChunkLen, cfg.TransferIdleTimeout(), dlog)
	if err != nil {
		return fmt.Errorf("start transfer manager: %w", err)
	}
	for name, data := range shares {
		mgr.Share(name, data)
	}

	watcher, err := config.WatchFile(cfgPath, func(fresh config.Config) {
		ov.SetName(fresh.Profile.Label)
	})
	if err != nil {
		log.Warnw("config file watch disabled", "err", err)
	} else {
		defer watcher.Close()
	}

	sock := socketPath(dir, cfg)
	ln, err := ipc.Listen(sock)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	defer ln.Close()

	printBanner(dir, cfgPath, sock, ov.ID(), cfg, shares)
	ipc.Serve(ctx, ln, r)
	return nil
}

// loadShares reads every "name:path" pair up front so a malformed --share
// flag fails the daemon before it starts announcing itself, rather than
// silently shipping a smaller-than-expected set of shares.
func loadShares(specs []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(specs))
	for _, spec := range specs {
		name, path, ok := strings.Cut(spec, ":")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("--share %q: expected name:path", spec)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("--share %q: %w", spec, err)
		}
		out[name] = data
	}
	return out, nil
}

// applyConfigSet maps a dotted "section.field:value" assignment onto cfg.
// Unknown keys are a hard error: a typo in --set should never silently no-op.
func applyConfigSet(cfg *config.Config, assignment string) error {
	key, value, ok := strings.Cut(assignment, ":")
	if !ok {
		return fmt.Errorf("expected key:value")
	}
	switch key {
	case "identity.key_file":
		cfg.Identity.KeyFile = value
	case "p2p.listen_port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.ListenPort = n
	case "p2p.mdns_tag":
		cfg.P2P.MdnsTag = value
	case "presence.topic":
		cfg.Presence.Topic = value
	case "presence.peer_ttl_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Presence.PeerTTLSec = n
	case "presence.reaper_period_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Presence.ReaperPeriodSec = n
	case "presence.heartbeat_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Presence.HeartbeatSec = n
	case "daemon.socket_dir":
		cfg.Daemon.SocketDir = value
	case "daemon.socket_name":
		cfg.Daemon.SocketName = value
	case "daemon.transfer_chunk_bytes":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Daemon.TransferChunkLen = n
	case "daemon.transfer_idle_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Daemon.TransferIdleSec = n
	case "services.transfer_service_id":
		n, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return err
		}
		cfg.Services.TransferServiceID = uint16(n)
	case "profile.label":
		cfg.Profile.Label = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func printBanner(dir, cfgPath, sock, peerID string, cfg config.Config, shares map[string][]byte) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println(" hid daemon")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Printf("Directory:  %s\n", dir)
	fmt.Printf("Config:     %s\n", cfgPath)
	fmt.Printf("Socket:     %s\n", sock)
	fmt.Printf("Peer ID:    %s\n", peerID)
	if cfg.Profile.Label != "" {
		fmt.Printf("Name:       %s\n", cfg.Profile.Label)
	}
	if len(shares) > 0 {
		names := make([]string, 0, len(shares))
		for name := range shares {
			names = append(names, name)
		}
		fmt.Printf("Sharing:    %s\n", strings.Join(names, ", "))
	}
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println("────────────────────────────────────────────────────────")
}
