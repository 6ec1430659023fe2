// Package config loads, validates, and persists the daemon's JSON
// configuration file, adapted from the teacher's internal/config with the
// viewer/rendezvous/site sections replaced by the daemon socket, transfer,
// and service-directory settings this spec needs.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hidaemon/hid/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Daemon   Daemon   `json:"daemon"`
	Services Services `json:"services"`
	Profile  Profile  `json:"profile"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

// Presence controls the gossip announcement loop (spec §4.1, §6.1).
type Presence struct {
	Topic           string `json:"topic"`
	PeerTTLSec      int    `json:"peer_ttl_seconds"`
	ReaperPeriodSec int    `json:"reaper_period_seconds"`
	HeartbeatSec    int    `json:"heartbeat_seconds"`
}

// Daemon controls the local IPC surface and the privileged built-in
// clients (service directory, transfer) that run inside the daemon
// process (spec §4.2-§4.5, §6.4, §6.5).
type Daemon struct {
	SocketDir        string `json:"socket_dir"`
	SocketName       string `json:"socket_name"`
	TransferChunkLen int    `json:"transfer_chunk_bytes"`
	TransferIdleSec  int    `json:"transfer_idle_seconds"`
}

// Services holds the well-known service ids of built-in services (today
// only the file-transfer service).
type Services struct {
	// TransferServiceID is the well-known ServiceID the file-transfer
	// example service registers under.
	TransferServiceID uint16 `json:"transfer_service_id"`
}

type Profile struct {
	Label string `json:"label"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "hid-mdns",
		},
		Presence: Presence{
			Topic:           "/hello/world",
			PeerTTLSec:      30,
			ReaperPeriodSec: 5,
			HeartbeatSec:    15,
		},
		Daemon: Daemon{
			SocketDir:        "data",
			SocketName:       "hi.sock",
			TransferChunkLen: 512,
			TransferIdleSec:  30,
		},
		Services: Services{
			TransferServiceID: 2,
		},
		Profile: Profile{
			Label: "hi-daemon",
		},
	}
}

func (c *Config) PeerTTL() time.Duration      { return time.Duration(c.Presence.PeerTTLSec) * time.Second }
func (c *Config) ReaperPeriod() time.Duration { return time.Duration(c.Presence.ReaperPeriodSec) * time.Second }
func (c *Config) HeartbeatPeriod() time.Duration {
	return time.Duration(c.Presence.HeartbeatSec) * time.Second
}
func (c *Config) TransferIdleTimeout() time.Duration {
	return time.Duration(c.Daemon.TransferIdleSec) * time.Second
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.PeerTTLSec <= 0 {
		return errors.New("presence.peer_ttl_seconds must be > 0")
	}
	if c.Presence.ReaperPeriodSec <= 0 {
		return errors.New("presence.reaper_period_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.PeerTTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.peer_ttl_seconds")
	}

	if strings.TrimSpace(c.Daemon.SocketDir) == "" {
		return errors.New("daemon.socket_dir is required")
	}
	if strings.TrimSpace(c.Daemon.SocketName) == "" {
		return errors.New("daemon.socket_name is required")
	}
	if c.Daemon.TransferChunkLen <= 0 {
		return errors.New("daemon.transfer_chunk_bytes must be > 0")
	}
	if c.Daemon.TransferIdleSec <= 0 {
		return errors.New("daemon.transfer_idle_seconds must be > 0")
	}

	if c.Services.TransferServiceID == 0 {
		return errors.New("services.transfer_service_id must be non-zero")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config
// file. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// SocketPath returns the full path to the IPC socket file (spec §6.5).
func (c *Config) SocketPath() string {
	return util.ResolvePath(c.Daemon.SocketDir, c.Daemon.SocketName)
}
