package main

import (
	"os"
	"path/filepath"

	"github.com/hidaemon/hid/internal/config"
)

// defaultDir returns the daemon's default working directory: the user's
// config directory plus "hi" (spec §6.4 "default: user config directory
// /hi"). A daemon directory holds the config file, the identity key, and
// the socket itself.
func defaultDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "hi")
}

func configPath(dir string) string {
	return filepath.Join(dir, "hid.json")
}

func socketPath(dir string, cfg config.Config) string {
	if filepath.IsAbs(cfg.Daemon.SocketDir) {
		return cfg.SocketPath()
	}
	return filepath.Join(dir, cfg.Daemon.SocketDir, cfg.Daemon.SocketName)
}

func identityKeyPath(dir string, cfg config.Config) string {
	if filepath.IsAbs(cfg.Identity.KeyFile) {
		return cfg.Identity.KeyFile
	}
	return filepath.Join(dir, cfg.Identity.KeyFile)
}
