package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hidaemon/hid/internal/config"
)

func TestApplyConfigSetKnownKeys(t *testing.T) {
	cfg := config.Default()

	require.NoError(t, applyConfigSet(&cfg, "profile.label:lab-rig"))
	require.Equal(t, "lab-rig", cfg.Profile.Label)

	require.NoError(t, applyConfigSet(&cfg, "p2p.listen_port:4001"))
	require.Equal(t, 4001, cfg.P2P.ListenPort)

	require.NoError(t, applyConfigSet(&cfg, "services.transfer_service_id:9"))
	require.EqualValues(t, 9, cfg.Services.TransferServiceID)

	require.NoError(t, applyConfigSet(&cfg, "daemon.socket_name:custom.sock"))
	require.Equal(t, "custom.sock", cfg.Daemon.SocketName)
}

func TestApplyConfigSetUnknownKey(t *testing.T) {
	cfg := config.Default()
	err := applyConfigSet(&cfg, "nope.nope:1")
	require.Error(t, err)
}

func TestApplyConfigSetMalformed(t *testing.T) {
	cfg := config.Default()
	err := applyConfigSet(&cfg, "no-colon-here")
	require.Error(t, err)
}

func TestApplyConfigSetBadInt(t *testing.T) {
	cfg := config.Default()
	err := applyConfigSet(&cfg, "p2p.listen_port:not-a-number")
	require.Error(t, err)
}

func TestLoadShares(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gift.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	shares, err := loadShares([]string{"gift:" + path})
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), shares["gift"])
}

func TestLoadSharesMalformed(t *testing.T) {
	_, err := loadShares([]string{"missing-colon"})
	require.Error(t, err)
}

func TestLoadSharesMissingFile(t *testing.T) {
	_, err := loadShares([]string{"gift:/does/not/exist"})
	require.Error(t, err)
}

func TestSocketPathRelative(t *testing.T) {
	cfg := config.Default()
	got := socketPath("/home/me/.hi", cfg)
	require.Equal(t, filepath.Join("/home/me/.hi", cfg.Daemon.SocketDir, cfg.Daemon.SocketName), got)
}

func TestSocketPathAbsoluteSocketDir(t *testing.T) {
	cfg := config.Default()
	cfg.Daemon.SocketDir = "/run/hid"
	got := socketPath("/home/me/.hi", cfg)
	require.Equal(t, cfg.SocketPath(), got)
}

func TestIdentityKeyPathRelative(t *testing.T) {
	cfg := config.Default()
	got := identityKeyPath("/home/me/.hi", cfg)
	require.Equal(t, filepath.Join("/home/me/.hi", cfg.Identity.KeyFile), got)
}

func TestIdentityKeyPathAbsolute(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.KeyFile = "/etc/hid/identity.key"
	got := identityKeyPath("/home/me/.hi", cfg)
	require.Equal(t, "/etc/hid/identity.key", got)
}
