// Package ipc is the thin socket library shared by the daemon and the
// CLI (spec §4.2, §6.5): daemon-side accept loop handing each connection
// to router.ServeConn, and a client-side Dial that speaks the same
// Register/Get/Set/Envelope/Event frame protocol for cmd/hid's CLI verbs.
// New code, grounded on the teacher's accept-and-hand-off shape in
// internal/rendezvous.Server.Start (net.Listener, one goroutine per
// connection, listener closed on context cancellation).
package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"

	"github.com/hidaemon/hid/internal/router"
)

var log = logging.Logger("ipc")

// Listen opens the Unix-domain socket at path, removing and recreating
// it per spec §6.5 ("daemon deletes any stale socket file at startup").
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return net.Listen("unix", path)
}

// Serve accepts connections on ln until ctx is cancelled, handing each one
// to r.ServeConn in its own goroutine. It returns once the listener is
// closed, either by ctx cancellation or an unrecoverable Accept error.
func Serve(ctx context.Context, ln net.Listener, r *router.Router) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Errorw("ipc: accept failed", "err", err)
				return
			}
		}
		go r.ServeConn(ctx, conn)
	}
}
