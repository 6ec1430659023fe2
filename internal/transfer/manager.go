// Package transfer implements the example chunked file-transfer service
// (spec §4.5): a privileged built-in local client of the router, same
// shape as internal/directory, that serves shared files to requesting
// peers and drives outbound downloads through the New/WaitAck/WaitChunk/
// Done/Error state machine.
//
// It is new code. The per-counterparty state machine driven by timer and
// stream events, torn down cleanly on timeout or cancel, is grounded on
// internal/entangle.Manager's per-peer connection lifecycle; the
// transfer-id-keyed pending-response bookkeeping is grounded on
// internal/mq.Manager's ack-correlation map (there keyed by message uuid,
// here by transfer id).
package transfer

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/hidaemon/hid/internal/diag"
	"github.com/hidaemon/hid/internal/router"
	"github.com/hidaemon/hid/internal/wire"
)

var log = logging.Logger("transfer")

// Manager is the single-goroutine owner of every in-flight transfer.
// The transfers map is touched only from loop(); shares carries its own
// lock, and cmdCh is how other goroutines reach loop().
type Manager struct {
	client      *router.LocalClient
	diag        *diag.Log
	serviceID   wire.ServiceID
	chunkSize   int
	idleTimeout time.Duration
	shares      *shareTable
	rng         *rand.Rand
	now         func() time.Time

	cmdCh     chan any
	transfers map[uint32]*transferState
}

// Start registers the transfer manager as a privileged local client under
// serviceID and drives its event loop in a background goroutine until ctx
// is cancelled. chunkSize and idleTimeout should come from
// cfg.Daemon.TransferChunkLen and cfg.TransferIdleTimeout().
func Start(ctx context.Context, r *router.Router, serviceID wire.ServiceID, chunkSize int, idleTimeout time.Duration, dlog *diag.Log) (*Manager, error) {
	client := r.Connect(ctx, []wire.ServiceID{serviceID})
	if client == nil {
		return nil, fmt.Errorf("transfer: failed to register with router")
	}
	m := &Manager{
		client:      client,
		diag:        dlog,
		serviceID:   serviceID,
		chunkSize:   chunkSize,
		idleTimeout: idleTimeout,
		shares:      newShareTable(),
		rng:         newRNG(),
		now:         time.Now,
		cmdCh:       make(chan any, 16),
		transfers:   make(map[uint32]*transferState),
	}
	go m.loop(ctx)
	return m, nil
}

func newRNG() *rand.Rand {
	var seed [16]byte
	if _, err := crand.Read(seed[:]); err != nil {
		binary.LittleEndian.PutUint64(seed[:8], uint64(time.Now().UnixNano()))
	}
	s1 := binary.LittleEndian.Uint64(seed[:8])
	s2 := binary.LittleEndian.Uint64(seed[8:])
	return rand.New(rand.NewPCG(s1, s2))
}

// Share makes data available for download under name (the "files" CLI
// subcommand's share side).
func (m *Manager) Share(name string, data []byte) { m.shares.put(name, data) }

// Unshare withdraws a previously shared file.
func (m *Manager) Unshare(name string) { m.shares.remove(name) }

// Shared lists the names currently offered.
func (m *Manager) Shared() []string { return m.shares.names() }

func request[T any](ctx context.Context, m *Manager, cmd any, resp chan T) T {
	m.post(ctx, cmd)
	select {
	case v := <-resp:
		return v
	case <-ctx.Done():
		var zero T
		return zero
	}
}

func (m *Manager) post(ctx context.Context, cmd any) {
	select {
	case m.cmdCh <- cmd:
	case <-ctx.Done():
	}
}

// Download requests name from peerID and blocks until the transfer
// reaches Done or Error (spec §4.5 "download" role). Once the transfer
// has started, the returned Snapshot is its final state, even on failure;
// if no transfer id can be allocated or ctx ends first, it is the zero
// Snapshot.
func (m *Manager) Download(ctx context.Context, peerID, name string) (Snapshot, error) {
	resp := make(chan downloadResult, 1)
	result := request(ctx, m, cmdDownload{peerID: peerID, name: name, resp: resp}, resp)
	if result.err != nil {
		return Snapshot{}, result.err
	}
	select {
	case snap := <-result.done:
		if snap.State == StateError {
			return snap, fmt.Errorf("transfer: %s", snap.Err)
		}
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Cancel transitions a non-terminal transfer to Error("Canceled by
// user") within the manager's next scheduling turn and best-effort
// notifies the counterparty. Delivery of that notification is not
// required for correctness: an unreachable or unresponsive counterparty
// still converges via its own idle timeout (spec §8 scenario 6).
func (m *Manager) Cancel(ctx context.Context, id uint32) error {
	resp := make(chan error, 1)
	return request(ctx, m, cmdCancel{id: id, resp: resp}, resp)
}

// Stats returns a snapshot of every transfer the manager has seen,
// live or finished, for in-process reporting.
func (m *Manager) Stats(ctx context.Context) []Snapshot {
	resp := make(chan []Snapshot, 1)
	return request(ctx, m, cmdStats{resp: resp}, resp)
}

func (m *Manager) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.cmdCh:
			m.handle(ctx, cmd)
		case msg, ok := <-m.client.Messages():
			if !ok {
				return
			}
			if msg.Kind() == wire.MessageEnv {
				m.handleEnvelope(ctx, msg.Envelope())
			}
		}
	}
}

func (m *Manager) handle(ctx context.Context, cmd any) {
	switch c := cmd.(type) {
	case cmdDownload:
		m.handleDownload(ctx, c)
	case cmdCancel:
		m.handleCancel(c)
	case cmdStats:
		c.resp <- m.snapshotAll()
	case cmdTimeout:
		m.handleTimeout(c)
	default:
		log.Errorw("transfer: unknown command", "type", fmt.Sprintf("%T", cmd))
	}
}

func (m *Manager) freshTransferID() (uint32, error) {
	for i := 0; i < 1<<16; i++ {
		id := m.rng.Uint32()
		if id == 0 {
			continue
		}
		if _, used := m.transfers[id]; !used {
			return id, nil
		}
	}
	return 0, fmt.Errorf("transfer: could not allocate a free transfer id")
}

func (m *Manager) snapshotAll() []Snapshot {
	out := make([]Snapshot, 0, len(m.transfers))
	for _, ts := range m.transfers {
		out = append(out, ts.snapshot())
	}
	return out
}

func (m *Manager) armTimer(ctx context.Context, ts *transferState) {
	if ts.timer != nil {
		ts.timer.Stop()
	}
	id := ts.id
	ts.timer = time.AfterFunc(m.idleTimeout, func() {
		select {
		case m.cmdCh <- cmdTimeout{id: id}:
		case <-ctx.Done():
		}
	})
}

func (m *Manager) handleTimeout(c cmdTimeout) {
	ts, ok := m.transfers[c.id]
	if !ok || ts.terminal() {
		return
	}
	ts.finish(StateError, "Timeout")
}

func (m *Manager) handleCancel(c cmdCancel) {
	ts, ok := m.transfers[c.id]
	if !ok {
		c.resp <- fmt.Errorf("transfer: unknown transfer %d", c.id)
		return
	}
	if ts.terminal() {
		c.resp <- fmt.Errorf("transfer: %d is already %s", c.id, ts.state)
		return
	}
	ts.finish(StateError, "Canceled by user")
	resp := m.client.SendMessage(context.Background(), wire.MessageEnvelope{
		ToPeer: ts.peerID, ToClient: wire.ClientBroadcast, Service: m.serviceID,
		Content: EncodeCancel(c.id),
	})
	if resp.Kind() == wire.MessageError {
		log.Debugw("transfer: cancel notification failed", "peer", ts.peerID, "err", resp.ErrorMessage())
	}
	c.resp <- nil
}

// handleDownload starts a new RoleDownload transfer: allocate an id,
// send Open, and arm the state machine. The spec's "open ok" transition
// to WaitChunk happens only once the first Chunk (or an explicit
// KindError) actually arrives, since the router's own synchronous
// Ok/Error reply to a Message is a transport-level ack independent of
// whether the counterparty's transfer manager accepted the Open (spec §9
// "event-forwarding back-channel" — application semantics never ride the
// transport ack).
func (m *Manager) handleDownload(ctx context.Context, c cmdDownload) {
	id, err := m.freshTransferID()
	if err != nil {
		c.resp <- downloadResult{err: err}
		return
	}
	ts := &transferState{
		id: id, role: RoleDownload, peerID: c.peerID, name: c.name,
		state: StateNew, createdAt: m.now(), lastActive: m.now(),
		done: make(chan Snapshot, 1),
	}
	m.transfers[id] = ts

	resp := m.client.SendMessage(ctx, wire.MessageEnvelope{
		ToPeer: c.peerID, ToClient: wire.ClientBroadcast, Service: m.serviceID,
		Content: EncodeOpen(id, c.name),
	})
	if resp.Kind() != wire.MessageOk {
		ts.finish(StateError, "open")
		c.resp <- downloadResult{id: id, done: ts.done}
		return
	}
	m.armTimer(ctx, ts)
	c.resp <- downloadResult{id: id, done: ts.done}
}

func (m *Manager) handleEnvelope(ctx context.Context, env wire.MessageEnvelope) {
	if env.Service != m.serviceID {
		return
	}
	pm, err := DecodeProtocol(env.Content)
	if err != nil {
		log.Debugw("transfer: malformed payload", "peer", env.FromPeer, "err", err)
		return
	}
	switch pm.Kind() {
	case KindOpen:
		m.handleOpen(ctx, env.FromPeer, pm.Open())
	case KindChunk:
		m.handleChunk(ctx, env.FromPeer, pm.Chunk())
	case KindAck:
		m.handleAck(ctx, env.FromPeer, pm.Ack())
	case KindCancel:
		m.handleRemoteCancel(pm.Cancel())
	case KindError:
		m.handleRemoteError(pm.Error())
	}
}

// handleOpen serves an inbound request (spec §4.5 "upload" role): an
// unknown name replies Error("open"); a known one starts streaming
// immediately, since there is no separate OpenOk message — the first
// Chunk doubles as the accept signal.
func (m *Manager) handleOpen(ctx context.Context, fromPeer string, p OpenPayload) {
	data, ok := m.shares.get(p.Name)
	if !ok {
		m.sendBestEffort(ctx, fromPeer, EncodeError(p.TransferID, "open"))
		return
	}
	ts := &transferState{
		id: p.TransferID, role: RoleUpload, peerID: fromPeer, name: p.Name,
		state: StateNew, source: data, createdAt: m.now(), lastActive: m.now(),
	}
	m.transfers[p.TransferID] = ts
	m.sendNextChunk(ctx, ts)
}

func (m *Manager) sendNextChunk(ctx context.Context, ts *transferState) {
	remaining := len(ts.source) - ts.offset
	n := remaining
	if n > m.chunkSize {
		n = m.chunkSize
	}
	chunk := ts.source[ts.offset : ts.offset+n]
	ts.offset += n
	ts.lastActive = m.now()

	m.sendBestEffort(ctx, ts.peerID, EncodeChunk(ts.id, chunk))

	if n < m.chunkSize {
		ts.state = StateWaitLastAck
	} else {
		ts.state = StateWaitAck
	}
	m.armTimer(ctx, ts)
}

// handleChunk is the download role's reaction to an inbound Chunk: accept
// only from the expected counterparty, append, ack, and finish on a
// short (or empty) chunk.
func (m *Manager) handleChunk(ctx context.Context, fromPeer string, p ChunkPayload) {
	ts, ok := m.transfers[p.TransferID]
	if !ok || ts.role != RoleDownload || ts.peerID != fromPeer || ts.terminal() {
		return
	}
	ts.buf = append(ts.buf, p.Data...)
	ts.lastActive = m.now()

	m.sendBestEffort(ctx, fromPeer, EncodeAck(p.TransferID))

	if len(p.Data) < m.chunkSize {
		ts.finish(StateDone, "")
		return
	}
	ts.state = StateWaitChunk
	m.armTimer(ctx, ts)
}

// handleAck is the upload role's reaction to an inbound Ack: WaitAck
// sends the next chunk, WaitLastAck completes the transfer.
func (m *Manager) handleAck(ctx context.Context, fromPeer string, p AckPayload) {
	ts, ok := m.transfers[p.TransferID]
	if !ok || ts.role != RoleUpload || ts.peerID != fromPeer || ts.terminal() {
		return
	}
	switch ts.state {
	case StateWaitAck:
		m.sendNextChunk(ctx, ts)
	case StateWaitLastAck:
		ts.finish(StateDone, "")
	}
}

func (m *Manager) handleRemoteCancel(p CancelPayload) {
	ts, ok := m.transfers[p.TransferID]
	if !ok || ts.terminal() {
		return
	}
	ts.finish(StateError, "Canceled by peer")
}

func (m *Manager) handleRemoteError(p ErrorPayload) {
	ts, ok := m.transfers[p.TransferID]
	if !ok || ts.terminal() {
		return
	}
	ts.finish(StateError, p.Message)
}

func (m *Manager) sendBestEffort(ctx context.Context, peerID string, content []byte) {
	resp := m.client.SendMessage(ctx, wire.MessageEnvelope{
		ToPeer: peerID, ToClient: wire.ClientBroadcast, Service: m.serviceID, Content: content,
	})
	if resp.Kind() == wire.MessageError {
		log.Debugw("transfer: send failed", "peer", peerID, "err", resp.ErrorMessage())
	}
}
