package transfer

// Commands posted to Manager.cmdCh. Handled exclusively inside run(); no
// other goroutine touches Manager.transfers directly.

type cmdDownload struct {
	peerID string
	name   string
	resp   chan downloadResult
}

type downloadResult struct {
	id   uint32
	err  error
	done chan Snapshot
}

type cmdCancel struct {
	id   uint32
	resp chan error
}

type cmdStats struct {
	resp chan []Snapshot
}

// cmdTimeout is posted by a transfer's idle timer, never by a caller.
type cmdTimeout struct {
	id uint32
}
