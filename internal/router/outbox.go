package router

import (
	"sync"

	"github.com/hidaemon/hid/internal/wire"
)

// outbox is an unbounded FIFO queue of wire.Message, one per registered
// client connection. Spec §5 requires internal channels to never drop a
// message under backpressure ("a slow client exerts back-pressure only
// through TCP flow control... No dropping is performed by the router"), so
// a plain buffered channel isn't enough — this grows a queue in its own
// goroutine instead, generalizing the teacher's group.memberConn.sendCh
// drain-goroutine pattern from a fixed 64-deep buffer to an unbounded one.
type outbox struct {
	in   chan wire.Message
	out  chan wire.Message
	stop chan struct{}
	once sync.Once
}

func newOutbox() *outbox {
	o := &outbox{
		in:   make(chan wire.Message),
		out:  make(chan wire.Message),
		stop: make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *outbox) run() {
	defer close(o.out)
	var queue []wire.Message
	for {
		if len(queue) == 0 {
			select {
			case m := <-o.in:
				queue = append(queue, m)
			case <-o.stop:
				return
			}
			continue
		}
		select {
		case m := <-o.in:
			queue = append(queue, m)
		case o.out <- queue[0]:
			queue = queue[1:]
		case <-o.stop:
			return
		}
	}
}

// enqueue appends m to the queue. It never blocks on a slow reader beyond
// handing the value to the run goroutine.
func (o *outbox) enqueue(m wire.Message) {
	select {
	case o.in <- m:
	case <-o.stop:
	}
}

// messages returns the channel the owning connection goroutine drains.
func (o *outbox) messages() <-chan wire.Message { return o.out }

// close stops the run goroutine and closes the output channel. Safe to
// call more than once.
func (o *outbox) close() {
	o.once.Do(func() { close(o.stop) })
}
