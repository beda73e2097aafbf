package mqtt

import (
	"sync"

	"github.com/aescanero/dago-master/pkg/ports"
)

// inbox hands one topic's messages to deliver in arrival order on a
// dedicated goroutine. push never blocks the paho router.
type inbox struct {
	mu      sync.Mutex
	pending []ports.Message
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newInbox(deliver func(ports.Message)) *inbox {
	i := &inbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go i.run(deliver)
	return i
}

func (i *inbox) push(msg ports.Message) {
	i.mu.Lock()
	i.pending = append(i.pending, msg)
	i.mu.Unlock()

	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// close stops delivery; queued messages are discarded
func (i *inbox) close() {
	i.once.Do(func() { close(i.done) })
}

func (i *inbox) run(deliver func(ports.Message)) {
	for {
		select {
		case <-i.done:
			return
		case <-i.wake:
		}

		for {
			i.mu.Lock()
			batch := i.pending
			i.pending = nil
			i.mu.Unlock()
			if len(batch) == 0 {
				break
			}

			for _, msg := range batch {
				select {
				case <-i.done:
					return
				default:
				}
				deliver(msg)
			}
		}
	}
}
