package shared

import "sync"

// notifier calls the handler of a queue once per notification, one
// call at a time, from its own goroutine.
type notifier struct {
	id QueueID

	mu      sync.Mutex
	handler ReadyHandler
	pending int

	signal chan struct{}
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newNotifier(id QueueID, h ReadyHandler) *notifier {
	n := &notifier{
		id:      id,
		handler: h,
		signal:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go n.run()
	return n
}

func (n *notifier) setHandler(h ReadyHandler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

func (n *notifier) notify(count int) {
	if count <= 0 {
		return
	}

	n.mu.Lock()
	n.pending += count
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) next() (ReadyHandler, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pending == 0 {
		return nil, false
	}

	n.pending--
	return n.handler, true
}

func (n *notifier) run() {
	defer close(n.done)

	for {
		select {
		case <-n.quit:
			return
		case <-n.signal:
		}

		for {
			select {
			case <-n.quit:
				return
			default:
			}

			h, ok := n.next()
			if !ok {
				break
			}

			if h != nil {
				h.OnQueueReady(n.id)
			}
		}
	}
}

// stop waits for a running handler call to return.
func (n *notifier) stop() {
	n.once.Do(func() { close(n.quit) })
	<-n.done
}
