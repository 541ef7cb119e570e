package transport

import "sync"

// stateNotifier fans connection transitions out to the States() channel.
// Repeated notifications with the same connected value are suppressed, and
// when the consumer lags the oldest pending transition is dropped so the
// latest one always lands.
type stateNotifier struct {
	mu        sync.Mutex
	ch        chan StateChange
	notified  bool
	lastValue bool
}

func newStateNotifier() *stateNotifier {
	return &stateNotifier{ch: make(chan StateChange, 16)}
}

func (n *stateNotifier) notify(connected bool, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.notified && n.lastValue == connected {
		return
	}
	n.notified = true
	n.lastValue = connected

	change := StateChange{Connected: connected, Err: err}
	for {
		select {
		case n.ch <- change:
			return
		default:
			select {
			case <-n.ch:
			default:
			}
		}
	}
}
