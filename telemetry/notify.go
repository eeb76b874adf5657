package telemetry

import (
	"sync"
	"time"
)

// notifier coalesces per-device change signals so that a device producing
// hundreds of frames per second generates at most one update notification
// per flush interval. Events carry only the device key, never data, so
// dropping duplicates loses nothing: consumers re-read the store on wake.
type notifier struct {
	interval time.Duration

	mu    sync.Mutex
	dirty map[DeviceKey]struct{}

	out  chan DeviceKey
	stop chan struct{}
	done chan struct{}
}

func newNotifier(interval time.Duration) *notifier {
	n := &notifier{
		interval: interval,
		dirty:    make(map[DeviceKey]struct{}),
		out:      make(chan DeviceKey, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go n.run()
	return n
}

// mark records that key changed. The key is delivered on the next flush
// tick; repeated marks within one interval collapse into a single event.
func (n *notifier) mark(key DeviceKey) {
	n.mu.Lock()
	n.dirty[key] = struct{}{}
	n.mu.Unlock()
}

func (n *notifier) updates() <-chan DeviceKey {
	return n.out
}

func (n *notifier) run() {
	defer close(n.done)
	// Closing out after the final flush lets consumers ranging over
	// updates() terminate when the store shuts down.
	defer close(n.out)
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.flush()
		case <-n.stop:
			n.flush()
			return
		}
	}
}

func (n *notifier) flush() {
	n.mu.Lock()
	if len(n.dirty) == 0 {
		n.mu.Unlock()
		return
	}
	keys := make([]DeviceKey, 0, len(n.dirty))
	for k := range n.dirty {
		keys = append(keys, k)
	}
	n.dirty = make(map[DeviceKey]struct{})
	n.mu.Unlock()

	for _, k := range keys {
		// A slow consumer must not stall ingest; the key stays dirty
		// for the next tick instead of blocking here.
		select {
		case n.out <- k:
		default:
			n.mu.Lock()
			n.dirty[k] = struct{}{}
			n.mu.Unlock()
		}
	}
}

func (n *notifier) close() {
	select {
	case <-n.stop:
	default:
		close(n.stop)
	}
	<-n.done
}
