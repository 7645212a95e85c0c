package scheduler

import "sync"

// Event is a per-job notification pushed to stream subscribers.
type Event struct {
	Event string `json:"event"` // "status", "phase", "result"
	Data  string `json:"data"`  // JSON document
}

// broker fans events out to per-job subscriber channels. Sends never block:
// a subscriber that falls behind misses intermediate events but always
// observes the channel closing after the final one.
type broker struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

func newBroker() *broker {
	return &broker{subs: make(map[string][]chan Event)}
}

func (b *broker) subscribe(jobID string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], ch)
	b.mu.Unlock()
	return ch
}

func (b *broker) unsubscribe(jobID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	chans := b.subs[jobID]
	for i, c := range chans {
		if c == ch {
			b.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(b.subs[jobID]) == 0 {
		delete(b.subs, jobID)
	}
}

func (b *broker) notify(jobID string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[jobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// notifyAndClose sends the final event and closes every channel for the job.
func (b *broker) notifyAndClose(jobID string, ev Event) {
	b.mu.Lock()
	chans := b.subs[jobID]
	delete(b.subs, jobID)
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
	}
}
