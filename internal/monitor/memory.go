package monitor

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// Update is one Publish call as seen by a Memory subscriber.
type Update struct {
	Time time.Time
	Vars map[string]any
}

// Memory keeps the latest value of every variable and fans updates out to
// subscribers.
//
// Publish never blocks: subscribers use buffered channels and a slow one
// drops updates.
type Memory struct {
	mu   sync.RWMutex
	last map[string]any
	subs map[uint64]chan Update
	seq  atomic.Uint64
}

func NewMemory() *Memory {
	return &Memory{last: map[string]any{}, subs: map[uint64]chan Update{}}
}

func (m *Memory) Publish(vars map[string]any) {
	u := Update{Time: time.Now(), Vars: maps.Clone(vars)}

	m.mu.Lock()
	for k, v := range u.Vars {
		m.last[k] = v
	}
	chs := make([]chan Update, 0, len(m.subs))
	for _, ch := range m.subs {
		chs = append(chs, ch)
	}
	m.mu.Unlock()

	for _, ch := range chs {
		// The channel may be closed by a concurrent unsubscribe.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- u:
			default:
			}
		}()
	}
}

// Vars returns a copy of the latest value of every variable.
func (m *Memory) Vars() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.last)
}

// Get returns the latest value of one variable.
func (m *Memory) Get(name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.last[name]
	return v, ok
}

func (m *Memory) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Update, buffer)
	id := m.seq.Add(1)

	m.mu.Lock()
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}
