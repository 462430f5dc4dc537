package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Log with the same group semantics as the Redis backend.
// Nothing is persisted; it serves tests and single-process runs.
type Memory struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	maxLen int
}

// Offsets in memGroup and pendingEntry are absolute: entries[0] sits at offset base.
type memTopic struct {
	entries []Entry
	base    int
	lastMs  int64
	seq     uint64
	groups  map[string]*memGroup
	wake    chan struct{} // closed and replaced on every append
}

type memGroup struct {
	next    int // offset of the first entry never delivered to this group
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	idx       int
	consumer  string
	delivered time.Time
	count     int
}

var _ Log = (*Memory)(nil)

// MemoryOption customizes NewMemory.
type MemoryOption func(*Memory)

// WithMaxLen trims each topic to roughly n entries on append, dropping the oldest.
// Like Redis MAXLEN, trimmed entries vanish from pending lists too. Zero keeps everything.
func WithMaxLen(n int) MemoryOption {
	return func(m *Memory) { m.maxLen = n }
}

// NewMemory creates an empty in-memory log.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{topics: make(map[string]*memTopic)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) topic(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{
			groups: make(map[string]*memGroup),
			wake:   make(chan struct{}),
		}
		m.topics[name] = t
	}
	return t
}

func (m *Memory) group(topic, group string) (*memTopic, *memGroup, error) {
	t, ok := m.topics[topic]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrNoGroup, topic, group)
	}
	g, ok := t.groups[group]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrNoGroup, topic, group)
	}
	return t, g, nil
}

// nextID mimics Redis "<ms>-<seq>" ids, monotonic even if the clock steps back.
func (t *memTopic) nextID(now time.Time) string {
	ms := now.UnixMilli()
	if ms > t.lastMs {
		t.lastMs = ms
		t.seq = 0
	} else {
		t.seq++
	}
	return fmt.Sprintf("%d-%d", t.lastMs, t.seq)
}

func (m *Memory) Append(ctx context.Context, topic string, rec Record) (string, error) {
	ids, err := m.AppendBatch(ctx, topic, []Record{rec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (m *Memory) AppendBatch(ctx context.Context, topic string, recs []Record) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topic(topic)
	ids := make([]string, 0, len(recs))
	now := time.Now()
	for _, rec := range recs {
		id := t.nextID(now)
		t.entries = append(t.entries, Entry{ID: id, Record: cloneRecord(rec)})
		ids = append(ids, id)
	}
	if len(recs) > 0 {
		t.trim(m.maxLen)
		close(t.wake)
		t.wake = make(chan struct{})
	}
	return ids, nil
}

// trim drops the oldest entries once the topic exceeds maxLen by a quarter, so the
// copy is amortized over many appends.
func (t *memTopic) trim(maxLen int) {
	if maxLen <= 0 || len(t.entries) <= maxLen+maxLen/4 {
		return
	}
	drop := len(t.entries) - maxLen
	t.entries = append([]Entry(nil), t.entries[drop:]...)
	t.base += drop
}

func (t *memTopic) end() int {
	return t.base + len(t.entries)
}

func (m *Memory) EnsureGroup(ctx context.Context, topic, group string, opts ...GroupOption) error {
	o := applyGroupOptions(opts)
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topic(topic)
	if _, ok := t.groups[group]; ok {
		return nil
	}
	g := &memGroup{pending: make(map[string]*pendingEntry)}
	if o.fromLatest {
		g.next = t.end()
	} else {
		g.next = t.base
	}
	t.groups[group] = g
	return nil
}

func (m *Memory) Read(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		m.mu.Lock()
		t, g, err := m.group(topic, group)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		out := deliverNew(t, g, consumer, count)
		if len(out) > 0 || block <= 0 {
			m.mu.Unlock()
			return out, nil
		}
		wake := t.wake
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func deliverNew(t *memTopic, g *memGroup, consumer string, count int) []Entry {
	var out []Entry
	now := time.Now()
	if g.next < t.base {
		g.next = t.base
	}
	for g.next < t.end() && (count <= 0 || len(out) < count) {
		e := t.entries[g.next-t.base]
		g.pending[e.ID] = &pendingEntry{idx: g.next, consumer: consumer, delivered: now, count: 1}
		out = append(out, Entry{ID: e.ID, Record: cloneRecord(e.Record)})
		g.next++
	}
	return out
}

func (m *Memory) Pending(ctx context.Context, topic, group, consumer string, count int) ([]Entry, error) {
	return m.redeliver(topic, group, consumer, count, func(p *pendingEntry, now time.Time) bool {
		return p.consumer == consumer
	})
}

func (m *Memory) Claim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	return m.redeliver(topic, group, consumer, count, func(p *pendingEntry, now time.Time) bool {
		return p.consumer != consumer && now.Sub(p.delivered) >= minIdle
	})
}

// redeliver hands matching pending entries to consumer in id order.
func (m *Memory) redeliver(topic, group, consumer string, count int, match func(*pendingEntry, time.Time) bool) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, g, err := m.group(topic, group)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var hits []*pendingEntry
	for id, p := range g.pending {
		if p.idx < t.base {
			delete(g.pending, id)
			continue
		}
		if match(p, now) {
			hits = append(hits, p)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].idx < hits[j].idx })
	if count > 0 && len(hits) > count {
		hits = hits[:count]
	}

	out := make([]Entry, 0, len(hits))
	for _, p := range hits {
		p.consumer = consumer
		p.delivered = now
		p.count++
		e := t.entries[p.idx-t.base]
		out = append(out, Entry{ID: e.ID, Record: cloneRecord(e.Record)})
	}
	return out, nil
}

func (m *Memory) Ack(ctx context.Context, topic, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, g, err := m.group(topic, group)
	if err != nil {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (m *Memory) DropGroup(ctx context.Context, topic, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.topics[topic]; ok {
		delete(t.groups, group)
	}
	return nil
}

// PendingCount reports how many entries of the group are delivered but unacknowledged.
func (m *Memory) PendingCount(topic, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, g, err := m.group(topic, group)
	if err != nil {
		return 0
	}
	n := 0
	for _, p := range g.pending {
		if p.idx >= t.base {
			n++
		}
	}
	return n
}

// Len reports how many entries the topic currently retains.
func (m *Memory) Len(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.topics[topic]; ok {
		return len(t.entries)
	}
	return 0
}

func cloneRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
