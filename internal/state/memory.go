package state

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is the in-process fallback for when Redis is unreachable, and
// the store used by tests. Semantics match RedisStore: soft TTL with second
// precision, ordered pipelines that commit under one lock, and best-effort
// pub/sub over subscriber channels.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]memEntry
	hashes  map[string]memHash
	sets    map[string]memSet
	lists   map[string]memList

	subMu   sync.RWMutex
	subs    map[string]map[uint64]chan string
	nextSub uint64
}

type memEntry struct {
	val string
	exp time.Time
}

type memHash struct {
	fields map[string]string
	exp    time.Time
}

type memSet struct {
	members map[string]struct{}
	exp     time.Time
}

type memList struct {
	items []string
	exp   time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memEntry),
		hashes:  make(map[string]memHash),
		sets:    make(map[string]memSet),
		lists:   make(map[string]memList),
		subs:    make(map[string]map[uint64]chan string),
	}
}

func expired(exp time.Time) bool {
	return !exp.IsZero() && time.Now().After(exp)
}

func ttlToExp(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok || expired(e.exp) {
		delete(m.strings, key)
		return "", ErrNotFound
	}
	return e.val, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memEntry{val: value, exp: ttlToExp(ttl)}
	return nil
}

func (m *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hGetAllLocked(key), nil
}

func (m *MemoryStore) hGetAllLocked(key string) map[string]string {
	h, ok := m.hashes[key]
	if !ok || expired(h.exp) {
		delete(m.hashes, key)
		return map[string]string{}
	}
	out := make(map[string]string, len(h.fields))
	for k, v := range h.fields {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok || expired(s.exp) {
		delete(m.sets, key)
		return nil, nil
	}
	out := make([]string, 0, len(s.members))
	for member := range s.members {
		out = append(out, member)
	}
	return out, nil
}

func (m *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[key]
	if !ok || expired(l.exp) {
		delete(m.lists, key)
		return nil, nil
	}
	lo, hi, ok := rangeBounds(start, stop, int64(len(l.items)))
	if !ok {
		return nil, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, l.items[lo:hi+1])
	return out, nil
}

func (m *MemoryStore) LSet(ctx context.Context, key string, index int64, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[key]
	if !ok || expired(l.exp) || index < 0 || index >= int64(len(l.items)) {
		return ErrNotFound
	}
	l.items[index] = value
	m.lists[key] = l
	return nil
}

func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrLocked(key), nil
}

func (m *MemoryStore) incrLocked(key string) int64 {
	var n int64
	e, ok := m.strings[key]
	if ok && !expired(e.exp) {
		n, _ = strconv.ParseInt(e.val, 10, 64)
	}
	n++
	m.strings[key] = memEntry{val: strconv.FormatInt(n, 10), exp: e.exp}
	return n
}

func (m *MemoryStore) Publish(ctx context.Context, channel, payload string) error {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan string, 64)
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[uint64]chan string)
	}
	m.subs[channel][id] = ch
	m.subMu.Unlock()

	return &memorySubscription{store: m, channel: channel, id: id, ch: ch}, nil
}

func (m *MemoryStore) Pipeline() Pipeline {
	return &memoryPipeline{store: m}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

type memorySubscription struct {
	store   *MemoryStore
	channel string
	id      uint64
	ch      chan string
}

func (s *memorySubscription) Receive(ctx context.Context) (string, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return "", ErrNoMessage
		}
		return "", ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.store.subMu.Lock()
	delete(s.store.subs[s.channel], s.id)
	s.store.subMu.Unlock()
	return nil
}

// memoryPipeline queues mutations and commits them under one lock so readers
// never observe a half-applied batch.
type memoryPipeline struct {
	store *MemoryStore
	ops   []func(*MemoryStore)
}

func (p *memoryPipeline) Set(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, func(m *MemoryStore) {
		m.strings[key] = memEntry{val: value, exp: ttlToExp(ttl)}
	})
}

func (p *memoryPipeline) HSet(key string, fields map[string]string) {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	p.ops = append(p.ops, func(m *MemoryStore) {
		h, ok := m.hashes[key]
		if !ok || expired(h.exp) {
			h = memHash{fields: make(map[string]string)}
		}
		for k, v := range copied {
			h.fields[k] = v
		}
		m.hashes[key] = h
	})
}

func (p *memoryPipeline) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func(m *MemoryStore) {
		exp := ttlToExp(ttl)
		if e, ok := m.strings[key]; ok {
			e.exp = exp
			m.strings[key] = e
		}
		if h, ok := m.hashes[key]; ok {
			h.exp = exp
			m.hashes[key] = h
		}
		if s, ok := m.sets[key]; ok {
			s.exp = exp
			m.sets[key] = s
		}
		if l, ok := m.lists[key]; ok {
			l.exp = exp
			m.lists[key] = l
		}
	})
}

func (p *memoryPipeline) Del(key string) {
	p.ops = append(p.ops, func(m *MemoryStore) {
		delete(m.strings, key)
		delete(m.hashes, key)
		delete(m.sets, key)
		delete(m.lists, key)
	})
}

func (p *memoryPipeline) SAdd(key string, members ...string) {
	p.ops = append(p.ops, func(m *MemoryStore) {
		s, ok := m.sets[key]
		if !ok || expired(s.exp) {
			s = memSet{members: make(map[string]struct{})}
		}
		for _, member := range members {
			s.members[member] = struct{}{}
		}
		m.sets[key] = s
	})
}

func (p *memoryPipeline) LPush(key string, values ...string) {
	p.ops = append(p.ops, func(m *MemoryStore) {
		l, ok := m.lists[key]
		if !ok || expired(l.exp) {
			l = memList{}
		}
		for _, v := range values {
			l.items = append([]string{v}, l.items...)
		}
		m.lists[key] = l
	})
}

func (p *memoryPipeline) RPush(key string, values ...string) {
	p.ops = append(p.ops, func(m *MemoryStore) {
		l, ok := m.lists[key]
		if !ok || expired(l.exp) {
			l = memList{}
		}
		l.items = append(l.items, values...)
		m.lists[key] = l
	})
}

func (p *memoryPipeline) LTrim(key string, start, stop int64) {
	p.ops = append(p.ops, func(m *MemoryStore) {
		l, ok := m.lists[key]
		if !ok || expired(l.exp) {
			return
		}
		lo, hi, ok := rangeBounds(start, stop, int64(len(l.items)))
		if !ok {
			l.items = nil
		} else {
			l.items = append([]string(nil), l.items[lo:hi+1]...)
		}
		m.lists[key] = l
	})
}

func (p *memoryPipeline) HGetAll(key string) *MapResult {
	out := &MapResult{}
	p.ops = append(p.ops, func(m *MemoryStore) {
		out.Val = m.hGetAllLocked(key)
	})
	return out
}

func (p *memoryPipeline) Incr(key string) {
	p.ops = append(p.ops, func(m *MemoryStore) {
		m.incrLocked(key)
	})
}

func (p *memoryPipeline) Exec(ctx context.Context) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	for _, op := range p.ops {
		op(p.store)
	}
	p.ops = nil
	return nil
}

// rangeBounds clamps a Redis-style inclusive range (negative offsets count
// from the tail) to [0, n). Returns ok=false when the range is empty.
func rangeBounds(start, stop, n int64) (int64, int64, bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}
