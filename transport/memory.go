package transport

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process transport backend. It is safe for concurrent use
// and mirrors Redis stream semantics closely enough for the dispatcher and
// executor to be exercised without a server: monotonic `<seq>-0` ids,
// per-group delivery cursors, and per-consumer pending sets.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
}

type memStream struct {
	entries []Entry
	seq     uint64
	groups  map[string]*memGroup
	// notify is closed and replaced on every append so blocked readers wake.
	notify chan struct{}
}

type memGroup struct {
	// cursor is the id of the last entry delivered to the group.
	cursor string
	// pending maps entry id to the consumer it was delivered to.
	pending map[string]string
}

// NewMemory creates an empty in-process transport.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string]*memStream)}
}

func (m *Memory) stream(name string, create bool) *memStream {
	s, ok := m.streams[name]
	if !ok && create {
		s = &memStream{
			groups: make(map[string]*memGroup),
			notify: make(chan struct{}),
		}
		m.streams[name] = s
	}
	return s
}

// GroupCreate implements Transport.
func (m *Memory) GroupCreate(_ context.Context, stream, group, startID string, opts GroupCreateOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream, opts.MakeStream)
	if s == nil {
		return fmt.Errorf("stream %q does not exist", stream)
	}
	if _, ok := s.groups[group]; ok {
		return ErrGroupExists
	}

	cursor := startID
	if cursor == "$" {
		cursor = s.lastID()
	} else if cursor == "" {
		cursor = "0"
	}
	s.groups[group] = &memGroup{cursor: cursor, pending: make(map[string]string)}
	return nil
}

// ReadGroup implements Transport.
func (m *Memory) ReadGroup(ctx context.Context, args ReadGroupArgs) ([]Entry, error) {
	count := args.Count
	if count <= 0 {
		count = 1
	}

	deadline := time.Now().Add(args.Block)
	for {
		m.mu.Lock()
		s := m.stream(args.Stream, false)
		if s == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("stream %q does not exist", args.Stream)
		}
		g, ok := s.groups[args.Group]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("group %q does not exist on stream %q", args.Group, args.Stream)
		}

		var out []Entry
		for _, e := range s.entries {
			if idLess(g.cursor, e.ID) {
				out = append(out, cloneEntry(e))
				g.cursor = e.ID
				g.pending[e.ID] = args.Consumer
				if int64(len(out)) >= count {
					break
				}
			}
		}
		notify := s.notify
		m.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		if args.Block <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}

		wait := time.Until(deadline)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

// Ack implements Transport.
func (m *Memory) Ack(_ context.Context, stream, group, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream, false)
	if s == nil {
		return nil
	}
	if g, ok := s.groups[group]; ok {
		delete(g.pending, id)
	}
	return nil
}

// Append implements Transport.
func (m *Memory) Append(_ context.Context, stream string, fields map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream, true)
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	s.entries = append(s.entries, Entry{ID: id, Fields: cloneFields(fields)})

	close(s.notify)
	s.notify = make(chan struct{})
	return id, nil
}

// Range implements Transport.
func (m *Memory) Range(_ context.Context, stream, start, end string, count int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream, false)
	if s == nil {
		return nil, nil
	}

	var out []Entry
	for _, e := range s.entries {
		if start != "-" && idLess(e.ID, start) {
			continue
		}
		if end != "+" && idLess(end, e.ID) {
			break
		}
		out = append(out, cloneEntry(e))
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// Delete implements Transport.
func (m *Memory) Delete(_ context.Context, stream string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream, false)
	if s == nil {
		return nil
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	kept := s.entries[:0]
	for _, e := range s.entries {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	s.entries = kept

	for _, g := range s.groups {
		for _, id := range ids {
			delete(g.pending, id)
		}
	}
	return nil
}

// Close implements Transport.
func (m *Memory) Close() error { return nil }

// Pending returns the ids pending for a group, sorted. Used by tests and the
// abort path verification.
func (m *Memory) Pending(stream, group string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream, false)
	if s == nil {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}

	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })
	return ids
}

func (s *memStream) lastID() string {
	if len(s.entries) == 0 {
		return "0"
	}
	return s.entries[len(s.entries)-1].ID
}

// idLess compares stream ids of the form `<ms>-<seq>` (or bare numbers)
// numerically.
func idLess(a, b string) bool {
	am, as := splitID(a)
	bm, bs := splitID(b)
	if am != bm {
		return am < bm
	}
	return as < bs
}

func splitID(id string) (uint64, uint64) {
	major, minor, _ := strings.Cut(id, "-")
	hi, _ := strconv.ParseUint(major, 10, 64)
	lo, _ := strconv.ParseUint(minor, 10, 64)
	return hi, lo
}

func cloneEntry(e Entry) Entry {
	return Entry{ID: e.ID, Fields: cloneFields(e.Fields)}
}

func cloneFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
