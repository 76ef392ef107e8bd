package registry

import (
	"sort"
	"sync"

	"herd"
)

// Entry is one group membership: the same tuple is reachable through
// both index orientations. Watch is non-zero only for entries owned by
// the local node.
type Entry struct {
	Group  string
	Member herd.Member
	Meta   []byte
	At     int64 // owner-assigned UnixNano
	Watch  MonitorRef
	Owner  string
}

// Store is the dual-index entry table of one scope. Single writer (the
// scope task); queries read under the shared lock without coordinating
// with the task. A query may mix pre- and post-states of unrelated
// entries; each entry itself is read atomically.
type Store struct {
	mu       sync.RWMutex
	byGroup  map[string]map[herd.Member]*Entry
	byMember map[herd.Member]map[string]*Entry
}

func NewStore() *Store {
	return &Store{
		byGroup:  make(map[string]map[herd.Member]*Entry),
		byMember: make(map[herd.Member]map[string]*Entry),
	}
}

// Get returns the entry for (group, m), if any.
func (s *Store) Get(group string, m herd.Member) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byGroup[group][m]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Insert writes e into both indexes, replacing any previous tuple for
// (e.Group, e.Member).
func (s *Store) Insert(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := e
	if s.byGroup[e.Group] == nil {
		s.byGroup[e.Group] = make(map[herd.Member]*Entry)
	}
	if s.byMember[e.Member] == nil {
		s.byMember[e.Member] = make(map[string]*Entry)
	}
	s.byGroup[e.Group][e.Member] = &stored
	s.byMember[e.Member][e.Group] = &stored
}

// Remove deletes (group, m) from both indexes and returns the removed
// entry.
func (s *Store) Remove(group string, m herd.Member) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byGroup[group][m]
	if !ok {
		return Entry{}, false
	}
	s.deleteLocked(group, m)
	return *e, true
}

func (s *Store) deleteLocked(group string, m herd.Member) {
	delete(s.byGroup[group], m)
	if len(s.byGroup[group]) == 0 {
		delete(s.byGroup, group)
	}
	delete(s.byMember[m], group)
	if len(s.byMember[m]) == 0 {
		delete(s.byMember, m)
	}
}

// SetWatch updates the monitor reference on every entry of m. Used by
// the restart rebuild, where surviving local entries get fresh
// monitors.
func (s *Store) SetWatch(m herd.Member, ref MonitorRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.byMember[m] {
		e.Watch = ref
	}
}

// WatchOf returns the shared monitor reference held by m's local
// entries, zero if none.
func (s *Store) WatchOf(m herd.Member) MonitorRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.byMember[m] {
		if e.Watch != 0 {
			return e.Watch
		}
	}
	return 0
}

// HasMember reports whether m holds any entry at all.
func (s *Store) HasMember(m herd.Member) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byMember[m]) > 0
}

// MembersOf lists (member, meta) pairs of a group, sorted by member for
// stable iteration. Owner is not filtered.
func (s *Store) MembersOf(group string) []herd.MemberInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]herd.MemberInfo, 0, len(s.byGroup[group]))
	for _, e := range s.byGroup[group] {
		out = append(out, herd.MemberInfo{Member: e.Member, Meta: e.Meta})
	}
	sortMembers(out)
	return out
}

// LocalMembersOf restricts MembersOf to entries owned by node.
func (s *Store) LocalMembersOf(group, node string) []herd.MemberInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []herd.MemberInfo
	for _, e := range s.byGroup[group] {
		if e.Owner == node {
			out = append(out, herd.MemberInfo{Member: e.Member, Meta: e.Meta})
		}
	}
	sortMembers(out)
	return out
}

// GroupsOf returns copies of every entry m is in.
func (s *Store) GroupsOf(m herd.Member) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.byMember[m]))
	for _, e := range s.byMember[m] {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// EntriesOwnedBy returns copies of every entry owned by node.
func (s *Store) EntriesOwnedBy(node string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, members := range s.byGroup {
		for _, e := range members {
			if e.Owner == node {
				out = append(out, *e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Member.String() < out[j].Member.String()
	})
	return out
}

// GroupNames projects the deduplicated group-name set, optionally
// restricted to groups with at least one entry owned by node.
func (s *Store) GroupNames(node string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byGroup))
	for g, members := range s.byGroup {
		if node != "" {
			found := false
			for _, e := range members {
				if e.Owner == node {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Len returns the total entry count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, members := range s.byGroup {
		n += len(members)
	}
	return n
}

func sortMembers(ms []herd.MemberInfo) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Member.Node != ms[j].Member.Node {
			return ms[i].Member.Node < ms[j].Member.Node
		}
		return ms[i].Member.ID < ms[j].Member.ID
	})
}
