package registry

import (
	"testing"

	"herd"
)

func TestStoreIndexSymmetry(t *testing.T) {
	s := NewStore()
	entries := []Entry{
		{Group: "g1", Member: member("a", 1), Meta: []byte("1"), At: 1, Owner: "a"},
		{Group: "g1", Member: member("b", 2), Meta: []byte("2"), At: 2, Owner: "b"},
		{Group: "g2", Member: member("a", 1), Meta: []byte("3"), At: 3, Owner: "a"},
	}
	for _, e := range entries {
		s.Insert(e)
	}

	assertSymmetry := func() {
		t.Helper()
		total := 0
		for _, g := range s.GroupNames("") {
			for _, mi := range s.MembersOf(g) {
				total++
				found := false
				for _, ge := range s.GroupsOf(mi.Member) {
					if ge.Group == g {
						found = true
					}
				}
				if !found {
					t.Fatalf("(%s, %s) present in byGroup but not byMember", g, mi.Member)
				}
			}
		}
		if total != s.Len() {
			t.Fatalf("walk found %d entries, Len() = %d", total, s.Len())
		}
	}
	assertSymmetry()

	if _, ok := s.Remove("g1", member("a", 1)); !ok {
		t.Fatal("Remove() existing entry = false")
	}
	assertSymmetry()

	if _, ok := s.Remove("g1", member("a", 1)); ok {
		t.Fatal("Remove() twice = true")
	}
	if got := s.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}

func TestStoreGroupVanishesWithLastMember(t *testing.T) {
	s := NewStore()
	m := member("a", 1)
	s.Insert(Entry{Group: "g", Member: m, Owner: "a"})

	if got := s.GroupNames(""); len(got) != 1 || got[0] != "g" {
		t.Fatalf("GroupNames() = %v, want [g]", got)
	}
	s.Remove("g", m)
	if got := s.GroupNames(""); len(got) != 0 {
		t.Fatalf("GroupNames() = %v after last leave, want empty", got)
	}
	if s.HasMember(m) {
		t.Fatal("HasMember() = true after removal")
	}
}

func TestStoreOwnerProjections(t *testing.T) {
	s := NewStore()
	s.Insert(Entry{Group: "g1", Member: member("a", 1), Owner: "a"})
	s.Insert(Entry{Group: "g1", Member: member("b", 1), Owner: "b"})
	s.Insert(Entry{Group: "g2", Member: member("b", 2), Owner: "b"})

	if got := len(s.LocalMembersOf("g1", "a")); got != 1 {
		t.Fatalf("LocalMembersOf(g1, a) = %d entries, want 1", got)
	}
	if got := len(s.EntriesOwnedBy("b")); got != 2 {
		t.Fatalf("EntriesOwnedBy(b) = %d, want 2", got)
	}
	if got := s.GroupNames("a"); len(got) != 1 || got[0] != "g1" {
		t.Fatalf("GroupNames(a) = %v, want [g1]", got)
	}
	if got := s.GroupNames("b"); len(got) != 2 {
		t.Fatalf("GroupNames(b) = %v, want both groups", got)
	}
}

func TestStoreWatchSharing(t *testing.T) {
	s := NewStore()
	m := member("a", 1)
	s.Insert(Entry{Group: "g1", Member: m, Watch: 7, Owner: "a"})
	s.Insert(Entry{Group: "g2", Member: m, Watch: 7, Owner: "a"})

	if got := s.WatchOf(m); got != 7 {
		t.Fatalf("WatchOf() = %d, want 7", got)
	}
	s.SetWatch(m, 9)
	for _, e := range s.GroupsOf(m) {
		if e.Watch != 9 {
			t.Fatalf("entry %s Watch = %d after SetWatch, want 9", e.Group, e.Watch)
		}
	}
	s.Remove("g1", m)
	s.Remove("g2", m)
	if got := s.WatchOf(m); got != 0 {
		t.Fatalf("WatchOf() = %d after removal, want 0", got)
	}
}

func TestStoreMembersSorted(t *testing.T) {
	s := NewStore()
	s.Insert(Entry{Group: "g", Member: member("b", 2), Owner: "b"})
	s.Insert(Entry{Group: "g", Member: member("a", 9), Owner: "a"})
	s.Insert(Entry{Group: "g", Member: member("a", 1), Owner: "a"})

	got := s.MembersOf("g")
	want := []herd.Member{member("a", 1), member("a", 9), member("b", 2)}
	for i, mi := range got {
		if mi.Member != want[i] {
			t.Fatalf("MembersOf()[%d] = %v, want %v", i, mi.Member, want[i])
		}
	}
}
