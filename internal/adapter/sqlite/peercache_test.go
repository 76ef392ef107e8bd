package sqlite

import (
	"path/filepath"
	"testing"
)

func TestPeerCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	cache, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := cache.Remember("n2", "10.0.0.2:7946"); err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	if err := cache.Remember("n3", "10.0.0.3:7946"); err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	// Upsert replaces the address.
	if err := cache.Remember("n2", "10.0.0.20:7946"); err != nil {
		t.Fatalf("Remember() upsert error = %v", err)
	}

	contacts, err := cache.Contacts()
	if err != nil {
		t.Fatalf("Contacts() error = %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("Contacts() = %d rows, want 2", len(contacts))
	}
	byNode := map[string]string{}
	for _, ct := range contacts {
		byNode[ct.Node] = ct.Gossip
		if ct.SeenAt.IsZero() {
			t.Fatalf("contact %s has zero SeenAt", ct.Node)
		}
	}
	if byNode["n2"] != "10.0.0.20:7946" {
		t.Fatalf("n2 gossip = %q, want upserted address", byNode["n2"])
	}

	if err := cache.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Contacts survive reopen.
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()
	contacts, err = reopened.Contacts()
	if err != nil {
		t.Fatalf("Contacts() after reopen error = %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("Contacts() after reopen = %d rows, want 2", len(contacts))
	}

	if err := reopened.Forget("n2"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	contacts, _ = reopened.Contacts()
	if len(contacts) != 1 || contacts[0].Node != "n3" {
		t.Fatalf("Contacts() after forget = %+v, want only n3", contacts)
	}
}
