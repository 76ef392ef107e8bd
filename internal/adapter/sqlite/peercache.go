// Package sqlite persists the daemon's small local facts. Registry
// state is never stored here — it is in-memory and rebuilt via
// anti-entropy; the cache only remembers peer contacts so a restarted
// node has gossip seeds beyond its static configuration.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// seenAtLayout is fixed-width so seen_at sorts chronologically as text.
const seenAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// PeerCache is a SQLite-backed table of last-known peer contacts.
type PeerCache struct {
	db *sql.DB
}

// Contact is one remembered peer.
type Contact struct {
	Node   string
	Gossip string // gossip address host:port
	SeenAt time.Time
}

// Open creates or opens the cache database, creating parent
// directories as needed.
func Open(path string) (*PeerCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS peer_contacts (
		node    TEXT PRIMARY KEY,
		gossip  TEXT NOT NULL,
		seen_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create peer_contacts: %w", err)
	}
	return &PeerCache{db: db}, nil
}

func (c *PeerCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Remember upserts a peer contact.
func (c *PeerCache) Remember(node, gossip string) error {
	_, err := c.db.Exec(
		`INSERT INTO peer_contacts (node, gossip, seen_at) VALUES (?, ?, ?)
		 ON CONFLICT(node) DO UPDATE SET gossip = excluded.gossip, seen_at = excluded.seen_at`,
		node, gossip, time.Now().UTC().Format(seenAtLayout),
	)
	if err != nil {
		return fmt.Errorf("remember peer %s: %w", node, err)
	}
	return nil
}

// Forget removes a peer contact.
func (c *PeerCache) Forget(node string) error {
	if _, err := c.db.Exec(`DELETE FROM peer_contacts WHERE node = ?`, node); err != nil {
		return fmt.Errorf("forget peer %s: %w", node, err)
	}
	return nil
}

// Contacts lists remembered peers, most recently seen first.
func (c *PeerCache) Contacts() ([]Contact, error) {
	rows, err := c.db.Query(`SELECT node, gossip, seen_at FROM peer_contacts ORDER BY seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list peer contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var ct Contact
		var seen string
		if err := rows.Scan(&ct.Node, &ct.Gossip, &seen); err != nil {
			return nil, fmt.Errorf("scan peer contact: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, seen); err == nil {
			ct.SeenAt = t
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}
