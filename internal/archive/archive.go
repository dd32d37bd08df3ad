// Package archive persists decrypted timeline messages to SQLite so the
// CLI can list history without replaying the event stream.
package archive

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"fedchat/internal/chatservice"
)

// Archive wraps a SQLite database of received messages.
type Archive struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS message (
	event_id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	body TEXT NOT NULL,
	encrypted INTEGER NOT NULL DEFAULT 0,
	ratchet_index INTEGER NOT NULL DEFAULT 0,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS message_room ON message(room_id, received_at);
`

// Open opens or creates the archive at dbPath.
func Open(dbPath string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}

	// WAL so the listen loop's writes don't block history reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: create schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Record stores one message. Events already archived (the stream can
// re-deliver on cursor rewinds) are ignored.
func (a *Archive) Record(msg *chatservice.Message) error {
	_, err := a.db.Exec(
		`INSERT OR IGNORE INTO message (event_id, room_id, sender, body, encrypted, ratchet_index, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.EventID, msg.RoomID, msg.Sender, msg.Body, msg.Encrypted, msg.Index, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("archive: record %s: %w", msg.EventID, err)
	}
	return nil
}

// RoomMessages returns up to limit messages for a room, oldest first.
func (a *Archive) RoomMessages(roomID string, limit int) ([]chatservice.Message, error) {
	rows, err := a.db.Query(
		`SELECT event_id, room_id, sender, body, encrypted, ratchet_index
		 FROM message WHERE room_id = ? ORDER BY received_at, event_id LIMIT ?`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("archive: query %s: %w", roomID, err)
	}
	defer rows.Close()

	var out []chatservice.Message
	for rows.Next() {
		var msg chatservice.Message
		if err := rows.Scan(&msg.EventID, &msg.RoomID, &msg.Sender, &msg.Body, &msg.Encrypted, &msg.Index); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Rooms returns every room with archived messages.
func (a *Archive) Rooms() ([]string, error) {
	rows, err := a.db.Query(`SELECT DISTINCT room_id FROM message ORDER BY room_id`)
	if err != nil {
		return nil, fmt.Errorf("archive: list rooms: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		out = append(out, roomID)
	}
	return out, rows.Err()
}
