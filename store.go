package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// schema runs on startup to ensure tables exist. Words cascade with
// their party so a future delete operation stays consistent.
const schema = `
CREATE TABLE IF NOT EXISTS parties (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    status TEXT NOT NULL DEFAULT 'add',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS words (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    text TEXT NOT NULL,
    party_id INTEGER NOT NULL,
    FOREIGN KEY (party_id) REFERENCES parties(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_words_party_id ON words(party_id);
`

// Store persists parties and their words in SQLite.
type Store struct {
	db *sql.DB
}

// openStore opens (or creates) the database at dbPath, creating parent
// directories and running migrations automatically.
func openStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateParty inserts a new party accepting submissions.
func (s *Store) CreateParty(ctx context.Context) (*Party, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO parties (status, created_at) VALUES (?, ?)",
		string(StatusAdd), time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert party: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read party id: %w", err)
	}

	return &Party{ID: id, Status: StatusAdd, Words: []Word{}}, nil
}

// GetParty retrieves a party and its words, oldest word first.
func (s *Store) GetParty(ctx context.Context, id int64) (*Party, error) {
	party := &Party{}

	var status string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, status FROM parties WHERE id = ?", id,
	).Scan(&party.ID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrPartyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get party: %w", err)
	}
	party.Status = Status(status)

	party.Words, err = s.Words(ctx, id)
	if err != nil {
		return nil, err
	}

	return party, nil
}

// Words returns a party's words in creation order. A party with no
// words yields an empty, non-nil slice.
func (s *Store) Words(ctx context.Context, partyID int64) ([]Word, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, text, party_id FROM words WHERE party_id = ? ORDER BY id", partyID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get words: %w", err)
	}
	defer rows.Close()

	words := []Word{}
	for rows.Next() {
		var word Word
		if err := rows.Scan(&word.ID, &word.Text, &word.PartyID); err != nil {
			return nil, fmt.Errorf("failed to scan word: %w", err)
		}
		words = append(words, word)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate words: %w", err)
	}

	return words, nil
}

// SetPartyStatus updates a party's status and returns the updated party.
// Setting the current value again is a no-op success.
func (s *Store) SetPartyStatus(ctx context.Context, id int64, status Status) (*Party, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE parties SET status = ? WHERE id = ?", string(status), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %d", ErrPartyNotFound, id)
	}

	return s.GetParty(ctx, id)
}

// AddWord inserts a word for a party. The owning party is verified
// inside the same transaction as the insert, so a word can never be
// created against a party that vanished between check and write.
func (s *Store) AddWord(ctx context.Context, partyID int64, text string) (*Word, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM parties WHERE id = ?", partyID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrPartyNotFound, partyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check party: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO words (text, party_id) VALUES (?, ?)", text, partyID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert word: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read word id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &Word{ID: id, Text: text, PartyID: partyID}, nil
}
