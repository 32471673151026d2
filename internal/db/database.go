// Package db archives finalized debates in SQLite.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/arena/internal/room"
)

type Database struct {
	db *sql.DB
}

// DebateSummary is one row of the debate listing.
type DebateSummary struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Participants []string  `json:"participants"`
	Reason       string    `json:"reason"`
	Scored       bool      `json:"scored"`
	Winner       string    `json:"winner,omitempty"`
	MessageCount int       `json:"message_count"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
}

// Debate is an archived debate with its transcript.
type Debate struct {
	DebateSummary
	Scores     map[string]float64 `json:"scores"`
	Outcome    map[string]any     `json:"outcome,omitempty"`
	Transcript []TranscriptEntry  `json:"transcript"`
}

type TranscriptEntry struct {
	Seq         int       `json:"seq"`
	Participant string    `json:"participant"`
	Speaker     string    `json:"speaker"`
	Text        string    `json:"text"`
	At          time.Time `json:"at"`
}

func New(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets the API read while the finalizer writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS debates (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		participant1 TEXT NOT NULL,
		participant2 TEXT NOT NULL,
		reason TEXT NOT NULL,
		scored BOOLEAN NOT NULL DEFAULT FALSE,
		winner TEXT NOT NULL DEFAULT '',
		scores TEXT NOT NULL DEFAULT '{}',
		outcome TEXT NOT NULL DEFAULT 'null',
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_debates_ended_at ON debates(ended_at DESC);
	CREATE INDEX IF NOT EXISTS idx_debates_topic ON debates(topic);

	CREATE TABLE IF NOT EXISTS debate_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		debate_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		participant TEXT NOT NULL,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		at INTEGER NOT NULL,
		FOREIGN KEY (debate_id) REFERENCES debates(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_debate_messages_debate_id ON debate_messages(debate_id, seq);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// RecordResult archives a finalized debate and its messages in one transaction.
func (d *Database) RecordResult(ctx context.Context, res room.Result) error {
	if len(res.Participants) != 2 {
		return fmt.Errorf("record %s: %w", res.RoomID, room.ErrInvalidParticipants)
	}

	scores, err := json.Marshal(res.Scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	outcome, err := json.Marshal(res.Outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO debates (id, topic, participant1, participant2, reason, scored, winner, scores, outcome, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, res.RoomID, res.Topic, res.Participants[0], res.Participants[1], string(res.Reason),
		res.Scored, res.Winner(), string(scores), string(outcome),
		res.StartedAt.UnixMilli(), res.EndedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert debate %s: %w", res.RoomID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO debate_messages (debate_id, seq, participant, speaker, text, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, msg := range res.History {
		speaker := room.SpeakerSecond
		if msg.Participant == res.Participants[0] {
			speaker = room.SpeakerFirst
		}
		if _, err := stmt.ExecContext(ctx, res.RoomID, i, msg.Participant, speaker, msg.Text, msg.At.UnixMilli()); err != nil {
			return fmt.Errorf("insert message %d of %s: %w", i, res.RoomID, err)
		}
	}

	return tx.Commit()
}

const summaryColumns = `
	d.id, d.topic, d.participant1, d.participant2, d.reason, d.scored, d.winner,
	d.started_at, d.ended_at,
	(SELECT COUNT(*) FROM debate_messages m WHERE m.debate_id = d.id)`

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner, extra ...any) (DebateSummary, error) {
	var s DebateSummary
	var p1, p2 string
	var startedAt, endedAt int64

	dest := append([]any{&s.ID, &s.Topic, &p1, &p2, &s.Reason, &s.Scored, &s.Winner,
		&startedAt, &endedAt, &s.MessageCount}, extra...)
	if err := row.Scan(dest...); err != nil {
		return s, err
	}

	s.Participants = []string{p1, p2}
	s.StartedAt = time.UnixMilli(startedAt).UTC()
	s.EndedAt = time.UnixMilli(endedAt).UTC()
	return s, nil
}

// ListDebates returns archived debates, most recently ended first.
func (d *Database) ListDebates(ctx context.Context, limit, offset int) ([]DebateSummary, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT"+summaryColumns+" FROM debates d ORDER BY d.ended_at DESC, d.id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	debates := []DebateSummary{}
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		debates = append(debates, s)
	}
	return debates, rows.Err()
}

// GetDebate returns a debate with its transcript, or nil if it is not archived.
func (d *Database) GetDebate(ctx context.Context, id string) (*Debate, error) {
	var scores, outcome string
	row := d.db.QueryRowContext(ctx,
		"SELECT"+summaryColumns+", d.scores, d.outcome FROM debates d WHERE d.id = ?", id)

	summary, err := scanSummary(row, &scores, &outcome)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	debate := &Debate{DebateSummary: summary}
	if err := json.Unmarshal([]byte(scores), &debate.Scores); err != nil {
		return nil, fmt.Errorf("decode scores of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(outcome), &debate.Outcome); err != nil {
		return nil, fmt.Errorf("decode outcome of %s: %w", id, err)
	}

	debate.Transcript, err = d.transcript(ctx, id)
	if err != nil {
		return nil, err
	}
	return debate, nil
}

func (d *Database) transcript(ctx context.Context, id string) ([]TranscriptEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT seq, participant, speaker, text, at
		FROM debate_messages WHERE debate_id = ? ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []TranscriptEntry{}
	for rows.Next() {
		var e TranscriptEntry
		var at int64
		if err := rows.Scan(&e.Seq, &e.Participant, &e.Speaker, &e.Text, &at); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (d *Database) CountDebates(ctx context.Context) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM debates").Scan(&count)
	return count, err
}

// CountEndedBefore counts debates that ended before cutoff.
func (d *Database) CountEndedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM debates WHERE ended_at < ?", cutoff.UnixMilli()).Scan(&count)
	return count, err
}

// DeleteEndedBefore removes debates that ended before cutoff.
func (d *Database) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return d.deleteWhere(ctx, "ended_at < ?", cutoff.UnixMilli())
}

// DeleteAllButRecent keeps only the keep most recently ended debates.
func (d *Database) DeleteAllButRecent(ctx context.Context, keep int) (int64, error) {
	return d.deleteWhere(ctx,
		"id NOT IN (SELECT id FROM debates ORDER BY ended_at DESC, id LIMIT ?)", keep)
}

// deleteWhere removes matching debates and their messages. Messages are
// deleted explicitly since SQLite leaves foreign keys off by default.
func (d *Database) deleteWhere(ctx context.Context, cond string, args ...any) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM debate_messages WHERE debate_id IN (SELECT id FROM debates WHERE "+cond+")",
		args...); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM debates WHERE "+cond, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]any, error) {
	stats := make(map[string]any)

	var debateCount, scoredCount int
	if err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN scored THEN 1 ELSE 0 END), 0) FROM debates",
	).Scan(&debateCount, &scoredCount); err != nil {
		return nil, err
	}
	stats["debate_count"] = debateCount
	stats["scored_count"] = scoredCount

	var messageCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM debate_messages").Scan(&messageCount); err != nil {
		return nil, err
	}
	stats["message_count"] = messageCount

	return stats, nil
}
