// Package subject implements the per-subject synchronization actor: one
// isolated unit of state per tracked handle, owning a durable store of
// that subject's own posts and a self-tuning poll schedule.
package subject

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"threadpub/internal/thread"

	_ "modernc.org/sqlite"
)

// StoredPost is one row of a subject's durable post store. Rows are
// append-only and deduplicated by primary key.
type StoredPost struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"createdAt"`
	AuthorID     string    `json:"authorId"`
	InReplyToID  string    `json:"inReplyToId,omitempty"`
	IsReply      bool      `json:"isReply"`
	RetweetCount int       `json:"retweetCount"`
	ReplyCount   int       `json:"replyCount"`
	LikeCount    int       `json:"likeCount"`
	QuoteCount   int       `json:"quoteCount"`
	InsertedAt   time.Time `json:"insertedAt"`
}

// Profile is the subject's cached upstream profile, refreshed at most
// once per day.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Handle    string    `json:"handle"`
	AvatarURL string    `json:"avatarUrl"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// State is the persisted actor state. The poll schedule is stored so it
// survives process restarts.
type State struct {
	AccessToken  string
	IsPublic     bool
	SecretHash   string
	LastPollAt   time.Time
	PollInterval time.Duration
	NextWakeAt   time.Time
	LastError    string
}

// FromThreadPost converts an upstream post into a storable row.
func FromThreadPost(p thread.Post, now time.Time) StoredPost {
	return StoredPost{
		ID:           p.ID,
		Text:         p.Text,
		CreatedAt:    p.CreatedAt,
		AuthorID:     p.AuthorID,
		InReplyToID:  p.InReplyToID,
		IsReply:      p.InReplyToID != "",
		RetweetCount: p.Metrics.Retweets,
		ReplyCount:   p.Metrics.Replies,
		LikeCount:    p.Metrics.Likes,
		QuoteCount:   p.Metrics.Quotes,
		InsertedAt:   now,
	}
}

// Store is one subject's embedded SQLite database. The owning actor is
// its sole writer; concurrent reads go through the same handle.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	created_at TEXT NOT NULL,
	author_id TEXT NOT NULL,
	in_reply_to_id TEXT,
	is_reply INTEGER NOT NULL DEFAULT 0,
	retweet_count INTEGER NOT NULL DEFAULT 0,
	reply_count INTEGER NOT NULL DEFAULT 0,
	like_count INTEGER NOT NULL DEFAULT 0,
	quote_count INTEGER NOT NULL DEFAULT 0,
	inserted_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS subject_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	access_token TEXT NOT NULL DEFAULT '',
	is_public INTEGER NOT NULL DEFAULT 0,
	secret_hash TEXT NOT NULL DEFAULT '',
	last_poll_at INTEGER NOT NULL DEFAULT 0,
	poll_interval_seconds INTEGER NOT NULL DEFAULT 0,
	next_wake_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS profile (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	handle TEXT NOT NULL,
	avatar_url TEXT,
	updated_at INTEGER NOT NULL
);
`

// OpenStore opens (creating if needed) the subject database at path and
// ensures the schema exists.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open subject db: %w", err)
	}
	// One writer per store; a single connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init subject schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadState returns the persisted actor state and whether it existed.
func (s *Store) LoadState(ctx context.Context) (State, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT access_token, is_public, secret_hash, last_poll_at,
		       poll_interval_seconds, next_wake_at, last_error
		FROM subject_state WHERE id = 1`)

	var st State
	var isPublic int
	var lastPoll, intervalSec, nextWake int64
	err := row.Scan(&st.AccessToken, &isPublic, &st.SecretHash, &lastPoll, &intervalSec, &nextWake, &st.LastError)
	if err == sql.ErrNoRows {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("load subject state: %w", err)
	}
	st.IsPublic = isPublic != 0
	if lastPoll > 0 {
		st.LastPollAt = time.UnixMilli(lastPoll)
	}
	st.PollInterval = time.Duration(intervalSec) * time.Second
	if nextWake > 0 {
		st.NextWakeAt = time.UnixMilli(nextWake)
	}
	return st, true, nil
}

// SaveState upserts the single state row.
func (s *Store) SaveState(ctx context.Context, st State) error {
	isPublic := 0
	if st.IsPublic {
		isPublic = 1
	}
	var lastPoll, nextWake int64
	if !st.LastPollAt.IsZero() {
		lastPoll = st.LastPollAt.UnixMilli()
	}
	if !st.NextWakeAt.IsZero() {
		nextWake = st.NextWakeAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subject_state
			(id, access_token, is_public, secret_hash, last_poll_at, poll_interval_seconds, next_wake_at, last_error)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			access_token = excluded.access_token,
			is_public = excluded.is_public,
			secret_hash = excluded.secret_hash,
			last_poll_at = excluded.last_poll_at,
			poll_interval_seconds = excluded.poll_interval_seconds,
			next_wake_at = excluded.next_wake_at,
			last_error = excluded.last_error`,
		st.AccessToken, isPublic, st.SecretHash, lastPoll,
		int64(st.PollInterval/time.Second), nextWake, st.LastError)
	if err != nil {
		return fmt.Errorf("save subject state: %w", err)
	}
	return nil
}

// InsertPosts inserts rows, skipping ids already present, and returns how
// many were new.
func (s *Store) InsertPosts(ctx context.Context, posts []StoredPost) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	newCount := 0
	for _, p := range posts {
		isReply := 0
		if p.IsReply {
			isReply = 1
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO posts
				(id, text, created_at, author_id, in_reply_to_id, is_reply,
				 retweet_count, reply_count, like_count, quote_count, inserted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Text, p.CreatedAt.UTC().Format(time.RFC3339), p.AuthorID,
			nullable(p.InReplyToID), isReply,
			p.RetweetCount, p.ReplyCount, p.LikeCount, p.QuoteCount,
			p.InsertedAt.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("insert post %s: %w", p.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			newCount++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return newCount, nil
}

// AbsentIDs filters ids down to those not yet stored.
func (s *Store) AbsentIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM posts WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query existing ids: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}

	var absent []string
	for _, id := range ids {
		if !existing[id] {
			absent = append(absent, id)
		}
	}
	return absent, nil
}

// ListPosts returns all stored posts, newest first.
func (s *Store) ListPosts(ctx context.Context) ([]StoredPost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, created_at, author_id, in_reply_to_id, is_reply,
		       retweet_count, reply_count, like_count, quote_count, inserted_at
		FROM posts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// SearchPosts is the substring-match fallback used when the search index
// is unavailable.
func (s *Store) SearchPosts(ctx context.Context, query string, limit int) ([]StoredPost, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, created_at, author_id, in_reply_to_id, is_reply,
		       retweet_count, reply_count, like_count, quote_count, inserted_at
		FROM posts WHERE text LIKE ? ORDER BY created_at DESC LIMIT ?`,
		"%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search posts: %w", err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// Profile returns the cached upstream profile, if any.
func (s *Store) Profile(ctx context.Context) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, handle, avatar_url, updated_at FROM profile LIMIT 1`)
	var p Profile
	var avatar sql.NullString
	var updated int64
	err := row.Scan(&p.ID, &p.Name, &p.Handle, &avatar, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	p.AvatarURL = avatar.String
	p.UpdatedAt = time.UnixMilli(updated)
	return &p, nil
}

// SaveProfile replaces the cached profile.
func (s *Store) SaveProfile(ctx context.Context, p Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO profile (id, name, handle, avatar_url, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Handle, p.AvatarURL, p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func scanPosts(rows *sql.Rows) ([]StoredPost, error) {
	var posts []StoredPost
	for rows.Next() {
		var p StoredPost
		var createdAt string
		var replyTo sql.NullString
		var isReply int
		var insertedAt int64
		err := rows.Scan(&p.ID, &p.Text, &createdAt, &p.AuthorID, &replyTo, &isReply,
			&p.RetweetCount, &p.ReplyCount, &p.LikeCount, &p.QuoteCount, &insertedAt)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		p.InReplyToID = replyTo.String
		p.IsReply = isReply != 0
		p.InsertedAt = time.UnixMilli(insertedAt)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
