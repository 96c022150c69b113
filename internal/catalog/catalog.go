// Package catalog persists channels and their feed sources, including the
// revalidation tokens each source's last fetch returned.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already registered")
)

type Channel struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Source is one feed URL inside a channel.
type Source struct {
	ID            string
	ChannelID     string
	Name          string
	URL           string
	LastFetchedAt *time.Time
	ETag          string
	LastModified  string
	CreatedAt     time.Time
}

type Catalog struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the catalog database at path and brings
// its schema up to date. ":memory:" gives a private in-memory database.
func Open(path string) (*Catalog, error) {
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	dsn := fmt.Sprintf("file:%s?%s&_pragma=journal_mode(WAL)", path, pragmas)
	if path == ":memory:" || path == "" {
		dsn = "file::memory:?" + pragmas
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	if _, err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Catalog{db: db, now: time.Now}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) CreateChannel(ctx context.Context, name string) (*Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("channel name is required")
	}

	ch := &Channel{ID: uuid.NewString(), Name: name, CreatedAt: c.now().UTC()}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO channels (id, name, created_at) VALUES (?, ?, ?)`,
		ch.ID, ch.Name, formatTime(ch.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("creating channel: %w", err)
	}
	return ch, nil
}

func (c *Catalog) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM channels ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var ch Channel
		var created string
		if err := rows.Scan(&ch.ID, &ch.Name, &created); err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		ch.CreatedAt = parseTime(created)
		out = append(out, ch)
	}
	return out, rows.Err()
}

// FindChannel resolves a channel by id, or failing that by exact name.
func (c *Catalog) FindChannel(ctx context.Context, idOrName string) (*Channel, error) {
	var ch Channel
	var created string
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM channels WHERE id = ? OR name = ?
		 ORDER BY CASE WHEN id = ? THEN 0 ELSE 1 END, rowid LIMIT 1`,
		idOrName, idOrName, idOrName).Scan(&ch.ID, &ch.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %q: %w", idOrName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding channel: %w", err)
	}
	ch.CreatedAt = parseTime(created)
	return &ch, nil
}

// DeleteChannel removes the channel and, by cascade, its sources. The ids
// of the removed sources are returned so their cached items can be
// dropped too.
func (c *Catalog) DeleteChannel(ctx context.Context, id string) ([]string, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("deleting channel: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM feed_sources WHERE channel_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("listing channel sources: %w", err)
	}
	var sourceIDs []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			rows.Close()
			return nil, err
		}
		sourceIDs = append(sourceIDs, sid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("deleting channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("channel %q: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("deleting channel: %w", err)
	}
	return sourceIDs, nil
}

// AddSource registers url in channelID. A second registration of the same
// URL in the same channel fails with ErrDuplicate.
func (c *Catalog) AddSource(ctx context.Context, channelID, name, url string) (*Source, error) {
	exists, err := c.SourceExists(ctx, channelID, url)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicate
	}

	src := &Source{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Name:      name,
		URL:       url,
		CreatedAt: c.now().UTC(),
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO feed_sources (id, channel_id, name, url, created_at) VALUES (?, ?, ?, ?, ?)`,
		src.ID, src.ChannelID, src.Name, src.URL, formatTime(src.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("adding source: %w", err)
	}
	return src, nil
}

func (c *Catalog) SourceExists(ctx context.Context, channelID, url string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM feed_sources WHERE channel_id = ? AND url = ?`,
		channelID, url).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking source: %w", err)
	}
	return n > 0, nil
}

const sourceColumns = `id, channel_id, name, url, last_fetched_at, etag, last_modified_header, created_at`

// ListSources returns the sources of a channel in registration order.
func (c *Catalog) ListSources(ctx context.Context, channelID string) ([]Source, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM feed_sources WHERE channel_id = ? ORDER BY rowid`,
		channelID)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *src)
	}
	return out, rows.Err()
}

func (c *Catalog) GetSource(ctx context.Context, id string) (*Source, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM feed_sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %q: %w", id, ErrNotFound)
	}
	return src, err
}

func (c *Catalog) DeleteSource(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM feed_sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %q: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFetched records a fetch that returned nothing new. The stored
// revalidation tokens are kept.
func (c *Catalog) MarkFetched(ctx context.Context, id string, at time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE feed_sources SET last_fetched_at = ? WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("marking source fetched: %w", err)
	}
	return nil
}

// SaveRevalidation records a successful fetch together with the tokens to
// send on the next one. Empty tokens clear the stored value.
func (c *Catalog) SaveRevalidation(ctx context.Context, id, etag, lastModified string, at time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE feed_sources SET last_fetched_at = ?, etag = ?, last_modified_header = ? WHERE id = ?`,
		formatTime(at), nullString(etag), nullString(lastModified), id)
	if err != nil {
		return fmt.Errorf("saving revalidation tokens: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (*Source, error) {
	var (
		src                         Source
		fetched, etag, lastModified sql.NullString
		created                     string
	)
	if err := row.Scan(&src.ID, &src.ChannelID, &src.Name, &src.URL, &fetched, &etag, &lastModified, &created); err != nil {
		return nil, err
	}
	if fetched.Valid && fetched.String != "" {
		t := parseTime(fetched.String)
		src.LastFetchedAt = &t
	}
	src.ETag = etag.String
	src.LastModified = lastModified.String
	src.CreatedAt = parseTime(created)
	return &src, nil
}

// fixed width so stored values also sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
