package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spacedatanetwork/sdn-trust/internal/statement"
)

const statementColumns = `s.hash, s.signer_key_id, s.type, s.rating, s.min_rating, s.max_rating,
	s.comment, s.timestamp, s.public, s.priority, s.is_latest, s.content_ref, s.envelope`

// Filter selects statements for QueryStatements. Zero fields are ignored.
type Filter struct {
	Author    *statement.Attribute
	Recipient *statement.Attribute
	Type      statement.Type
	Signer    string
	Since     time.Time
	Until     time.Time

	// Viewpoint restricts results to statements whose author is within MaxDistance of it.
	Viewpoint   *statement.Attribute
	MaxDistance int

	// Search matches comments and attribute values by substring.
	Search     string
	PublicOnly bool

	Limit  int
	Offset int
}

// InsertStatement stores a statement and its attribute rows.
func (c queries) InsertStatement(ctx context.Context, s *statement.Statement) error {
	var contentRef any
	if s.ContentRef != "" {
		contentRef = s.ContentRef
	}
	_, err := c.Exec(ctx, `
		INSERT INTO statements (hash, signer_key_id, type, rating, min_rating, max_rating, comment,
			timestamp, public, priority, is_latest, content_ref, envelope)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.Hash, s.SignerKeyID, string(s.Type), s.Rating, s.MinRating, s.MaxRating, s.Comment,
		s.Timestamp.Unix(), boolInt(s.Public), s.Priority, boolInt(s.IsLatest), contentRef, s.Envelope)
	if err != nil {
		return fmt.Errorf("failed to insert statement %s: %w", s.Hash, err)
	}

	for recipient, attrs := range [][]statement.Attribute{s.Author, s.Recipient} {
		for _, a := range attrs {
			if _, err := c.Exec(ctx, `
				INSERT OR IGNORE INTO statement_attributes (statement_hash, name, value, is_recipient)
				VALUES (?, ?, ?, ?)
			`, s.Hash, a.Name, a.Value, recipient); err != nil {
				return fmt.Errorf("failed to insert attribute %s: %w", a, err)
			}
		}
	}
	return nil
}

// DeleteStatements removes statements and their attribute rows.
func (c queries) DeleteStatements(ctx context.Context, hashes ...string) error {
	for _, h := range hashes {
		if _, err := c.Exec(ctx, `DELETE FROM statement_attributes WHERE statement_hash = ?`, h); err != nil {
			return fmt.Errorf("failed to delete attributes of %s: %w", h, err)
		}
		if _, err := c.Exec(ctx, `DELETE FROM statements WHERE hash = ?`, h); err != nil {
			return fmt.Errorf("failed to delete statement %s: %w", h, err)
		}
	}
	return nil
}

// GetStatement loads one statement with its attributes.
func (c queries) GetStatement(ctx context.Context, hash string) (*statement.Statement, error) {
	row := c.QueryRow(ctx, `SELECT `+statementColumns+` FROM statements s WHERE s.hash = ?`, hash)
	s, err := scanStatement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("statement %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := c.loadAttributes(ctx, []*statement.Statement{s}); err != nil {
		return nil, err
	}
	return s, nil
}

// ContentRef reports whether a statement exists and its content-store reference.
func (c queries) ContentRef(ctx context.Context, hash string) (ref string, exists bool, err error) {
	var ns sql.NullString
	err = c.QueryRow(ctx, `SELECT content_ref FROM statements WHERE hash = ?`, hash).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return ns.String, true, nil
}

// SetContentRef attaches a content-store reference to a stored statement.
func (c queries) SetContentRef(ctx context.Context, hash, ref string) error {
	_, err := c.Exec(ctx, `UPDATE statements SET content_ref = ? WHERE hash = ?`, ref, hash)
	return err
}

// CountStatements returns the number of stored statements.
func (c queries) CountStatements(ctx context.Context) (int, error) {
	var n int
	if err := c.QueryRow(ctx, `SELECT COUNT(*) FROM statements`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return n, nil
}

// QueryStatements returns statements matching f, newest first.
func (c queries) QueryStatements(ctx context.Context, f Filter) ([]*statement.Statement, error) {
	var where []string
	var args []any

	attrClause := func(a *statement.Attribute, recipient int) {
		where = append(where, `EXISTS (SELECT 1 FROM statement_attributes a
			WHERE a.statement_hash = s.hash AND a.is_recipient = ? AND a.name = ? AND a.value = ?)`)
		args = append(args, recipient, a.Name, a.Value)
	}
	if f.Author != nil {
		attrClause(f.Author, 0)
	}
	if f.Recipient != nil {
		attrClause(f.Recipient, 1)
	}
	if f.Type != "" {
		where = append(where, "s.type = ?")
		args = append(args, string(f.Type))
	}
	if f.Signer != "" {
		where = append(where, "s.signer_key_id = ?")
		args = append(args, f.Signer)
	}
	if !f.Since.IsZero() {
		where = append(where, "s.timestamp >= ?")
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		where = append(where, "s.timestamp <= ?")
		args = append(args, f.Until.Unix())
	}
	if f.PublicOnly {
		where = append(where, "s.public = 1")
	}
	if f.Viewpoint != nil {
		where = append(where, `EXISTS (SELECT 1 FROM statement_attributes a
			JOIN trust_distances td ON td.target_name = a.name AND td.target_value = a.value
			WHERE a.statement_hash = s.hash AND a.is_recipient = 0
				AND td.root_name = ? AND td.root_value = ? AND td.distance <= ?)`)
		maxDist := f.MaxDistance
		if maxDist <= 0 {
			maxDist = 1 << 30
		}
		args = append(args, f.Viewpoint.Name, f.Viewpoint.Value, maxDist)
	}
	if f.Search != "" {
		pattern := "%" + escapeLike(f.Search) + "%"
		where = append(where, `(s.comment LIKE ? ESCAPE '\' OR EXISTS (SELECT 1 FROM statement_attributes a
			WHERE a.statement_hash = s.hash AND a.value LIKE ? ESCAPE '\'))`)
		args = append(args, pattern, pattern)
	}

	query := `SELECT ` + statementColumns + ` FROM statements s`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY s.timestamp DESC, s.hash ASC"

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := c.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*statement.Statement
	for rows.Next() {
		s, err := scanStatement(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	rows.Close()

	if err := c.loadAttributes(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Strings returns the values of a single-column query.
func (c queries) Strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := c.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return hashes, nil
}

// MarkPublished records the messages-index key a statement was published under.
func (c queries) MarkPublished(ctx context.Context, hash, indexKey string) error {
	_, err := c.Exec(ctx, `UPDATE statements SET published = 1, index_key = ? WHERE hash = ?`, indexKey, hash)
	return err
}

// ClearPublished forgets every statement's publication state.
func (c queries) ClearPublished(ctx context.Context) error {
	_, err := c.Exec(ctx, `UPDATE statements SET published = 0, index_key = NULL`)
	return err
}

// PublishedByAuthor returns the messages-index keys of published statements with an author among
// attrs, by statement hash.
func (c queries) PublishedByAuthor(ctx context.Context, attrs []statement.Attribute) (map[string]string, error) {
	out := make(map[string]string)
	for _, a := range attrs {
		rows, err := c.Query(ctx, `
			SELECT DISTINCT s.hash, s.index_key FROM statements s
			JOIN statement_attributes a ON a.statement_hash = s.hash AND a.is_recipient = 0
			WHERE s.published = 1 AND a.name = ? AND a.value = ?
		`, a.Name, a.Value)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var hash string
			var key sql.NullString
			if err := rows.Scan(&hash, &key); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: %v", ErrStorage, err)
			}
			if key.Valid {
				out[hash] = key.String
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return out, nil
}

// Unpublish marks a statement as missing from the published index.
func (c queries) Unpublish(ctx context.Context, hash string) error {
	_, err := c.Exec(ctx, `UPDATE statements SET published = 0, index_key = NULL WHERE hash = ?`, hash)
	return err
}

// PublishedIndexKey returns the messages-index key of a published statement.
func (c queries) PublishedIndexKey(ctx context.Context, hash string) (string, bool, error) {
	var key sql.NullString
	err := c.QueryRow(ctx, `SELECT index_key FROM statements WHERE hash = ? AND published = 1`, hash).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return key.String, key.Valid, nil
}

// CountUnpublished returns the number of public statements not yet in the published index.
func (c queries) CountUnpublished(ctx context.Context) (int, error) {
	var n int
	if err := c.QueryRow(ctx, `SELECT COUNT(*) FROM statements WHERE published = 0 AND public = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return n, nil
}

// UnpublishedStatements returns public statements not yet in the published index, oldest first.
func (c queries) UnpublishedStatements(ctx context.Context) ([]*statement.Statement, error) {
	rows, err := c.Query(ctx, `SELECT `+statementColumns+` FROM statements s
		WHERE s.published = 0 AND s.public = 1 ORDER BY s.timestamp ASC, s.hash ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*statement.Statement
	for rows.Next() {
		s, err := scanStatement(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	rows.Close()

	if err := c.loadAttributes(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c queries) loadAttributes(ctx context.Context, stmts []*statement.Statement) error {
	for _, s := range stmts {
		rows, err := c.Query(ctx, `
			SELECT name, value, is_recipient FROM statement_attributes
			WHERE statement_hash = ? ORDER BY is_recipient, rowid
		`, s.Hash)
		if err != nil {
			return err
		}
		s.Author, s.Recipient = nil, nil
		for rows.Next() {
			var a statement.Attribute
			var recipient int
			if err := rows.Scan(&a.Name, &a.Value, &recipient); err != nil {
				rows.Close()
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
			if recipient == 1 {
				s.Recipient = append(s.Recipient, a)
			} else {
				s.Author = append(s.Author, a)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStatement(row scanner) (*statement.Statement, error) {
	var (
		s          statement.Statement
		typ        string
		ts         int64
		public     int
		latest     int
		contentRef sql.NullString
	)
	if err := row.Scan(&s.Hash, &s.SignerKeyID, &typ, &s.Rating, &s.MinRating, &s.MaxRating,
		&s.Comment, &ts, &public, &s.Priority, &latest, &contentRef, &s.Envelope); err != nil {
		return nil, err
	}
	s.Type = statement.Type(typ)
	s.Timestamp = time.Unix(ts, 0).UTC()
	s.Public = public == 1
	s.IsLatest = latest == 1
	s.ContentRef = contentRef.String
	return &s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
