package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spacedatanetwork/sdn-trust/internal/statement"
)

// Viewpoint is a trust-indexed attribute and the depth its trust graph is built to.
type Viewpoint struct {
	Attribute statement.Attribute
	Depth     int
}

// Published index families. Keys are recorded in their distance-ordered form; the second view of
// each family is derived by stripping the distance prefix.
const (
	MessagesIndex   = "messages"
	IdentitiesIndex = "identities"
)

// IndexKey names one entry of a published index.
type IndexKey struct {
	Index string
	Key   string
}

// GetSetting returns a stored setting.
func (c queries) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value sql.NullString
	err := c.QueryRow(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return value.String, true, nil
}

// SetSetting stores a setting.
func (c queries) SetSetting(ctx context.Context, key, value string) error {
	_, err := c.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

// Distance returns the trust distance from root to target.
func (c queries) Distance(ctx context.Context, root, target statement.Attribute) (int, bool, error) {
	var d int
	err := c.QueryRow(ctx, `
		SELECT distance FROM trust_distances
		WHERE root_name = ? AND root_value = ? AND target_name = ? AND target_value = ?
	`, root.Name, root.Value, target.Name, target.Value).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return d, true, nil
}

// MinDistance returns the smallest trust distance from root to any of attrs.
func (c queries) MinDistance(ctx context.Context, root statement.Attribute, attrs []statement.Attribute) (int, bool, error) {
	best, found := 0, false
	for _, a := range attrs {
		d, ok, err := c.Distance(ctx, root, a)
		if err != nil {
			return 0, false, err
		}
		if ok && (!found || d < best) {
			best, found = d, true
		}
	}
	return best, found, nil
}

// CountDistances returns the number of trust edges recorded for root.
func (c queries) CountDistances(ctx context.Context, root statement.Attribute) (int, error) {
	var n int
	err := c.QueryRow(ctx, `SELECT COUNT(*) FROM trust_distances WHERE root_name = ? AND root_value = ?`,
		root.Name, root.Value).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return n, nil
}

// TrustIndexedAttributes returns the configured viewpoints.
func (c queries) TrustIndexedAttributes(ctx context.Context) ([]Viewpoint, error) {
	rows, err := c.Query(ctx, `SELECT name, value, depth FROM trust_indexed_attributes ORDER BY name, value`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Viewpoint
	for rows.Next() {
		var v Viewpoint
		if err := rows.Scan(&v.Attribute.Name, &v.Attribute.Value, &v.Depth); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return out, nil
}

// AddTrustIndexedAttribute registers (or updates the depth of) a viewpoint.
func (c queries) AddTrustIndexedAttribute(ctx context.Context, attr statement.Attribute, depth int) error {
	_, err := c.Exec(ctx, `
		INSERT INTO trust_indexed_attributes (name, value, depth) VALUES (?, ?, ?)
		ON CONFLICT(name, value) DO UPDATE SET depth = excluded.depth
	`, attr.Name, attr.Value, depth)
	return err
}

// AddIndexRemoval schedules an index key for deletion by the next incremental update.
func (c queries) AddIndexRemoval(ctx context.Context, k IndexKey) error {
	_, err := c.Exec(ctx, `INSERT OR IGNORE INTO index_removals (index_name, key) VALUES (?, ?)`, k.Index, k.Key)
	return err
}

// IndexRemovals returns the pending index removals.
func (c queries) IndexRemovals(ctx context.Context) ([]IndexKey, error) {
	rows, err := c.Query(ctx, `SELECT index_name, key FROM index_removals ORDER BY index_name, key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIndexKeys(rows)
}

// CountIndexRemovals returns the number of pending index removals.
func (c queries) CountIndexRemovals(ctx context.Context) (int, error) {
	var n int
	if err := c.QueryRow(ctx, `SELECT COUNT(*) FROM index_removals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return n, nil
}

// DeleteIndexRemoval drops one pending index removal once it has been applied.
func (c queries) DeleteIndexRemoval(ctx context.Context, k IndexKey) error {
	_, err := c.Exec(ctx, `DELETE FROM index_removals WHERE index_name = ? AND key = ?`, k.Index, k.Key)
	return err
}

// ClearIndexRemovals drops all pending index removals.
func (c queries) ClearIndexRemovals(ctx context.Context) error {
	_, err := c.Exec(ctx, `DELETE FROM index_removals`)
	return err
}

// RecordProfile remembers a published identity profile, its member attributes and the index keys
// it was published under.
func (c queries) RecordProfile(ctx context.Context, cid string, attrs []statement.Attribute, keys []IndexKey) error {
	for _, a := range attrs {
		if _, err := c.Exec(ctx, `INSERT OR IGNORE INTO published_profiles (profile_cid, name, value) VALUES (?, ?, ?)`,
			cid, a.Name, a.Value); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if _, err := c.Exec(ctx, `
			INSERT INTO published_profile_keys (profile_cid, index_name, key) VALUES (?, ?, ?)
			ON CONFLICT(index_name, key) DO UPDATE SET profile_cid = excluded.profile_cid
		`, cid, k.Index, k.Key); err != nil {
			return err
		}
	}
	return nil
}

// ProfilesFor returns the CIDs of published profiles that contain any of attrs.
func (c queries) ProfilesFor(ctx context.Context, attrs []statement.Attribute) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, a := range attrs {
		cids, err := c.Strings(ctx, `SELECT profile_cid FROM published_profiles WHERE name = ? AND value = ?`,
			a.Name, a.Value)
		if err != nil {
			return nil, err
		}
		for _, cid := range cids {
			if !seen[cid] {
				seen[cid] = true
				out = append(out, cid)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// ProfileKeys returns the index keys a published profile was recorded under.
func (c queries) ProfileKeys(ctx context.Context, cid string) ([]IndexKey, error) {
	rows, err := c.Query(ctx, `SELECT index_name, key FROM published_profile_keys WHERE profile_cid = ? ORDER BY index_name, key`, cid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIndexKeys(rows)
}

// CountPendingProfiles returns how many published profiles would be touched by attrs changing.
func (c queries) CountPendingProfiles(ctx context.Context, attrs []statement.Attribute) (int, error) {
	cids, err := c.ProfilesFor(ctx, attrs)
	if err != nil {
		return 0, err
	}
	return len(cids), nil
}

// ForgetProfile drops the bookkeeping of a published profile.
func (c queries) ForgetProfile(ctx context.Context, cid string) error {
	if _, err := c.Exec(ctx, `DELETE FROM published_profiles WHERE profile_cid = ?`, cid); err != nil {
		return err
	}
	_, err := c.Exec(ctx, `DELETE FROM published_profile_keys WHERE profile_cid = ?`, cid)
	return err
}

// ClearPublishedProfiles drops all profile bookkeeping ahead of a full rebuild.
func (c queries) ClearPublishedProfiles(ctx context.Context) error {
	if _, err := c.Exec(ctx, `DELETE FROM published_profiles`); err != nil {
		return err
	}
	_, err := c.Exec(ctx, `DELETE FROM published_profile_keys`)
	return err
}

// PublicAttributes returns every attribute mentioned by a public statement, ordered by name and value.
func (c queries) PublicAttributes(ctx context.Context) ([]statement.Attribute, error) {
	rows, err := c.Query(ctx, `
		SELECT DISTINCT a.name, a.value FROM statement_attributes a
		JOIN statements s ON s.hash = a.statement_hash
		WHERE s.public = 1
		ORDER BY a.name, a.value
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []statement.Attribute
	for rows.Next() {
		var a statement.Attribute
		if err := rows.Scan(&a.Name, &a.Value); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return out, nil
}

// IsPublicAttribute reports whether attr is mentioned by any public statement.
func (c queries) IsPublicAttribute(ctx context.Context, attr statement.Attribute) (bool, error) {
	var n int
	err := c.QueryRow(ctx, `
		SELECT COUNT(*) FROM statement_attributes a
		JOIN statements s ON s.hash = a.statement_hash
		WHERE s.public = 1 AND a.name = ? AND a.value = ?
	`, attr.Name, attr.Value).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return n > 0, nil
}

func scanIndexKeys(rows *sql.Rows) ([]IndexKey, error) {
	var out []IndexKey
	for rows.Next() {
		var k IndexKey
		if err := rows.Scan(&k.Index, &k.Key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return out, nil
}

func (s *Store) loadUniqueTypes(ctx context.Context) error {
	names, err := s.Strings(ctx, `SELECT name FROM unique_attribute_types`)
	if err != nil {
		return fmt.Errorf("failed to load unique attribute types: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uniqueTypes = make(map[string]bool, len(names))
	for _, n := range names {
		s.uniqueTypes[n] = true
	}
	return nil
}

// SetUniqueTypes replaces the set of unique-identifying attribute types.
func (s *Store) SetUniqueTypes(ctx context.Context, names []string) error {
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM unique_attribute_types`); err != nil {
			return err
		}
		for _, n := range names {
			if _, err := tx.Exec(ctx, `INSERT OR IGNORE INTO unique_attribute_types (name) VALUES (?)`, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set unique attribute types: %w", err)
	}
	return s.loadUniqueTypes(ctx)
}

// IsUniqueType reports whether attributes of this type identify exactly one entity.
func (s *Store) IsUniqueType(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uniqueTypes[name]
}

// UniqueAttributes filters attrs to the unique-identifying ones.
func (s *Store) UniqueAttributes(attrs []statement.Attribute) []statement.Attribute {
	var out []statement.Attribute
	for _, a := range attrs {
		if s.IsUniqueType(a.Name) {
			out = append(out, a)
		}
	}
	return out
}
