package admission

import (
	"context"
	"fmt"
	"sort"

	"github.com/spacedatanetwork/sdn-trust/internal/statement"
	"github.com/spacedatanetwork/sdn-trust/internal/storage"
)

type stored struct {
	hash      string
	timestamp int64
}

// newerThan reports whether the stored statement wins over s. Equal timestamps are broken by hash.
func (st stored) newerThan(s *statement.Statement) bool {
	ts := s.Timestamp.Unix()
	return st.timestamp > ts || (st.timestamp == ts && st.hash > s.Hash)
}

// resolveConflicts removes the statements s replaces. It reports true when s itself is replaced by
// a newer stored statement and must not be stored.
func (a *Admitter) resolveConflicts(ctx context.Context, tx *storage.Tx, s *statement.Statement) (bool, error) {
	if s.Type.IsVerification() {
		return a.resolveVerifications(ctx, tx, s)
	}

	conflicts, err := conflicting(ctx, tx, s, true)
	if err != nil {
		return false, err
	}
	for _, c := range conflicts {
		if c.newerThan(s) {
			log.Debugf("Statement %s superseded by %s", s.Hash, c.hash)
			return true, nil
		}
	}
	if len(conflicts) == 0 {
		return false, nil
	}

	hashes := make([]string, len(conflicts))
	for i, c := range conflicts {
		hashes[i] = c.hash
	}
	log.Debugf("Statement %s supersedes %d older statements", s.Hash, len(hashes))
	return false, a.removeStatements(ctx, tx, hashes)
}

// resolveVerifications drops verifications with the same recipient set and keeps the
// MaxVerifications most recent verifications per signer and author, counting s. It reports true
// when s is older than every verification that stays.
func (a *Admitter) resolveVerifications(ctx context.Context, tx *storage.Tx, s *statement.Statement) (bool, error) {
	sameType, err := conflicting(ctx, tx, s, false)
	if err != nil {
		return false, err
	}

	want := recipientSet(s.Recipient)
	replaced := make(map[string]bool)
	var remove []string
	for _, c := range sameType {
		got, err := tx.Strings(ctx, `
			SELECT DISTINCT name || ':' || value FROM statement_attributes
			WHERE statement_hash = ? AND is_recipient = 1 ORDER BY 1
		`, c.hash)
		if err != nil {
			return false, err
		}
		if !equalStrings(got, want) {
			continue
		}
		if c.newerThan(s) {
			return true, nil
		}
		replaced[c.hash] = true
		remove = append(remove, c.hash)
	}

	authorMatch, args := attrMatch("a", s.Author)
	all, err := queryStored(ctx, tx, `
		SELECT s.hash, s.timestamp FROM statements s
		WHERE s.signer_key_id = ? AND s.type IN ('verify_identity', 'unverify_identity')
			AND EXISTS (SELECT 1 FROM statement_attributes a
				WHERE a.statement_hash = s.hash AND a.is_recipient = 0
				AND `+authorMatch+`)
		ORDER BY s.timestamp ASC, s.hash ASC
	`, append([]any{s.SignerKeyID}, args...)...)
	if err != nil {
		return false, err
	}
	window := make([]stored, 0, len(all))
	older := 0
	for _, w := range all {
		if replaced[w.hash] {
			continue
		}
		window = append(window, w)
		if !w.newerThan(s) {
			older++
		}
	}

	// window is oldest first; the oldest excess of window plus s fall out.
	excess := len(window) + 1 - a.cfg.MaxVerifications
	superseded := excess > 0 && older < excess
	if superseded {
		excess--
	}
	for i := 0; i < excess; i++ {
		remove = append(remove, window[i].hash)
	}
	if excess > 0 {
		log.Debugf("Dropping %d old verifications of %s", excess, s.SignerKeyID)
	}
	if superseded {
		log.Debugf("Verification %s is older than the %d kept", s.Hash, a.cfg.MaxVerifications)
	}
	return superseded, a.removeStatements(ctx, tx, remove)
}

// conflicting returns stored statements from the same signer with the same type that share an
// author attribute with s, and also a recipient attribute when matchRecipient is set.
func conflicting(ctx context.Context, tx *storage.Tx, s *statement.Statement, matchRecipient bool) ([]stored, error) {
	authorMatch, args := attrMatch("a", s.Author)
	query := `
		SELECT s.hash, s.timestamp FROM statements s
		WHERE s.signer_key_id = ? AND s.type = ?
			AND EXISTS (SELECT 1 FROM statement_attributes a
				WHERE a.statement_hash = s.hash AND a.is_recipient = 0
				AND ` + authorMatch + `)`
	args = append([]any{s.SignerKeyID, string(s.Type)}, args...)
	if matchRecipient {
		recipientMatch, rargs := attrMatch("r", s.Recipient)
		query += `
			AND EXISTS (SELECT 1 FROM statement_attributes r
				WHERE r.statement_hash = s.hash AND r.is_recipient = 1
				AND ` + recipientMatch + `)`
		args = append(args, rargs...)
	}
	query += ` ORDER BY s.timestamp ASC, s.hash ASC`
	return queryStored(ctx, tx, query, args...)
}

func queryStored(ctx context.Context, tx *storage.Tx, query string, args ...any) ([]stored, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stored
	for rows.Next() {
		var st stored
		if err := rows.Scan(&st.hash, &st.timestamp); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	return out, nil
}

func recipientSet(attrs []statement.Attribute) []string {
	seen := make(map[string]bool, len(attrs))
	var out []string
	for _, a := range attrs {
		k := a.String()
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
