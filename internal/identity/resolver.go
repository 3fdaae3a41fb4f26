// Package identity clusters attributes that belong to the same entity, as seen from a viewpoint.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/spacedatanetwork/sdn-trust/internal/statement"
	"github.com/spacedatanetwork/sdn-trust/internal/storage"
)

var log = logging.Logger("identity")

// ErrFixpointNotReached is returned when sibling discovery does not converge within the iteration cap.
var ErrFixpointNotReached = fmt.Errorf("%w: identity fixpoint not reached", storage.ErrStorage)

// DefaultMaxIterations bounds sibling discovery when no cap is configured.
const DefaultMaxIterations = 50

// Member is an attribute of an identity with the trusted (un)verifications linking it.
type Member struct {
	statement.Attribute
	Confirmations int `json:"confirmations"`
	Refutations   int `json:"refutations"`
}

// Score ranks members within an identity.
func (m Member) Score() int {
	return m.Confirmations - m.Refutations
}

// Identity is a cluster of attributes under one viewpoint, members ranked by score.
type Identity struct {
	ID        int                 `json:"id"`
	Viewpoint statement.Attribute `json:"viewpoint"`
	Members   []Member            `json:"members"`
}

// Attributes returns the member attributes.
func (i *Identity) Attributes() []statement.Attribute {
	out := make([]statement.Attribute, 0, len(i.Members))
	for _, m := range i.Members {
		out = append(out, m.Attribute)
	}
	return out
}

// Resolver maps attributes to identities. Calls for the same viewpoint are serialized.
type Resolver struct {
	store         *storage.Store
	viewpoint     statement.Attribute
	maxIterations int

	mu    sync.Mutex
	locks map[statement.Attribute]*sync.Mutex
}

// NewResolver creates a resolver whose default viewpoint is the local root.
func NewResolver(store *storage.Store, root statement.Attribute, maxIterations int) *Resolver {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Resolver{
		store:         store,
		viewpoint:     root,
		maxIterations: maxIterations,
		locks:         make(map[statement.Attribute]*sync.Mutex),
	}
}

func (r *Resolver) lock(viewpoint statement.Attribute) func() {
	r.mu.Lock()
	l, ok := r.locks[viewpoint]
	if !ok {
		l = &sync.Mutex{}
		r.locks[viewpoint] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (r *Resolver) orDefault(viewpoint statement.Attribute) statement.Attribute {
	if viewpoint.IsZero() {
		return r.viewpoint
	}
	return viewpoint
}

// Resolve recomputes the identity of attr under viewpoint and returns it ranked. Without
// forceCreate an attribute that appears in no statement resolves to nil.
func (r *Resolver) Resolve(ctx context.Context, attr, viewpoint statement.Attribute, forceCreate bool) (*Identity, error) {
	viewpoint = r.orDefault(viewpoint)

	if !forceCreate {
		var one int
		err := r.store.QueryRow(ctx, `SELECT 1 FROM statement_attributes WHERE name = ? AND value = ? LIMIT 1`,
			attr.Name, attr.Value).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
		}
	}

	unlock := r.lock(viewpoint)
	defer unlock()

	var id, iterations int
	err := r.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		id, err = claimIdentity(ctx, tx, viewpoint, attr)
		if err != nil {
			return err
		}
		if err := insertMember(ctx, tx, viewpoint, id, Member{Attribute: attr, Confirmations: 1}); err != nil {
			return err
		}

		iterations, err = r.expand(ctx, tx, viewpoint, id, attr)
		if err != nil {
			return err
		}
		return updateStats(ctx, tx, viewpoint, attr, id)
	})
	if err != nil {
		if errors.Is(err, ErrFixpointNotReached) {
			log.Errorf("Identity of %s under %s did not converge in %d iterations", attr, viewpoint, r.maxIterations)
		}
		return nil, err
	}

	ident, err := r.load(ctx, r.store, viewpoint, id)
	if err != nil {
		return nil, err
	}
	log.Debugf("Resolved %s under %s to identity %d with %d members in %d iterations",
		attr, viewpoint, id, len(ident.Members), iterations)
	return ident, nil
}

// claimIdentity returns the identity id of attr, clearing its previous members, or allocates a new one.
func claimIdentity(ctx context.Context, tx *storage.Tx, viewpoint, attr statement.Attribute) (int, error) {
	var id int
	err := tx.QueryRow(ctx, `
		SELECT identity_id FROM identity_attributes
		WHERE viewpoint_name = ? AND viewpoint_value = ? AND name = ? AND value = ?
	`, viewpoint.Name, viewpoint.Value, attr.Name, attr.Value).Scan(&id)
	switch {
	case err == nil:
		if _, err := tx.Exec(ctx, `
			DELETE FROM identity_attributes
			WHERE viewpoint_name = ? AND viewpoint_value = ? AND identity_id = ?
		`, viewpoint.Name, viewpoint.Value, id); err != nil {
			return 0, fmt.Errorf("failed to clear identity %d: %w", id, err)
		}
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(identity_id), 0) + 1 FROM identity_attributes
			WHERE viewpoint_name = ? AND viewpoint_value = ?
		`, viewpoint.Name, viewpoint.Value).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", storage.ErrStorage, err)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
}

func insertMember(ctx context.Context, tx *storage.Tx, viewpoint statement.Attribute, id int, m Member) error {
	_, err := tx.Exec(ctx, `
		INSERT OR IGNORE INTO identity_attributes
			(viewpoint_name, viewpoint_value, identity_id, name, value, confirmations, refutations)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, viewpoint.Name, viewpoint.Value, id, m.Name, m.Value, m.Confirmations, m.Refutations)
	if err != nil {
		return fmt.Errorf("failed to insert identity member %s: %w", m.Attribute, err)
	}
	return nil
}

// expand runs sibling discovery from anchor until no new member is found.
func (r *Resolver) expand(ctx context.Context, tx *storage.Tx, viewpoint statement.Attribute, id int, anchor statement.Attribute) (int, error) {
	members := map[statement.Attribute]bool{anchor: true}
	frontier := []statement.Attribute{anchor}
	var previous []statement.Attribute

	for i := 1; ; i++ {
		if i > r.maxIterations {
			return i - 1, ErrFixpointNotReached
		}

		candidates := make(map[statement.Attribute]Member)
		for _, m := range frontier {
			siblings, err := trustedSiblings(ctx, tx, viewpoint, m)
			if err != nil {
				return i, err
			}
			for _, s := range siblings {
				if members[s.Attribute] {
					continue
				}
				if prev, ok := candidates[s.Attribute]; !ok || s.Score() > prev.Score() {
					candidates[s.Attribute] = s
				}
			}
		}

		var inserted []statement.Attribute
		for _, c := range sortedMembers(candidates) {
			owned, err := ownedElsewhere(ctx, tx, viewpoint, id, c.Attribute)
			if err != nil {
				return i, err
			}
			if owned {
				continue
			}
			if err := insertMember(ctx, tx, viewpoint, id, c); err != nil {
				return i, err
			}
			members[c.Attribute] = true
			inserted = append(inserted, c.Attribute)
		}

		if len(inserted) == 0 || sameSet(inserted, previous) {
			return i, nil
		}
		previous = inserted
		frontier = inserted
	}
}

// trustedSiblings returns the unique-type attributes appearing on the same side as m on statements
// signed by a key trusted from viewpoint, with their trusted (un)verification counts.
func trustedSiblings(ctx context.Context, tx *storage.Tx, viewpoint, m statement.Attribute) ([]Member, error) {
	rows, err := tx.Query(ctx, `
		SELECT sib.name, sib.value,
			COUNT(DISTINCT CASE WHEN s.type = 'verify_identity' THEN s.hash END),
			COUNT(DISTINCT CASE WHEN s.type = 'unverify_identity' THEN s.hash END)
		FROM statement_attributes m
		JOIN statements s ON s.hash = m.statement_hash
		JOIN statement_attributes sib
			ON sib.statement_hash = s.hash AND sib.is_recipient = m.is_recipient
		JOIN unique_attribute_types u ON u.name = sib.name
		JOIN trust_distances td
			ON td.root_name = ? AND td.root_value = ?
			AND td.target_name = 'keyID' AND td.target_value = s.signer_key_id
		WHERE m.name = ? AND m.value = ?
			AND NOT (sib.name = m.name AND sib.value = m.value)
		GROUP BY sib.name, sib.value
	`, viewpoint.Name, viewpoint.Value, m.Name, m.Value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var s Member
		if err := rows.Scan(&s.Name, &s.Value, &s.Confirmations, &s.Refutations); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	return out, nil
}

func ownedElsewhere(ctx context.Context, tx *storage.Tx, viewpoint statement.Attribute, id int, a statement.Attribute) (bool, error) {
	var other int
	err := tx.QueryRow(ctx, `
		SELECT identity_id FROM identity_attributes
		WHERE viewpoint_name = ? AND viewpoint_value = ? AND name = ? AND value = ?
	`, viewpoint.Name, viewpoint.Value, a.Name, a.Value).Scan(&other)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	return other != id, nil
}

// Cluster returns the stored identity of attr under viewpoint without recomputing it.
func (r *Resolver) Cluster(ctx context.Context, attr, viewpoint statement.Attribute) (*Identity, error) {
	viewpoint = r.orDefault(viewpoint)

	var id int
	err := r.store.QueryRow(ctx, `
		SELECT identity_id FROM identity_attributes
		WHERE viewpoint_name = ? AND viewpoint_value = ? AND name = ? AND value = ?
	`, viewpoint.Name, viewpoint.Value, attr.Name, attr.Value).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	return r.load(ctx, r.store, viewpoint, id)
}

// Search returns stored identities with a member value containing term.
func (r *Resolver) Search(ctx context.Context, viewpoint statement.Attribute, term string, limit int) ([]*Identity, error) {
	viewpoint = r.orDefault(viewpoint)
	if limit <= 0 {
		limit = -1
	}

	pattern := "%" + strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term) + "%"
	rows, err := r.store.Query(ctx, `
		SELECT DISTINCT identity_id FROM identity_attributes
		WHERE viewpoint_name = ? AND viewpoint_value = ? AND value LIKE ? ESCAPE '\'
		ORDER BY identity_id LIMIT ?
	`, viewpoint.Name, viewpoint.Value, pattern, limit)
	if err != nil {
		return nil, err
	}
	ids, err := scanInts(rows)
	if err != nil {
		return nil, err
	}

	out := make([]*Identity, 0, len(ids))
	for _, id := range ids {
		ident, err := r.load(ctx, r.store, viewpoint, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, nil
}

// All returns every stored identity under viewpoint, ordered by id.
func (r *Resolver) All(ctx context.Context, viewpoint statement.Attribute) ([]*Identity, error) {
	viewpoint = r.orDefault(viewpoint)
	rows, err := r.store.Query(ctx, `
		SELECT DISTINCT identity_id FROM identity_attributes
		WHERE viewpoint_name = ? AND viewpoint_value = ? ORDER BY identity_id
	`, viewpoint.Name, viewpoint.Value)
	if err != nil {
		return nil, err
	}
	ids, err := scanInts(rows)
	if err != nil {
		return nil, err
	}

	out := make([]*Identity, 0, len(ids))
	for _, id := range ids {
		ident, err := r.load(ctx, r.store, viewpoint, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, nil
}

type rowQuerier interface {
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *Resolver) load(ctx context.Context, q rowQuerier, viewpoint statement.Attribute, id int) (*Identity, error) {
	rows, err := q.Query(ctx, `
		SELECT name, value, confirmations, refutations FROM identity_attributes
		WHERE viewpoint_name = ? AND viewpoint_value = ? AND identity_id = ?
		ORDER BY confirmations - refutations DESC, name, value
	`, viewpoint.Name, viewpoint.Value, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ident := &Identity{ID: id, Viewpoint: viewpoint}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.Name, &m.Value, &m.Confirmations, &m.Refutations); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
		}
		ident.Members = append(ident.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	return ident, nil
}

func scanInts(rows *sql.Rows) ([]int, error) {
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	return out, nil
}

func sortedMembers(m map[statement.Attribute]Member) []Member {
	out := make([]Member, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func sameSet(a, b []statement.Attribute) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[statement.Attribute]bool, len(a))
	for _, x := range a {
		seen[x] = true
	}
	for _, y := range b {
		if !seen[y] {
			return false
		}
	}
	return true
}
