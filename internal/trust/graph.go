// Package trust computes web-of-trust distances from a root attribute.
//
// Distances are built layer by layer with relational inserts: every layer d reads the edges of
// layer d-1 and adds an edge for each target not yet reached, so the first edge written for a
// target is its minimum distance.
package trust

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/spacedatanetwork/sdn-trust/internal/statement"
	"github.com/spacedatanetwork/sdn-trust/internal/storage"
)

var log = logging.Logger("trust-graph")

// ErrNoTrustedSigner is returned when the root is not a key and no trusted signer was given.
var ErrNoTrustedSigner = errors.New("trusted signer required for a non-key root")

// positiveRating matches latest ratings above the midpoint of their scale.
const positiveRating = `s.type = 'rating' AND s.is_latest = 1 AND s.rating * 2 > s.min_rating + s.max_rating`

// Result summarizes one graph computation.
type Result struct {
	Root     statement.Attribute
	Edges    int
	Duration time.Duration
}

// Builder computes and maintains trust distances. Computations for the same root are serialized;
// different roots proceed independently.
type Builder struct {
	store *storage.Store

	mu    sync.Mutex
	locks map[statement.Attribute]*sync.Mutex
}

// NewBuilder creates a builder over store.
func NewBuilder(store *storage.Store) *Builder {
	return &Builder{
		store: store,
		locks: make(map[statement.Attribute]*sync.Mutex),
	}
}

func (b *Builder) lock(root statement.Attribute) func() {
	b.mu.Lock()
	l, ok := b.locks[root]
	if !ok {
		l = &sync.Mutex{}
		b.locks[root] = l
	}
	b.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// TrustedKey returns the key the keyID subgraph is grown from: the root itself when it is a key,
// otherwise the trusted signer.
func TrustedKey(root statement.Attribute, trustedSigner string) (statement.Attribute, error) {
	if root.IsKey() {
		return root, nil
	}
	if trustedSigner == "" {
		return statement.Attribute{}, fmt.Errorf("%w: root %s", ErrNoTrustedSigner, root)
	}
	return statement.Attribute{Name: statement.KeyID, Value: trustedSigner}, nil
}

// Compute rebuilds every trust edge of root up to maxDepth in one transaction.
func (b *Builder) Compute(ctx context.Context, root statement.Attribute, maxDepth int, trustedSigner string) (Result, error) {
	trustedKey, err := TrustedKey(root, trustedSigner)
	if err != nil {
		return Result{}, err
	}

	unlock := b.lock(root)
	defer unlock()

	start := time.Now()
	err = b.store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := resetRoot(ctx, tx, root); err != nil {
			return err
		}
		if trustedKey != root {
			if err := resetRoot(ctx, tx, trustedKey); err != nil {
				return err
			}
		}

		for d := 1; d <= maxDepth; d++ {
			n, err := extendKeyLayer(ctx, tx, trustedKey, d)
			if err != nil {
				return fmt.Errorf("failed to extend key layer %d: %w", d, err)
			}
			log.Debugf("Key layer %d from %s: %d edges", d, trustedKey, n)
		}
		for d := 1; d <= maxDepth; d++ {
			n, err := extendUniqueLayer(ctx, tx, root, trustedKey, d)
			if err != nil {
				return fmt.Errorf("failed to extend layer %d: %w", d, err)
			}
			log.Debugf("Layer %d from %s: %d edges", d, root, n)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	edges, err := b.store.CountDistances(ctx, root)
	if err != nil {
		return Result{}, err
	}
	res := Result{Root: root, Edges: edges, Duration: time.Since(start)}
	log.Infof("Computed trust graph for %s: %d edges up to depth %d in %v", root, edges, maxDepth, res.Duration)
	return res, nil
}

func resetRoot(ctx context.Context, tx *storage.Tx, root statement.Attribute) error {
	if _, err := tx.Exec(ctx, `DELETE FROM trust_distances WHERE root_name = ? AND root_value = ?`,
		root.Name, root.Value); err != nil {
		return fmt.Errorf("failed to clear edges of %s: %w", root, err)
	}
	_, err := tx.Exec(ctx, `INSERT INTO trust_distances (root_name, root_value, target_name, target_value, distance)
		VALUES (?, ?, ?, ?, 0)`, root.Name, root.Value, root.Name, root.Value)
	if err != nil {
		return fmt.Errorf("failed to insert self edge of %s: %w", root, err)
	}
	return nil
}

// extendKeyLayer adds keyID targets rated positively by a key at distance d-1 that signed the
// rating itself.
func extendKeyLayer(ctx context.Context, tx *storage.Tx, trustedKey statement.Attribute, d int) (int64, error) {
	res, err := tx.Exec(ctx, `
		INSERT OR IGNORE INTO trust_distances (root_name, root_value, target_name, target_value, distance)
		SELECT DISTINCT ?, ?, recipient.name, recipient.value, ?
		FROM statements s
		JOIN statement_attributes author
			ON author.statement_hash = s.hash AND author.is_recipient = 0 AND author.name = 'keyID'
			AND author.value = s.signer_key_id
		JOIN statement_attributes recipient
			ON recipient.statement_hash = s.hash AND recipient.is_recipient = 1 AND recipient.name = 'keyID'
		JOIN trust_distances td
			ON td.root_name = ? AND td.root_value = ?
			AND td.target_name = 'keyID' AND td.target_value = author.value AND td.distance = ?
		WHERE `+positiveRating+`
			AND NOT EXISTS (SELECT 1 FROM trust_distances e
				WHERE e.root_name = ? AND e.root_value = ?
				AND e.target_name = recipient.name AND e.target_value = recipient.value)
	`, trustedKey.Name, trustedKey.Value, d,
		trustedKey.Name, trustedKey.Value, d-1,
		trustedKey.Name, trustedKey.Value)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// extendUniqueLayer adds unique-type targets rated positively by a unique-type author at distance
// d-1, on statements whose signer is trusted from trustedKey.
func extendUniqueLayer(ctx context.Context, tx *storage.Tx, root, trustedKey statement.Attribute, d int) (int64, error) {
	res, err := tx.Exec(ctx, `
		INSERT OR IGNORE INTO trust_distances (root_name, root_value, target_name, target_value, distance)
		SELECT DISTINCT ?, ?, recipient.name, recipient.value, ?
		FROM statements s
		JOIN statement_attributes author ON author.statement_hash = s.hash AND author.is_recipient = 0
		JOIN unique_attribute_types ua ON ua.name = author.name
		JOIN statement_attributes recipient ON recipient.statement_hash = s.hash AND recipient.is_recipient = 1
		JOIN unique_attribute_types ur ON ur.name = recipient.name
		JOIN trust_distances td
			ON td.root_name = ? AND td.root_value = ?
			AND td.target_name = author.name AND td.target_value = author.value AND td.distance = ?
		WHERE `+positiveRating+`
			AND (s.signer_key_id = ? OR EXISTS (SELECT 1 FROM trust_distances sd
				WHERE sd.root_name = ? AND sd.root_value = ?
				AND sd.target_name = 'keyID' AND sd.target_value = s.signer_key_id))
			AND NOT EXISTS (SELECT 1 FROM trust_distances e
				WHERE e.root_name = ? AND e.root_value = ?
				AND e.target_name = recipient.name AND e.target_value = recipient.value)
	`, root.Name, root.Value, d,
		root.Name, root.Value, d-1,
		trustedKey.Value, trustedKey.Name, trustedKey.Value,
		root.Name, root.Value)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Extend adds the one-hop edges a newly admitted statement contributes to root's graph without a
// full rebuild. Existing edges are only ever shortened. It returns the targets whose distance from
// root changed.
func (b *Builder) Extend(ctx context.Context, root statement.Attribute, maxDepth int, trustedSigner string, s *statement.Statement) ([]statement.Attribute, error) {
	if !s.IsPositive() {
		return nil, nil
	}
	trustedKey, err := TrustedKey(root, trustedSigner)
	if err != nil {
		return nil, err
	}

	unlock := b.lock(root)
	defer unlock()

	written := 0
	var changed []statement.Attribute
	seen := make(map[statement.Attribute]bool)
	upsert := func(tx *storage.Tx, from, target statement.Attribute, d int) error {
		n, err := upsertEdge(ctx, tx, from, target, d)
		if err != nil {
			return err
		}
		written += n
		if n > 0 && from == root && !seen[target] {
			seen[target] = true
			changed = append(changed, target)
		}
		return nil
	}

	err = b.store.WithTx(ctx, func(tx *storage.Tx) error {
		signer := s.SignerAttribute()
		signerDist, signerTrusted, err := tx.Distance(ctx, trustedKey, signer)
		if err != nil {
			return err
		}
		if !signerTrusted {
			return nil
		}

		// keyID subgraph: the signer vouches for recipient keys when it is also the author.
		authoredBySigner := false
		for _, a := range s.AuthorKeys() {
			if a == signer {
				authoredBySigner = true
			}
		}
		if authoredBySigner && signerDist+1 <= maxDepth {
			for _, r := range s.RecipientKeys() {
				if err := upsert(tx, trustedKey, r, signerDist+1); err != nil {
					return err
				}
			}
		}

		authorDist, authorTrusted, err := tx.MinDistance(ctx, root, b.store.UniqueAttributes(s.Author))
		if err != nil {
			return err
		}
		if !authorTrusted || authorDist+1 > maxDepth {
			return nil
		}
		for _, r := range b.store.UniqueAttributes(s.Recipient) {
			if err := upsert(tx, root, r, authorDist+1); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extend trust graph of %s: %w", root, err)
	}
	if written > 0 {
		log.Debugf("Extended trust graph of %s by %d edges from %s", root, written, s.Hash)
	}
	return changed, nil
}

func upsertEdge(ctx context.Context, tx *storage.Tx, root, target statement.Attribute, d int) (int, error) {
	res, err := tx.Exec(ctx, `
		INSERT INTO trust_distances (root_name, root_value, target_name, target_value, distance)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(root_name, root_value, target_name, target_value)
		DO UPDATE SET distance = excluded.distance WHERE excluded.distance < trust_distances.distance
	`, root.Name, root.Value, target.Name, target.Value, d)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Distance returns the trust distance from root to target.
func (b *Builder) Distance(ctx context.Context, root, target statement.Attribute) (int, bool, error) {
	return b.store.Distance(ctx, root, target)
}

// MinDistance returns the smallest trust distance from root to any of attrs.
func (b *Builder) MinDistance(ctx context.Context, root statement.Attribute, attrs []statement.Attribute) (int, bool, error) {
	return b.store.MinDistance(ctx, root, attrs)
}
