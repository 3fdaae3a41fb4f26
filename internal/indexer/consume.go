package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/ipfs/go-cid"

	"github.com/spacedatanetwork/sdn-trust/internal/admission"
	"github.com/spacedatanetwork/sdn-trust/internal/contentstore"
	"github.com/spacedatanetwork/sdn-trust/internal/merkleindex"
	"github.com/spacedatanetwork/sdn-trust/internal/statement"
)

// ErrNoNameSystem is returned when a peer sync is requested without a name system.
var ErrNoNameSystem = errors.New("no name system configured")

// SyncResult counts what consuming a peer's index did.
type SyncResult struct {
	Directory  string `json:"directory"`
	Admitted   int    `json:"admitted"`
	Duplicates int    `json:"duplicates"`
	Superseded int    `json:"superseded"`
	Failed     int    `json:"failed"`
}

// SyncPeer resolves name to a peer's directory and consumes it.
func (ix *Indexer) SyncPeer(ctx context.Context, name string) (SyncResult, error) {
	dir, err := ix.Resolve(ctx, name)
	if err != nil {
		return SyncResult{}, err
	}

	res, err := ix.Consume(ctx, dir)
	if err != nil {
		return res, err
	}
	log.Infof("Synced %s (%s): %d admitted, %d duplicates, %d superseded, %d failed",
		name, dir, res.Admitted, res.Duplicates, res.Superseded, res.Failed)
	return res, nil
}

// Resolve looks up the directory published under name, retrying transient failures.
func (ix *Indexer) Resolve(ctx context.Context, name string) (cid.Cid, error) {
	ns := ix.nameSystem()
	if ns == nil {
		return cid.Undef, ErrNoNameSystem
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 3 * ix.cfg.NetworkTimeout

	var dir cid.Cid
	err := backoff.Retry(func() error {
		rctx, cancel := context.WithTimeout(ctx, ix.cfg.NetworkTimeout)
		defer cancel()
		c, err := ns.Resolve(rctx, name)
		if errors.Is(err, contentstore.ErrNameNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Debugf("Resolving %s: %v", name, err)
			return err
		}
		dir = c
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	return dir, nil
}

// Consume admits every statement in the messages-by-distance index of a directory, nearest first,
// and then updates the local indexes. Statements that fail to parse or admit are skipped.
func (ix *Indexer) Consume(ctx context.Context, dir cid.Cid) (SyncResult, error) {
	res := SyncResult{Directory: dir.String()}
	if ix.admitter == nil {
		return res, errors.New("indexer has no admitter")
	}

	var d Directory
	if err := ix.blocks.GetNode(ctx, dir, &d); err != nil {
		return res, fmt.Errorf("failed to load directory %s: %w", dir, err)
	}
	tree, err := merkleindex.Load(ctx, ix.blocks, d.MessagesByDistance, ix.cfg.MaxChildren)
	if err != nil {
		return res, fmt.Errorf("failed to load messages of %s: %w", dir, err)
	}

	err = tree.Walk(ctx, func(e merkleindex.Entry) error {
		s, err := statement.Parse(e.Value)
		if err != nil {
			log.Warnf("Skipping malformed statement %s: %v", e.Key, err)
			res.Failed++
			ConsumedCount.WithLabelValues("failed").Inc()
			return nil
		}
		outcome, err := ix.admitter.Admit(ctx, s, admission.WithoutReindex())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnf("Skipping statement %s: %v", e.Key, err)
			res.Failed++
			ConsumedCount.WithLabelValues("failed").Inc()
			return nil
		}
		switch outcome {
		case admission.Admitted, admission.Updated:
			res.Admitted++
		case admission.Duplicate:
			res.Duplicates++
		case admission.Superseded:
			res.Superseded++
		}
		ConsumedCount.WithLabelValues(outcome.String()).Inc()
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to walk messages of %s: %w", dir, err)
	}

	if res.Admitted > 0 {
		if _, err := ix.Update(ctx); err != nil {
			log.Warnf("Index update after sync failed: %v", err)
		}
	}
	return res, nil
}

// SearchPeer searches the identities in the directory published under name.
func (ix *Indexer) SearchPeer(ctx context.Context, name, term string, limit int) ([]Profile, error) {
	dir, err := ix.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	return ix.SearchIdentities(ctx, dir, term, limit)
}

// SearchIdentities looks up profiles in a directory's identities-by-searchkey index whose values
// start with term.
func (ix *Indexer) SearchIdentities(ctx context.Context, dir cid.Cid, term string, limit int) ([]Profile, error) {
	var d Directory
	if err := ix.blocks.GetNode(ctx, dir, &d); err != nil {
		return nil, fmt.Errorf("failed to load directory %s: %w", dir, err)
	}
	tree, err := merkleindex.Load(ctx, ix.blocks, d.IdentitiesBySearchKey, ix.cfg.MaxChildren)
	if err != nil {
		return nil, err
	}
	entries, err := tree.Search(ctx, merkleindex.Query{Prefix: SearchPrefix(term)})
	if err != nil {
		return nil, err
	}

	seen := make(map[cid.Cid]bool)
	var out []Profile
	for _, e := range entries {
		if !e.Target.Defined() || seen[e.Target] {
			continue
		}
		seen[e.Target] = true
		var p Profile
		if err := ix.blocks.GetNode(ctx, e.Target, &p); err != nil {
			return nil, fmt.Errorf("failed to load profile %s: %w", e.Target, err)
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
