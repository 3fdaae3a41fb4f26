// Package admission stores incoming statements: it removes duplicates, resolves conflicts with
// earlier statements, assigns trust priorities and keeps the store within its bound.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacedatanetwork/sdn-trust/internal/statement"
	"github.com/spacedatanetwork/sdn-trust/internal/storage"
	"github.com/spacedatanetwork/sdn-trust/internal/trust"
)

var log = logging.Logger("admission")

// AdmittedCount counts admissions by outcome.
var AdmittedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sdn_trust",
	Subsystem: "admission",
	Name:      "statements_total",
	Help:      "Statements offered for admission, by outcome.",
}, []string{"outcome"})

// EvictedCount counts statements evicted to keep the store within its bound.
var EvictedCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "sdn_trust",
	Subsystem: "admission",
	Name:      "evicted_total",
	Help:      "Statements evicted to keep the store within its bound.",
})

// Outcome is the result of admitting a statement.
type Outcome int

const (
	// Rejected is returned with every admission error; nothing was stored.
	Rejected Outcome = iota
	// Admitted means the statement was stored.
	Admitted
	// Updated means the statement was already stored and gained a content reference.
	Updated
	// Duplicate means the statement was already stored; nothing changed.
	Duplicate
	// Superseded means a newer statement of the same signer, type, author and recipient is stored.
	Superseded
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case Rejected:
		return "rejected"
	case Admitted:
		return "admitted"
	case Updated:
		return "updated"
	case Duplicate:
		return "duplicate"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// Archiver stores a statement envelope in the content store and returns its reference.
type Archiver interface {
	Archive(ctx context.Context, envelope []byte) (string, error)
}

// Hook runs after a statement was stored, outside the admission transaction.
type Hook func(ctx context.Context, s *statement.Statement)

// Config controls admission.
type Config struct {
	Root          statement.Attribute
	TrustedSigner string

	// MaxStatements bounds the store; 0 disables eviction.
	MaxStatements    int
	MaxVerifications int
	EvictionBatch    int
	// ChurnThreshold stops stale profile keys from being recorded once that many removals are pending.
	ChurnThreshold int
	ArchiveTimeout time.Duration
}

// Admitter admits statements into the store.
type Admitter struct {
	store    *storage.Store
	cfg      Config
	archiver Archiver

	mu    sync.RWMutex
	hooks []Hook
}

// New creates an admitter. archiver may be nil.
func New(store *storage.Store, cfg Config, archiver Archiver) *Admitter {
	if cfg.MaxVerifications <= 0 {
		cfg.MaxVerifications = 10
	}
	if cfg.EvictionBatch <= 0 {
		cfg.EvictionBatch = 100
	}
	if cfg.ChurnThreshold <= 0 {
		cfg.ChurnThreshold = 30
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 5 * time.Second
	}
	return &Admitter{store: store, cfg: cfg, archiver: archiver}
}

// OnAdmit registers a hook run for every newly stored statement unless admission suppresses it.
func (a *Admitter) OnAdmit(h Hook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, h)
}

type options struct {
	skipHooks   bool
	skipArchive bool
}

// Option modifies a single admission.
type Option func(*options)

// WithoutReindex suppresses the admission hooks, used when many statements are admitted in bulk.
func WithoutReindex() Option {
	return func(o *options) { o.skipHooks = true }
}

// WithoutArchive skips archival to the content store.
func WithoutArchive() Option {
	return func(o *options) { o.skipArchive = true }
}

// Admit validates and stores s. Invalid statements return an error wrapping statement.ErrInvalid.
func (a *Admitter) Admit(ctx context.Context, s *statement.Statement, opts ...Option) (Outcome, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := s.DeriveSignerKeyID(); err != nil {
		return Rejected, err
	}
	if err := s.Validate(); err != nil {
		return Rejected, err
	}
	if s.Hash == "" {
		s.Hash = statement.Hash(s.Envelope)
	}

	if !o.skipArchive && a.archiver != nil && s.ContentRef == "" {
		s.ContentRef = a.archive(ctx, s)
	}

	var outcome Outcome
	err := a.store.WithTx(ctx, func(tx *storage.Tx) error {
		ref, exists, err := tx.ContentRef(ctx, s.Hash)
		if err != nil {
			return err
		}
		if exists {
			if ref == "" && s.ContentRef != "" {
				outcome = Updated
				return tx.SetContentRef(ctx, s.Hash, s.ContentRef)
			}
			outcome = Duplicate
			return nil
		}

		superseded, err := a.resolveConflicts(ctx, tx, s)
		if err != nil {
			return err
		}
		if superseded {
			outcome = Superseded
			return nil
		}

		if err := a.recordStaleProfiles(ctx, tx, s.Attributes()); err != nil {
			return err
		}
		if err := a.evict(ctx, tx); err != nil {
			return err
		}

		d, err := a.distances(ctx, tx, s)
		if err != nil {
			return err
		}
		s.Priority = Priority(d)
		s.IsLatest = true
		if err := tx.InsertStatement(ctx, s); err != nil {
			return err
		}
		outcome = Admitted
		return nil
	})
	if err != nil {
		return Rejected, fmt.Errorf("failed to admit statement %s: %w", s.Hash, err)
	}

	AdmittedCount.WithLabelValues(outcome.String()).Inc()
	log.Debugf("Statement %s from %s: %s (priority %d)", s.Hash, s.SignerKeyID, outcome, s.Priority)

	if outcome == Admitted && !o.skipHooks {
		a.mu.RLock()
		hooks := append([]Hook(nil), a.hooks...)
		a.mu.RUnlock()
		for _, h := range hooks {
			h(ctx, s)
		}
	}
	return outcome, nil
}

// archive stores the envelope in the content store. Failures only cost the reference.
func (a *Admitter) archive(ctx context.Context, s *statement.Statement) string {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ArchiveTimeout)
	defer cancel()

	ref, err := a.archiver.Archive(ctx, s.Envelope)
	if err != nil {
		log.Warnf("Failed to archive statement %s: %v", s.Hash, err)
		return ""
	}
	return ref
}

// distances looks up the trust distances of the signer and authors of s.
func (a *Admitter) distances(ctx context.Context, tx *storage.Tx, s *statement.Statement) (Distances, error) {
	d := Distances{
		Author:          UnknownDistance,
		HasAuthorKey:    len(s.AuthorKeys()) > 0,
		HasRecipientKey: len(s.RecipientKeys()) > 0,
	}
	if a.cfg.Root.IsZero() {
		return d, nil
	}

	signerRoot, err := trust.TrustedKey(a.cfg.Root, a.cfg.TrustedSigner)
	if err != nil {
		signerRoot = a.cfg.Root
	}
	d.Signer, d.SignerTrusted, err = tx.Distance(ctx, signerRoot, s.SignerAttribute())
	if err != nil {
		return d, err
	}

	author, ok, err := tx.MinDistance(ctx, a.cfg.Root, s.Author)
	if err != nil {
		return d, err
	}
	if ok {
		d.Author = author
	}
	return d, nil
}

// recordStaleProfiles schedules the published profile keys of every identity in attrs for
// removal, until enough removals are pending that the next index update is a full rebuild.
func (a *Admitter) recordStaleProfiles(ctx context.Context, tx *storage.Tx, attrs []statement.Attribute) error {
	pending, err := tx.CountIndexRemovals(ctx)
	if err != nil {
		return err
	}
	if pending >= a.cfg.ChurnThreshold {
		return nil
	}

	cids, err := tx.ProfilesFor(ctx, attrs)
	if err != nil {
		return err
	}
	for _, cid := range cids {
		keys, err := tx.ProfileKeys(ctx, cid)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := tx.AddIndexRemoval(ctx, k); err != nil {
				return err
			}
		}
		if err := tx.ForgetProfile(ctx, cid); err != nil {
			return err
		}
	}
	return nil
}

// evict deletes the lowest-priority, oldest statements when storing one more would exceed the bound.
func (a *Admitter) evict(ctx context.Context, tx *storage.Tx) error {
	if a.cfg.MaxStatements <= 0 {
		return nil
	}
	count, err := tx.CountStatements(ctx)
	if err != nil {
		return err
	}
	total := count + 1
	if total <= a.cfg.MaxStatements {
		return nil
	}

	batch := (a.cfg.MaxStatements + 9) / 10
	if a.cfg.EvictionBatch < batch {
		batch = a.cfg.EvictionBatch
	}
	if over := total - a.cfg.MaxStatements; over > batch {
		batch = over
	}

	hashes, err := tx.Strings(ctx, `
		SELECT hash FROM statements ORDER BY priority ASC, timestamp ASC, hash ASC LIMIT ?
	`, batch)
	if err != nil {
		return err
	}
	if err := a.removeStatements(ctx, tx, hashes); err != nil {
		return err
	}

	EvictedCount.Add(float64(len(hashes)))
	log.Infof("Evicted %d statements (store at %d of %d)", len(hashes), count, a.cfg.MaxStatements)
	return nil
}

// removeStatements deletes statements, scheduling the published ones for removal from the index.
func (a *Admitter) removeStatements(ctx context.Context, tx *storage.Tx, hashes []string) error {
	for _, h := range hashes {
		key, published, err := tx.PublishedIndexKey(ctx, h)
		if err != nil {
			return err
		}
		if !published {
			continue
		}
		if err := tx.AddIndexRemoval(ctx, storage.IndexKey{Index: storage.MessagesIndex, Key: key}); err != nil {
			return err
		}
		old, err := tx.GetStatement(ctx, h)
		if err != nil {
			return err
		}
		if err := a.recordStaleProfiles(ctx, tx, old.Attributes()); err != nil {
			return err
		}
	}
	return tx.DeleteStatements(ctx, hashes...)
}

// Metrics returns the admission collectors for registration.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{AdmittedCount, EvictedCount}
}

// attrMatch returns a condition matching any of attrs on the given statement_attributes alias.
func attrMatch(alias string, attrs []statement.Attribute) (string, []any) {
	parts := make([]string, len(attrs))
	args := make([]any, 0, 2*len(attrs))
	for i, a := range attrs {
		parts[i] = "(" + alias + ".name = ? AND " + alias + ".value = ?)"
		args = append(args, a.Name, a.Value)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}
