// Package reputation wires the statement store, trust graph, identity resolver, admission and
// index engine of one node into the operations its API and CLI expose.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/spacedatanetwork/sdn-trust/internal/admission"
	"github.com/spacedatanetwork/sdn-trust/internal/config"
	"github.com/spacedatanetwork/sdn-trust/internal/contentstore"
	"github.com/spacedatanetwork/sdn-trust/internal/identity"
	"github.com/spacedatanetwork/sdn-trust/internal/indexer"
	"github.com/spacedatanetwork/sdn-trust/internal/statement"
	"github.com/spacedatanetwork/sdn-trust/internal/storage"
	"github.com/spacedatanetwork/sdn-trust/internal/trust"
)

var log = logging.Logger("reputation")

// ErrNoSigningKey is returned when a statement is to be signed by a node without a key.
var ErrNoSigningKey = errors.New("node has no signing key")

// Stats summarizes the node state.
type Stats struct {
	KeyID      string              `json:"keyID"`
	Root       statement.Attribute `json:"root"`
	Statements int                 `json:"statements"`
	TrustEdges int                 `json:"trustEdges"`
	Viewpoints []Viewpoint         `json:"viewpoints"`
	Directory  string              `json:"directory,omitempty"`
}

// Viewpoint is a trust-indexed attribute.
type Viewpoint struct {
	Attribute statement.Attribute `json:"attribute"`
	Depth     int                 `json:"depth"`
}

// Service is the reputation node.
type Service struct {
	cfg   *config.Config
	key   crypto.PrivKey
	keyID string
	root  statement.Attribute

	store    *storage.Store
	blocks   *contentstore.Store
	builder  *trust.Builder
	resolver *identity.Resolver
	admitter *admission.Admitter
	index    *indexer.Indexer

	owned bool

	mu     sync.Mutex
	closed bool
}

// Open opens the stores under cfg.Storage.Path and creates the service.
func Open(ctx context.Context, cfg *config.Config, key crypto.PrivKey) (*Service, error) {
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open statement store: %w", err)
	}
	blocks, err := contentstore.Open(filepath.Join(cfg.Storage.Path, "blocks"), cfg.Storage.BlobCacheSize)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}

	s, err := New(ctx, cfg, key, store, blocks)
	if err != nil {
		blocks.Close()
		store.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New creates the service over already opened stores, computes the trust graph of every
// viewpoint and schedules a full index rebuild.
func New(ctx context.Context, cfg *config.Config, key crypto.PrivKey, store *storage.Store, blocks *contentstore.Store) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		key:    key,
		store:  store,
		blocks: blocks,
	}
	if key != nil {
		id, err := statement.KeyIDFromPublicKey(key.GetPublic())
		if err != nil {
			return nil, err
		}
		s.keyID = id
	}

	s.root = statement.Attribute{Name: cfg.Trust.Root.Name, Value: cfg.Trust.Root.Value}
	if s.root.Value == "" {
		if s.keyID == "" {
			return nil, errors.New("trust root not configured and no node key")
		}
		s.root = statement.Attribute{Name: statement.KeyID, Value: s.keyID}
	}
	if s.root.Name == "" {
		s.root.Name = statement.KeyID
	}

	if err := store.SetUniqueTypes(ctx, cfg.Trust.UniqueTypes); err != nil {
		return nil, err
	}
	if err := store.AddTrustIndexedAttribute(ctx, s.root, cfg.Trust.MaxDepth); err != nil {
		return nil, fmt.Errorf("failed to register root viewpoint: %w", err)
	}
	for _, v := range cfg.Trust.Viewpoints {
		depth := v.Depth
		if depth <= 0 {
			depth = cfg.Trust.MaxDepth
		}
		if err := store.AddTrustIndexedAttribute(ctx, statement.NewAttribute(v.Name, v.Value), depth); err != nil {
			return nil, fmt.Errorf("failed to register viewpoint %s: %w", v.Name, err)
		}
	}

	s.builder = trust.NewBuilder(store)
	s.resolver = identity.NewResolver(store, s.root, cfg.Identity.MaxIterations)
	s.admitter = admission.New(store, admission.Config{
		Root:             s.root,
		TrustedSigner:    cfg.Trust.TrustedSigner,
		MaxStatements:    cfg.Storage.MaxStatements,
		MaxVerifications: cfg.Admission.MaxVerifications,
		EvictionBatch:    cfg.Admission.EvictionBatch,
		ChurnThreshold:   cfg.Index.ChurnThreshold,
		ArchiveTimeout:   config.Duration(cfg.Admission.ArchiveTimeout, 5*time.Second),
	}, blocks)
	s.admitter.OnAdmit(s.onAdmit)

	ixCfg := indexer.Config{
		Root:           s.root,
		RootKeyID:      s.keyID,
		Attributes:     []statement.Attribute{s.root},
		ChurnThreshold: cfg.Index.ChurnThreshold,
		MaxChildren:    cfg.Index.MaxChildren,
		Interval:       config.Duration(cfg.Index.Interval, 10*time.Second),
		NetworkTimeout: config.Duration(cfg.Index.NetworkTimeout, 30*time.Second),
	}
	if cfg.Index.Publish {
		ixCfg.Name = s.keyID
	}
	s.index = indexer.New(store, blocks, s.resolver, s.admitter, ixCfg)
	// Offline, the node's own name resolves from the block store. The network replaces this.
	s.index.SetNameSystem(contentstore.NewLocalNames(blocks.Datastore()))

	if err := s.ComputeGraphs(ctx); err != nil {
		return nil, err
	}
	if err := s.index.RequestFullRebuild(ctx); err != nil {
		return nil, fmt.Errorf("failed to schedule index rebuild: %w", err)
	}

	log.Infof("Reputation service ready (root %s, key %s)", s.root, s.keyID)
	return s, nil
}

// Root returns the local trust root.
func (s *Service) Root() statement.Attribute { return s.root }

// KeyID returns the node's keyID, or "" without a key.
func (s *Service) KeyID() string { return s.keyID }

// Store returns the statement store.
func (s *Service) Store() *storage.Store { return s.store }

// Blocks returns the content store.
func (s *Service) Blocks() *contentstore.Store { return s.blocks }

// Indexer returns the index engine.
func (s *Service) Indexer() *indexer.Indexer { return s.index }

// signerFor returns the trusted signer gating the graph of a non-key viewpoint.
func (s *Service) signerFor(v statement.Attribute) string {
	if v.IsKey() {
		return ""
	}
	if s.cfg.Trust.TrustedSigner != "" {
		return s.cfg.Trust.TrustedSigner
	}
	return s.keyID
}

// ComputeGraphs rebuilds the trust graph of every viewpoint. A viewpoint that cannot be built is
// logged and skipped.
func (s *Service) ComputeGraphs(ctx context.Context) error {
	viewpoints, err := s.store.TrustIndexedAttributes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list viewpoints: %w", err)
	}
	for _, v := range viewpoints {
		if _, err := s.builder.Compute(ctx, v.Attribute, v.Depth, s.signerFor(v.Attribute)); err != nil {
			if errors.Is(err, trust.ErrNoTrustedSigner) {
				log.Warnf("Skipping trust graph of %s: %v", v.Attribute, err)
				continue
			}
			return err
		}
	}
	return nil
}

// onAdmit updates the derived tables for a newly stored statement.
func (s *Service) onAdmit(ctx context.Context, st *statement.Statement) {
	viewpoints, err := s.store.TrustIndexedAttributes(ctx)
	if err != nil {
		log.Errorf("Failed to list viewpoints: %v", err)
		return
	}

	if st.IsPositive() {
		for _, v := range viewpoints {
			changed, err := s.builder.Extend(ctx, v.Attribute, v.Depth, s.signerFor(v.Attribute), st)
			if err != nil {
				if !errors.Is(err, trust.ErrNoTrustedSigner) {
					log.Warnf("Failed to extend trust graph of %s: %v", v.Attribute, err)
				}
				continue
			}
			// Index keys carry distances from the root only.
			if v.Attribute == s.root {
				if err := s.index.Rekey(ctx, changed); err != nil {
					log.Warnf("Failed to rekey index after trust change: %v", err)
				}
			}
		}
	}

	if st.Type.IsVerification() {
		for _, v := range viewpoints {
			for _, a := range st.Recipient {
				if _, err := s.resolver.Resolve(ctx, a, v.Attribute, false); err != nil {
					log.Warnf("Failed to resolve identity of %s under %s: %v", a, v.Attribute, err)
				}
			}
		}
	}
}

// AdmitStatement parses a signed envelope and admits it.
func (s *Service) AdmitStatement(ctx context.Context, envelope []byte) (*statement.Statement, admission.Outcome, error) {
	st, err := statement.Parse(envelope)
	if err != nil {
		return nil, admission.Rejected, err
	}
	outcome, err := s.admitter.Admit(ctx, st)
	if err != nil {
		return nil, admission.Rejected, err
	}
	return st, outcome, nil
}

// SignStatement signs a draft with the node key and admits it.
func (s *Service) SignStatement(ctx context.Context, d statement.Draft) (*statement.Statement, admission.Outcome, error) {
	if s.key == nil {
		return nil, admission.Rejected, ErrNoSigningKey
	}
	if len(d.Author) == 0 {
		d.Author = []statement.Attribute{{Name: statement.KeyID, Value: s.keyID}}
	}
	st, err := statement.Sign(s.key, d)
	if err != nil {
		return nil, admission.Rejected, err
	}
	outcome, err := s.admitter.Admit(ctx, st)
	if err != nil {
		return nil, admission.Rejected, err
	}
	return st, outcome, nil
}

// QueryStatements returns stored statements matching f.
func (s *Service) QueryStatements(ctx context.Context, f storage.Filter) ([]*statement.Statement, error) {
	return s.store.QueryStatements(ctx, f)
}

// StatementCount returns the number of stored statements.
func (s *Service) StatementCount(ctx context.Context) (int, error) {
	return s.store.CountStatements(ctx)
}

// QueryIdentityAttributes returns the identities under viewpoint (the root when zero). With a
// search term it returns every stored identity with a matching member; otherwise it resolves
// attr and returns its identity, if any.
func (s *Service) QueryIdentityAttributes(ctx context.Context, attr, viewpoint statement.Attribute, search string, limit int) ([]*identity.Identity, error) {
	if search != "" {
		return s.resolver.Search(ctx, viewpoint, search, limit)
	}
	if attr.IsZero() {
		return nil, fmt.Errorf("%w: attribute or search term required", statement.ErrInvalid)
	}
	ident, err := s.resolver.Resolve(ctx, attr, viewpoint, false)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, nil
	}
	return []*identity.Identity{ident}, nil
}

// IdentityStats returns the receipt statistics of attr under viewpoint.
func (s *Service) IdentityStats(ctx context.Context, attr, viewpoint statement.Attribute) (*identity.Stats, error) {
	return s.resolver.Stats(ctx, attr, viewpoint)
}

// TrustDistance returns the distance from a to b, if b is in a's trust graph.
func (s *Service) TrustDistance(ctx context.Context, a, b statement.Attribute) (int, bool, error) {
	return s.builder.Distance(ctx, a, b)
}

// AddTrustIndexedAttribute makes attr a viewpoint and computes its trust graph.
func (s *Service) AddTrustIndexedAttribute(ctx context.Context, attr statement.Attribute, depth int) error {
	if depth <= 0 {
		depth = s.cfg.Trust.MaxDepth
	}
	if err := s.store.AddTrustIndexedAttribute(ctx, attr, depth); err != nil {
		return fmt.Errorf("failed to add viewpoint %s: %w", attr, err)
	}
	if _, err := s.builder.Compute(ctx, attr, depth, s.signerFor(attr)); err != nil {
		return err
	}
	if attr == s.root {
		return s.index.RequestFullRebuild(ctx)
	}
	return nil
}

// Viewpoints returns the trust-indexed attributes.
func (s *Service) Viewpoints(ctx context.Context) ([]Viewpoint, error) {
	vs, err := s.store.TrustIndexedAttributes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Viewpoint, len(vs))
	for i, v := range vs {
		out[i] = Viewpoint{Attribute: v.Attribute, Depth: v.Depth}
	}
	return out, nil
}

// TriggerFullReindex recomputes the trust graphs and rebuilds every index.
func (s *Service) TriggerFullReindex(ctx context.Context) (indexer.Kind, error) {
	if err := s.ComputeGraphs(ctx); err != nil {
		return indexer.None, err
	}
	if err := s.index.RequestFullRebuild(ctx); err != nil {
		return indexer.None, err
	}
	return s.index.Update(ctx)
}

// TriggerPeerSync consumes the index published under name. Statements admitted from a peer skip
// the per-statement hooks, so the trust graphs are recomputed afterwards.
func (s *Service) TriggerPeerSync(ctx context.Context, name string) (indexer.SyncResult, error) {
	res, err := s.index.SyncPeer(ctx, name)
	if err != nil {
		return res, err
	}
	if res.Admitted > 0 {
		if err := s.ComputeGraphs(ctx); err != nil {
			return res, err
		}
		if err := s.index.RequestFullRebuild(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// SearchPeerIdentities searches the identities published under a peer's name.
func (s *Service) SearchPeerIdentities(ctx context.Context, name, term string, limit int) ([]indexer.Profile, error) {
	return s.index.SearchPeer(ctx, name, term, limit)
}

// Stats summarizes the node.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st := Stats{KeyID: s.keyID, Root: s.root}
	var err error
	if st.Statements, err = s.store.CountStatements(ctx); err != nil {
		return st, err
	}
	if st.TrustEdges, err = s.store.CountDistances(ctx, s.root); err != nil {
		return st, err
	}
	if st.Viewpoints, err = s.Viewpoints(ctx); err != nil {
		return st, err
	}
	dir, _, err := s.index.Directory(ctx)
	if err != nil {
		return st, err
	}
	if dir.Defined() {
		st.Directory = dir.String()
	}
	return st, nil
}

// Directory returns the CID of the current published directory.
func (s *Service) Directory(ctx context.Context) (cid.Cid, error) {
	c, _, err := s.index.Directory(ctx)
	return c, err
}

// Run keeps the indexes current and syncs the configured peers until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if s.cfg.Index.Enabled {
		g.Go(func() error {
			if _, err := s.index.Update(ctx); err != nil {
				log.Errorf("Initial index build failed: %v", err)
			}
			s.index.Run(ctx)
			return nil
		})
	}
	if len(s.cfg.Index.SyncPeers) > 0 {
		g.Go(func() error {
			s.syncLoop(ctx, config.Duration(s.cfg.Index.SyncInterval, 10*time.Minute))
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, name := range s.cfg.Index.SyncPeers {
			if _, err := s.TriggerPeerSync(ctx, name); err != nil && ctx.Err() == nil {
				log.Warnf("Sync with %s failed: %v", name, err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close closes the stores opened by Open.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.owned {
		return nil
	}
	s.closed = true
	return errors.Join(s.blocks.Close(), s.store.Close())
}
