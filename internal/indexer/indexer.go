// Package indexer builds, publishes and consumes the content-addressed indexes a node shares with
// its peers: messages by distance and by timestamp, identities by distance and by search key.
package indexer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/spacedatanetwork/sdn-trust/internal/admission"
	"github.com/spacedatanetwork/sdn-trust/internal/contentstore"
	"github.com/spacedatanetwork/sdn-trust/internal/identity"
	"github.com/spacedatanetwork/sdn-trust/internal/merkleindex"
	"github.com/spacedatanetwork/sdn-trust/internal/statement"
	"github.com/spacedatanetwork/sdn-trust/internal/storage"
)

var log = logging.Logger("indexer")

// BuildCount counts index builds by kind.
var BuildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sdn_trust",
	Subsystem: "indexer",
	Name:      "builds",
	Help:      "Index builds, by kind.",
}, []string{"kind"})

// BuildDuration observes index build durations by kind.
var BuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "sdn_trust",
	Subsystem: "indexer",
	Name:      "build_duration_seconds",
	Help:      "Index build duration in seconds, by kind.",
	Buckets:   prometheus.DefBuckets,
}, []string{"kind"})

// EntriesWritten counts entries written per index.
var EntriesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sdn_trust",
	Subsystem: "indexer",
	Name:      "entries_written",
	Help:      "Index entries written, by index.",
}, []string{"index"})

// ConsumedCount counts statements consumed from peer indexes by result.
var ConsumedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sdn_trust",
	Subsystem: "indexer",
	Name:      "consumed_statements",
	Help:      "Statements consumed from peer indexes, by result.",
}, []string{"result"})

// Metrics returns the indexer collectors for registration.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{BuildCount, BuildDuration, EntriesWritten, ConsumedCount}
}

const (
	settingDirectory = "index.directory"
	settingFull      = "index.full_required"
)

// Kind is the kind of index update performed.
type Kind int

const (
	None Kind = iota
	Incremental
	Full
)

func (k Kind) String() string {
	switch k {
	case Incremental:
		return "incremental"
	case Full:
		return "full"
	default:
		return "none"
	}
}

// MarshalJSON implements json.Marshaler.
func (k Kind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// Clusters looks up identity clusters.
type Clusters interface {
	Cluster(ctx context.Context, attr, viewpoint statement.Attribute) (*identity.Identity, error)
}

// Admitter admits consumed statements.
type Admitter interface {
	Admit(ctx context.Context, s *statement.Statement, opts ...admission.Option) (admission.Outcome, error)
}

// PublishHook is called with every newly built directory.
type PublishHook func(ctx context.Context, dir cid.Cid)

// Config holds indexer settings.
type Config struct {
	// Root is the viewpoint distances in keys are measured from.
	Root statement.Attribute
	// RootKeyID and Attributes describe this node in the published directory.
	RootKeyID  string
	Attributes []statement.Attribute
	// Name is the mutable name the directory is published under. Empty disables publishing.
	Name string
	// ChurnThreshold is the number of pending changes from which updates rebuild every index.
	ChurnThreshold int
	MaxChildren    int
	Interval       time.Duration
	NetworkTimeout time.Duration
}

// Indexer maintains the published indexes of one node.
type Indexer struct {
	store    *storage.Store
	blocks   *contentstore.Store
	clusters Clusters
	admitter Admitter
	cfg      Config

	flight singleflight.Group

	mu    sync.RWMutex
	names contentstore.NameSystem
	hooks []PublishHook
}

// New creates an indexer. clusters may be nil, in which case every attribute is its own identity.
func New(store *storage.Store, blocks *contentstore.Store, clusters Clusters, admitter Admitter, cfg Config) *Indexer {
	if cfg.ChurnThreshold <= 0 {
		cfg.ChurnThreshold = 30
	}
	if cfg.MaxChildren < 2 {
		cfg.MaxChildren = merkleindex.DefaultMaxChildren
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 30 * time.Second
	}
	return &Indexer{
		store:    store,
		blocks:   blocks,
		clusters: clusters,
		admitter: admitter,
		cfg:      cfg,
	}
}

// SetNameSystem sets where directories are published and peer names resolved.
func (ix *Indexer) SetNameSystem(ns contentstore.NameSystem) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.names = ns
}

func (ix *Indexer) nameSystem() contentstore.NameSystem {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.names
}

// OnPublish registers a hook run after each build.
func (ix *Indexer) OnPublish(h PublishHook) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.hooks = append(ix.hooks, h)
}

// Run updates the indexes every interval until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) {
	ticker := time.NewTicker(ix.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ix.Update(ctx); err != nil {
				log.Errorf("Index update failed: %v", err)
			}
		}
	}
}

// RequestFullRebuild makes the next update rebuild every index from scratch.
func (ix *Indexer) RequestFullRebuild(ctx context.Context) error {
	return ix.store.SetSetting(ctx, settingFull, "1")
}

// Rekey schedules the published entries whose keys depend on the trust distance of attrs for
// rewriting by the next update: messages they authored and the profiles they belong to.
func (ix *Indexer) Rekey(ctx context.Context, attrs []statement.Attribute) error {
	if len(attrs) == 0 {
		return nil
	}
	return ix.store.WithTx(ctx, func(tx *storage.Tx) error {
		messages, err := tx.PublishedByAuthor(ctx, attrs)
		if err != nil {
			return err
		}
		for hash, key := range messages {
			if err := tx.AddIndexRemoval(ctx, storage.IndexKey{Index: storage.MessagesIndex, Key: key}); err != nil {
				return err
			}
			if err := tx.Unpublish(ctx, hash); err != nil {
				return err
			}
		}

		profiles, err := forgetProfiles(ctx, tx, attrs)
		if err != nil {
			return err
		}
		log.Debugf("Rekeying %d messages and %d profiles after trust change of %d attributes",
			len(messages), profiles, len(attrs))
		return nil
	})
}

// forgetProfiles schedules the removal of every recorded profile containing one of attrs, so the
// next update rebuilds them. It returns how many profiles were forgotten.
func forgetProfiles(ctx context.Context, tx *storage.Tx, attrs []statement.Attribute) (int, error) {
	if len(attrs) == 0 {
		return 0, nil
	}
	profiles, err := tx.ProfilesFor(ctx, attrs)
	if err != nil {
		return 0, err
	}
	for _, p := range profiles {
		keys, err := tx.ProfileKeys(ctx, p)
		if err != nil {
			return 0, err
		}
		for _, k := range keys {
			if err := tx.AddIndexRemoval(ctx, k); err != nil {
				return 0, err
			}
		}
		if err := tx.ForgetProfile(ctx, p); err != nil {
			return 0, err
		}
	}
	return len(profiles), nil
}

// Update brings the indexes up to date with the statement store. Concurrent calls share one
// update.
func (ix *Indexer) Update(ctx context.Context) (Kind, error) {
	v, err, _ := ix.flight.Do("update", func() (any, error) {
		return ix.update(ctx)
	})
	if err != nil {
		return None, err
	}
	return v.(Kind), nil
}

func (ix *Indexer) update(ctx context.Context) (Kind, error) {
	removals, err := ix.store.CountIndexRemovals(ctx)
	if err != nil {
		return None, err
	}
	unpublished, err := ix.store.CountUnpublished(ctx)
	if err != nil {
		return None, err
	}
	forced, _, err := ix.store.GetSetting(ctx, settingFull)
	if err != nil {
		return None, err
	}
	_, current, err := ix.Directory(ctx)
	if err != nil {
		log.Warnf("Published index unavailable, rebuilding: %v", err)
	}

	kind := Incremental
	switch {
	case current == nil || forced == "1" || removals+unpublished >= ix.cfg.ChurnThreshold:
		kind = Full
	case removals+unpublished == 0:
		return None, nil
	}

	start := time.Now()
	var dir cid.Cid
	if kind == Full {
		dir, err = ix.full(ctx)
	} else {
		dir, err = ix.incremental(ctx, current)
	}
	if err != nil {
		return None, fmt.Errorf("failed to build %s index: %w", kind, err)
	}
	BuildCount.WithLabelValues(kind.String()).Inc()
	BuildDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	log.Infof("Built %s index %s in %s (%d pending changes)", kind, dir, time.Since(start), removals+unpublished)

	ix.publish(ctx, dir)
	return kind, nil
}

// Directory returns the current directory, or a nil directory if none has been built.
func (ix *Indexer) Directory(ctx context.Context) (cid.Cid, *Directory, error) {
	value, ok, err := ix.store.GetSetting(ctx, settingDirectory)
	if err != nil || !ok {
		return cid.Undef, nil, err
	}
	c, err := cid.Decode(value)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("bad directory setting: %w", err)
	}
	var dir Directory
	if err := ix.blocks.GetNode(ctx, c, &dir); err != nil {
		return cid.Undef, nil, err
	}
	return c, &dir, nil
}

// distances is the part of the store and its transactions that trust distances are read from.
type distances interface {
	MinDistance(ctx context.Context, root statement.Attribute, attrs []statement.Attribute) (int, bool, error)
}

func (ix *Indexer) distance(ctx context.Context, q distances, attrs []statement.Attribute) (int, error) {
	d, ok, err := q.MinDistance(ctx, ix.cfg.Root, attrs)
	if err != nil {
		return 0, err
	}
	if !ok {
		d = UnknownDistance
	}
	return d, nil
}

func (ix *Indexer) messageKey(ctx context.Context, q distances, s *statement.Statement) (string, error) {
	d, err := ix.distance(ctx, q, s.Author)
	if err != nil {
		return "", err
	}
	return MessageKey(d, s.Timestamp, s.Hash), nil
}

// publishedProfile is a profile to record along with the keys it went in under.
type publishedProfile struct {
	cid   cid.Cid
	attrs []statement.Attribute
	keys  []storage.IndexKey
}

// profiles builds the profiles of the identities attrs belong to, skipping duplicates.
func (ix *Indexer) profiles(ctx context.Context, attrs []statement.Attribute) ([]merkleindex.Entry, []publishedProfile, error) {
	groups, err := ix.groups(ctx, attrs)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[cid.Cid]bool)
	var entries []merkleindex.Entry
	var out []publishedProfile
	for _, g := range groups {
		c, err := ix.buildProfile(ctx, g)
		if err != nil {
			return nil, nil, err
		}
		if seen[c] {
			continue
		}
		seen[c] = true

		es, err := ix.profileEntries(ctx, g, c)
		if err != nil {
			return nil, nil, err
		}
		p := publishedProfile{cid: c, attrs: g.attributes()}
		for _, e := range es {
			p.keys = append(p.keys, storage.IndexKey{Index: storage.IdentitiesIndex, Key: e.Key})
		}
		entries = append(entries, es...)
		out = append(out, p)
	}
	return entries, out, nil
}

// full rebuilds every index from a scan of the statement store.
func (ix *Indexer) full(ctx context.Context) (cid.Cid, error) {
	// Removals recorded after this point are kept for the next update.
	removals, err := ix.store.IndexRemovals(ctx)
	if err != nil {
		return cid.Undef, err
	}
	stmts, err := ix.store.QueryStatements(ctx, storage.Filter{PublicOnly: true})
	if err != nil {
		return cid.Undef, err
	}
	published := make(map[string]string, len(stmts))
	messages := make([]merkleindex.Entry, 0, len(stmts))
	for _, s := range stmts {
		key, err := ix.messageKey(ctx, ix.store, s)
		if err != nil {
			return cid.Undef, err
		}
		published[s.Hash] = key
		messages = append(messages, merkleindex.Entry{Key: key, Value: s.Envelope, Target: statementCid(s)})
	}

	attrs, err := ix.store.PublicAttributes(ctx)
	if err != nil {
		return cid.Undef, err
	}
	identities, profiles, err := ix.profiles(ctx, ix.store.UniqueAttributes(attrs))
	if err != nil {
		return cid.Undef, err
	}

	dir := Directory{Info: ix.info()}
	for _, b := range []struct {
		entries  []merkleindex.Entry
		index    string
		byDist   *cid.Cid
		stripped *cid.Cid
	}{
		{messages, storage.MessagesIndex, &dir.MessagesByDistance, &dir.MessagesByTimestamp},
		{identities, storage.IdentitiesIndex, &dir.IdentitiesByDistance, &dir.IdentitiesBySearchKey},
	} {
		byDist, err := merkleindex.FromSortedList(ctx, ix.blocks, sortEntries(b.entries), ix.cfg.MaxChildren)
		if err != nil {
			return cid.Undef, err
		}
		stripped, err := merkleindex.FromSortedList(ctx, ix.blocks, stripView(b.entries), ix.cfg.MaxChildren)
		if err != nil {
			return cid.Undef, err
		}
		*b.byDist, *b.stripped = byDist.Root(), stripped.Root()
		EntriesWritten.WithLabelValues(b.index).Add(float64(2 * len(b.entries)))
	}

	dirCid, err := ix.blocks.PutNode(ctx, dir)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to store directory: %w", err)
	}

	err = ix.store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.ClearPublished(ctx); err != nil {
			return err
		}
		if err := tx.ClearPublishedProfiles(ctx); err != nil {
			return err
		}
		for _, k := range removals {
			if err := tx.DeleteIndexRemoval(ctx, k); err != nil {
				return err
			}
		}
		return ix.commit(ctx, tx, dirCid, stmts, published, profiles)
	})
	if err != nil {
		return cid.Undef, err
	}
	log.Debugf("Full index: %d messages, %d profiles", len(messages), len(profiles))
	return dirCid, nil
}

// incremental applies pending removals and additions to the current indexes.
func (ix *Indexer) incremental(ctx context.Context, current *Directory) (cid.Cid, error) {
	var trees [4]*merkleindex.Tree
	for i, root := range []cid.Cid{
		current.MessagesByDistance, current.MessagesByTimestamp,
		current.IdentitiesByDistance, current.IdentitiesBySearchKey,
	} {
		t, err := merkleindex.Load(ctx, ix.blocks, root, ix.cfg.MaxChildren)
		if err != nil {
			return cid.Undef, err
		}
		trees[i] = t
	}
	msgDist, msgTime, idDist, idSearch := trees[0], trees[1], trees[2], trees[3]

	removals, err := ix.store.IndexRemovals(ctx)
	if err != nil {
		return cid.Undef, err
	}
	var affected []statement.Attribute
	for _, k := range removals {
		byDist, stripped := msgDist, msgTime
		if k.Index == storage.IdentitiesIndex {
			byDist, stripped = idDist, idSearch
			if a, ok := parseIdentityKey(k.Key); ok {
				affected = append(affected, a)
			}
		}
		if _, err := byDist.Delete(ctx, k.Key); err != nil {
			return cid.Undef, err
		}
		if _, err := stripped.Delete(ctx, StripDistance(k.Key)); err != nil {
			return cid.Undef, err
		}
	}

	stmts, err := ix.store.UnpublishedStatements(ctx)
	if err != nil {
		return cid.Undef, err
	}
	published := make(map[string]string, len(stmts))
	for _, s := range stmts {
		key, err := ix.messageKey(ctx, ix.store, s)
		if err != nil {
			return cid.Undef, err
		}
		if err := msgDist.Put(ctx, key, s.Envelope, statementCid(s)); err != nil {
			return cid.Undef, err
		}
		if err := msgTime.Put(ctx, StripDistance(key), s.Envelope, statementCid(s)); err != nil {
			return cid.Undef, err
		}
		published[s.Hash] = key
		affected = append(affected, s.Attributes()...)
	}

	candidates, err := ix.reprofile(ctx, affected)
	if err != nil {
		return cid.Undef, err
	}
	identities, profiles, err := ix.profiles(ctx, candidates)
	if err != nil {
		return cid.Undef, err
	}
	for _, e := range identities {
		if err := idDist.Put(ctx, e.Key, e.Value, e.Target); err != nil {
			return cid.Undef, err
		}
		if err := idSearch.Put(ctx, StripDistance(e.Key), e.Value, e.Target); err != nil {
			return cid.Undef, err
		}
	}
	EntriesWritten.WithLabelValues(storage.MessagesIndex).Add(float64(2 * len(stmts)))
	EntriesWritten.WithLabelValues(storage.IdentitiesIndex).Add(float64(2 * len(identities)))

	dir := Directory{
		MessagesByDistance:    msgDist.Root(),
		MessagesByTimestamp:   msgTime.Root(),
		IdentitiesByDistance:  idDist.Root(),
		IdentitiesBySearchKey: idSearch.Root(),
		Info:                  ix.info(),
	}
	dirCid, err := ix.blocks.PutNode(ctx, dir)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to store directory: %w", err)
	}

	err = ix.store.WithTx(ctx, func(tx *storage.Tx) error {
		for _, k := range removals {
			if err := tx.DeleteIndexRemoval(ctx, k); err != nil {
				return err
			}
		}
		return ix.commit(ctx, tx, dirCid, stmts, published, profiles)
	})
	if err != nil {
		return cid.Undef, err
	}
	log.Debugf("Incremental index: %d removals, %d messages, %d profiles", len(removals), len(stmts), len(profiles))
	return dirCid, nil
}

// reprofile narrows attrs to the distinct unique attributes still mentioned by public statements.
func (ix *Indexer) reprofile(ctx context.Context, attrs []statement.Attribute) ([]statement.Attribute, error) {
	seen := make(map[statement.Attribute]bool)
	var out []statement.Attribute
	for _, a := range ix.store.UniqueAttributes(attrs) {
		if seen[a] {
			continue
		}
		seen[a] = true
		ok, err := ix.store.IsPublicAttribute(ctx, a)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	return out, nil
}

// commit records a build against the store as it is at commit time. The statement store keeps
// changing while a build runs: entries of statements removed since, of authors or profiles whose
// trust distance changed since, and profiles of attributes mentioned by statements admitted since
// are scheduled for removal instead of being recorded, so the next update rewrites them.
func (ix *Indexer) commit(ctx context.Context, tx *storage.Tx, dir cid.Cid, stmts []*statement.Statement, published map[string]string, profiles []publishedProfile) error {
	var stale []statement.Attribute
	for _, s := range stmts {
		key, ok := published[s.Hash]
		if !ok {
			continue
		}
		k := storage.IndexKey{Index: storage.MessagesIndex, Key: key}
		_, exists, err := tx.ContentRef(ctx, s.Hash)
		if err != nil {
			return err
		}
		if exists {
			current, err := ix.messageKey(ctx, tx, s)
			if err != nil {
				return err
			}
			if current == key {
				// A rekey may have scheduled this key while it was being rewritten.
				if err := tx.DeleteIndexRemoval(ctx, k); err != nil {
					return err
				}
				continue
			}
		}
		delete(published, s.Hash)
		if err := tx.AddIndexRemoval(ctx, k); err != nil {
			return err
		}
		stale = append(stale, s.Attributes()...)
	}

	current := make([]publishedProfile, 0, len(profiles))
	for _, p := range profiles {
		if len(p.keys) > 0 {
			d, err := ix.distance(ctx, tx, p.attrs)
			if err != nil {
				return err
			}
			if !strings.HasPrefix(p.keys[0].Key, distancePrefix(d)) {
				for _, k := range p.keys {
					if err := tx.AddIndexRemoval(ctx, k); err != nil {
						return err
					}
				}
				continue
			}
		}
		current = append(current, p)
	}

	if err := ix.record(ctx, tx, dir, published, current); err != nil {
		return err
	}

	pending, err := tx.UnpublishedStatements(ctx)
	if err != nil {
		return err
	}
	for _, s := range pending {
		stale = append(stale, s.Attributes()...)
	}
	n, err := forgetProfiles(ctx, tx, stale)
	if err != nil {
		return err
	}
	if n > 0 || len(current) < len(profiles) {
		log.Debugf("Index changed while building: %d profiles left for the next update", n+len(profiles)-len(current))
	}
	return nil
}

// record stores the bookkeeping of a build.
func (ix *Indexer) record(ctx context.Context, tx *storage.Tx, dir cid.Cid, published map[string]string, profiles []publishedProfile) error {
	for hash, key := range published {
		if err := tx.MarkPublished(ctx, hash, key); err != nil {
			return err
		}
	}
	for _, p := range profiles {
		if err := tx.RecordProfile(ctx, p.cid.String(), p.attrs, p.keys); err != nil {
			return err
		}
	}
	if err := tx.SetSetting(ctx, settingFull, "0"); err != nil {
		return err
	}
	return tx.SetSetting(ctx, settingDirectory, dir.String())
}

func (ix *Indexer) info() Info {
	info := Info{RootKeyID: ix.cfg.RootKeyID, Attributes: []ProfileAttribute{}}
	for _, a := range ix.cfg.Attributes {
		info.Attributes = append(info.Attributes, ProfileAttribute{Name: a.Name, Value: a.Value})
	}
	return info
}

// publish runs the publish hooks and binds the node's name to dir. Failures are logged and retried
// with the next build.
func (ix *Indexer) publish(ctx context.Context, dir cid.Cid) {
	ix.mu.RLock()
	hooks := append([]PublishHook(nil), ix.hooks...)
	ix.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, dir)
	}

	ns := ix.nameSystem()
	if ns == nil || ix.cfg.Name == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, ix.cfg.NetworkTimeout)
	defer cancel()
	if err := ns.Publish(ctx, ix.cfg.Name, dir); err != nil {
		log.Warnf("Failed to publish index %s as %s: %v", dir, ix.cfg.Name, err)
		return
	}
	log.Debugf("Published index %s as %s", dir, ix.cfg.Name)
}

// stripView returns entries rekeyed for the second view of their index.
func stripView(entries []merkleindex.Entry) []merkleindex.Entry {
	out := make([]merkleindex.Entry, len(entries))
	for i, e := range entries {
		out[i] = e
		out[i].Key = StripDistance(e.Key)
	}
	return sortEntries(out)
}
