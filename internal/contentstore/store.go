// Package contentstore stores content-addressed blobs and dag-cbor objects and binds mutable names
// to them.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/boxo/blockstore"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	leveldb "github.com/ipfs/go-ds-leveldb"
	cbornode "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	mh "github.com/multiformats/go-multihash"
)

var log = logging.Logger("contentstore")

// ErrNotFound is returned when a blob is not in the store.
var ErrNotFound = errors.New("content not found")

// DefaultCacheSize is the number of blobs kept in the read cache.
const DefaultCacheSize = 4096

// Fetcher retrieves blocks missing from the local store, typically from peers.
type Fetcher interface {
	Fetch(ctx context.Context, c cid.Cid) ([]byte, error)
}

// Store is a blockstore-backed blob store with an LRU read cache.
type Store struct {
	ds     datastore.Batching
	bs     blockstore.Blockstore
	cache  *lru.Cache[cid.Cid, []byte]
	closer io.Closer

	mu      sync.RWMutex
	fetcher Fetcher
}

// New creates a store over an existing datastore.
func New(d datastore.Batching, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[cid.Cid, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &Store{
		ds:    d,
		bs:    blockstore.NewBlockstore(d),
		cache: cache,
	}, nil
}

// NewMemory creates a store backed by an in-memory datastore.
func NewMemory() *Store {
	s, err := New(dssync.MutexWrap(datastore.NewMapDatastore()), DefaultCacheSize)
	if err != nil {
		// lru.New only fails for non-positive sizes
		panic(err)
	}
	return s
}

// Open opens (creating if needed) a LevelDB-backed store at path.
func Open(path string, cacheSize int) (*Store, error) {
	d, err := leveldb.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob datastore: %w", err)
	}
	s, err := New(d, cacheSize)
	if err != nil {
		d.Close()
		return nil, err
	}
	s.closer = d
	log.Debugf("Opened blob store at %s", path)
	return s, nil
}

// Datastore returns the backing datastore.
func (s *Store) Datastore() datastore.Batching {
	return s.ds
}

// SetFetcher sets where blocks missing locally are fetched from.
func (s *Store) SetFetcher(f Fetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetcher = f
}

// Put stores data as a raw block and returns its CID.
func (s *Store) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to hash blob: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, sum)
	return c, s.putBlock(ctx, c, data)
}

func (s *Store) putBlock(ctx context.Context, c cid.Cid, data []byte) error {
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}
	if err := s.bs.Put(ctx, blk); err != nil {
		return fmt.Errorf("failed to put block %s: %w", c, err)
	}
	s.cache.Add(c, data)
	return nil
}

// Get returns the data of a block.
func (s *Store) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	if data, ok := s.cache.Get(c); ok {
		return data, nil
	}
	has, err := s.bs.Has(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to look up block %s: %w", c, err)
	}
	if !has {
		return s.fetch(ctx, c)
	}
	blk, err := s.bs.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", c, err)
	}
	data := blk.RawData()
	s.cache.Add(c, data)
	return data, nil
}

// fetch retrieves a missing block through the fetcher and keeps it if it matches c.
func (s *Store) fetch(ctx context.Context, c cid.Cid) ([]byte, error) {
	s.mu.RLock()
	f := s.fetcher
	s.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("block %s: %w", c, ErrNotFound)
	}

	data, err := f.Fetch(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %s: %w", c, err)
	}
	got, err := c.Prefix().Sum(data)
	if err != nil {
		return nil, fmt.Errorf("failed to hash fetched block %s: %w", c, err)
	}
	if !got.Equals(c) {
		return nil, fmt.Errorf("fetched block does not match %s", c)
	}
	if err := s.putBlock(ctx, c, data); err != nil {
		return nil, err
	}
	log.Debugf("Fetched block %s (%d bytes)", c, len(data))
	return data, nil
}

// Has reports whether a block is stored.
func (s *Store) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if s.cache.Contains(c) {
		return true, nil
	}
	return s.bs.Has(ctx, c)
}

// PutNode stores obj, a type registered with cbornode.RegisterCborType, as a dag-cbor block.
func (s *Store) PutNode(ctx context.Context, obj any) (cid.Cid, error) {
	nd, err := cbornode.WrapObject(obj, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode node: %w", err)
	}
	return nd.Cid(), s.putBlock(ctx, nd.Cid(), nd.RawData())
}

// GetNode loads a dag-cbor block into out.
func (s *Store) GetNode(ctx context.Context, c cid.Cid, out any) error {
	data, err := s.Get(ctx, c)
	if err != nil {
		return err
	}
	if err := cbornode.DecodeInto(data, out); err != nil {
		return fmt.Errorf("failed to decode node %s: %w", c, err)
	}
	return nil
}

// Archive stores a statement envelope and returns its CID string.
func (s *Store) Archive(ctx context.Context, envelope []byte) (string, error) {
	c, err := s.Put(ctx, envelope)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// Close closes the backing datastore if the store opened it.
func (s *Store) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
