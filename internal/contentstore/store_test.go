package contentstore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
)

type testNode struct {
	Name  string
	Count int
	Links []cid.Cid
}

func init() {
	cbornode.RegisterCborType(testNode{})
}

func TestPutGet(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	data := []byte(`{"payload":"hello"}`)
	c, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if c.Prefix().Codec != cid.Raw || c.Prefix().MhType != mh.SHA2_256 {
		t.Errorf("unexpected CID prefix %+v", c.Prefix())
	}

	// Bypass the cache so the blockstore path is exercised.
	s.cache.Purge()
	got, err := s.Get(ctx, c)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q, want %q", got, data)
	}
	if ok, _ := s.Has(ctx, c); !ok {
		t.Error("Has = false for stored block")
	}
}

func TestGetMissing(t *testing.T) {
	s := NewMemory()
	sum, _ := mh.Sum([]byte("missing"), mh.SHA2_256, -1)
	if _, err := s.Get(context.Background(), cid.NewCidV1(cid.Raw, sum)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestNodeRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	leaf, err := s.Put(ctx, []byte("leaf"))
	if err != nil {
		t.Fatal(err)
	}
	in := testNode{Name: "root", Count: 3, Links: []cid.Cid{leaf}}
	c, err := s.PutNode(ctx, in)
	if err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}
	if c.Prefix().Codec != cid.DagCBOR {
		t.Errorf("codec = %x, want dag-cbor", c.Prefix().Codec)
	}

	again, err := s.PutNode(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Equals(c) {
		t.Errorf("same node produced different CIDs: %s vs %s", c, again)
	}

	var out testNode
	if err := s.GetNode(ctx, c, &out); err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if out.Name != "root" || out.Count != 3 || len(out.Links) != 1 || !out.Links[0].Equals(leaf) {
		t.Errorf("GetNode = %+v", out)
	}
}

func TestArchiveMatchesStatementHash(t *testing.T) {
	s := NewMemory()
	envelope := []byte(`{"payload":{},"pubKey":"","sig":""}`)
	ref, err := s.Archive(context.Background(), envelope)
	if err != nil {
		t.Fatal(err)
	}
	sum, _ := mh.Sum(envelope, mh.SHA2_256, -1)
	if want := cid.NewCidV1(cid.Raw, sum).String(); ref != want {
		t.Errorf("Archive = %s, want %s", ref, want)
	}
}

func TestLevelDBPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blobs")
	ctx := context.Background()

	s, err := Open(dir, 16)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	c, err := s.Put(ctx, []byte("persistent"))
	if err != nil {
		t.Fatal(err)
	}
	names := NewLocalNames(s.Datastore())
	if err := names.Publish(ctx, "self", c); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(dir, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	resolved, err := NewLocalNames(s.Datastore()).Resolve(ctx, "self")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	got, err := s.Get(ctx, resolved)
	if err != nil || string(got) != "persistent" {
		t.Errorf("Get after reopen = %q, %v", got, err)
	}
}

func TestLocalNamesMissing(t *testing.T) {
	names := NewLocalNames(NewMemory().Datastore())
	if _, err := names.Resolve(context.Background(), "nobody"); !errors.Is(err, ErrNameNotFound) {
		t.Errorf("Resolve(missing) error = %v, want ErrNameNotFound", err)
	}
}

type storeFetcher struct {
	src   *Store
	calls int
}

func (f *storeFetcher) Fetch(ctx context.Context, c cid.Cid) ([]byte, error) {
	f.calls++
	return f.src.Get(ctx, c)
}

type lyingFetcher struct{}

func (lyingFetcher) Fetch(ctx context.Context, c cid.Cid) ([]byte, error) {
	return []byte("not what you asked for"), nil
}

func TestFetchMissingBlocks(t *testing.T) {
	ctx := context.Background()
	remote := NewMemory()
	c, err := remote.Put(ctx, []byte("remote blob"))
	if err != nil {
		t.Fatal(err)
	}

	local := NewMemory()
	f := &storeFetcher{src: remote}
	local.SetFetcher(f)
	got, err := local.Get(ctx, c)
	if err != nil {
		t.Fatalf("Get through fetcher failed: %v", err)
	}
	if string(got) != "remote blob" {
		t.Errorf("Get = %q", got)
	}

	// Fetched blocks are kept.
	local.cache.Purge()
	if _, err := local.Get(ctx, c); err != nil {
		t.Fatal(err)
	}
	if f.calls != 1 {
		t.Errorf("fetcher called %d times, want 1", f.calls)
	}

	other := NewMemory()
	other.SetFetcher(lyingFetcher{})
	if _, err := other.Get(ctx, c); err == nil {
		t.Error("Get accepted a block that does not match its CID")
	}
	if ok, _ := other.Has(ctx, c); ok {
		t.Error("mismatched block was stored")
	}
}
