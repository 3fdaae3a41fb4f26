package indexer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p/core/crypto"
	"pgregory.net/rapid"

	"github.com/spacedatanetwork/sdn-trust/internal/admission"
	"github.com/spacedatanetwork/sdn-trust/internal/contentstore"
	"github.com/spacedatanetwork/sdn-trust/internal/identity"
	"github.com/spacedatanetwork/sdn-trust/internal/merkleindex"
	"github.com/spacedatanetwork/sdn-trust/internal/statement"
	"github.com/spacedatanetwork/sdn-trust/internal/storage"
	"github.com/spacedatanetwork/sdn-trust/internal/trust"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type signer struct {
	key crypto.PrivKey
	id  string
}

func newSigner(t *testing.T) signer {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateEd25519Key failed: %v", err)
	}
	id, err := statement.KeyIDFromPublicKey(priv.GetPublic())
	if err != nil {
		t.Fatal(err)
	}
	return signer{key: priv, id: id}
}

func (sg signer) attr() statement.Attribute {
	return statement.Attribute{Name: statement.KeyID, Value: sg.id}
}

func (sg signer) rate(t *testing.T, recipient statement.Attribute, rating int, ts time.Time) *statement.Statement {
	t.Helper()
	s, err := statement.Sign(sg.key, statement.Draft{
		Type: statement.Rating, Rating: rating, MinRating: -1, MaxRating: 1,
		Author: []statement.Attribute{sg.attr()}, Recipient: []statement.Attribute{recipient},
		Timestamp: ts, Public: true,
	})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return s
}

func email(v string) statement.Attribute { return statement.Attribute{Name: "email", Value: v} }

type node struct {
	store    *storage.Store
	blocks   *contentstore.Store
	admitter *admission.Admitter
	ix       *Indexer
	root     signer
}

func newNode(t *testing.T, names contentstore.NameSystem, churn int) *node {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	if err := store.SetUniqueTypes(ctx, []string{"keyID", "email"}); err != nil {
		t.Fatal(err)
	}
	root := newSigner(t)
	if _, err := store.Exec(ctx, `INSERT INTO trust_distances VALUES ('keyID', ?, 'keyID', ?, 0)`, root.id, root.id); err != nil {
		t.Fatal(err)
	}

	blocks := contentstore.NewMemory()
	a := admission.New(store, admission.Config{Root: root.attr(), ChurnThreshold: churn}, blocks)
	ix := New(store, blocks, nil, a, Config{
		Root:           root.attr(),
		RootKeyID:      root.id,
		Attributes:     []statement.Attribute{root.attr()},
		Name:           root.id,
		ChurnThreshold: churn,
		MaxChildren:    3,
		NetworkTimeout: time.Second,
	})
	if names != nil {
		ix.SetNameSystem(names)
	}
	return &node{store: store, blocks: blocks, admitter: a, ix: ix, root: root}
}

func (n *node) trust(t *testing.T, sg signer, distance int) {
	t.Helper()
	if _, err := n.store.Exec(context.Background(), `INSERT INTO trust_distances VALUES ('keyID', ?, 'keyID', ?, ?)`,
		n.root.id, sg.id, distance); err != nil {
		t.Fatal(err)
	}
}

func (n *node) admit(t *testing.T, s *statement.Statement, want admission.Outcome) {
	t.Helper()
	got, err := n.admitter.Admit(context.Background(), s)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if got != want {
		t.Fatalf("Admit outcome = %s, want %s", got, want)
	}
}

func (n *node) update(t *testing.T, want Kind) {
	t.Helper()
	got, err := n.ix.Update(context.Background())
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got != want {
		t.Fatalf("Update kind = %s, want %s", got, want)
	}
}

type indexes struct {
	messagesByDistance, messagesByTimestamp, identitiesByDistance, identitiesBySearchKey []merkleindex.Entry
}

func (n *node) indexes(t *testing.T) indexes {
	t.Helper()
	ctx := context.Background()
	_, dir, err := n.ix.Directory(ctx)
	if err != nil || dir == nil {
		t.Fatalf("Directory = %v, %v", dir, err)
	}
	walk := func(root cid.Cid) []merkleindex.Entry {
		tree, err := merkleindex.Load(ctx, n.blocks, root, 3)
		if err != nil {
			t.Fatalf("Failed to load index: %v", err)
		}
		var out []merkleindex.Entry
		if err := tree.Walk(ctx, func(e merkleindex.Entry) error {
			out = append(out, e)
			return nil
		}); err != nil {
			t.Fatalf("Failed to walk index: %v", err)
		}
		return out
	}
	return indexes{
		messagesByDistance:    walk(dir.MessagesByDistance),
		messagesByTimestamp:   walk(dir.MessagesByTimestamp),
		identitiesByDistance:  walk(dir.IdentitiesByDistance),
		identitiesBySearchKey: walk(dir.IdentitiesBySearchKey),
	}
}

func diffEntries(t *testing.T, name string, got, want []merkleindex.Entry) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("%s: %d entries, want %d", name, len(got), len(want))
		return
	}
	for i := range got {
		if got[i].Key != want[i].Key || !bytes.Equal(got[i].Value, want[i].Value) || !got[i].Target.Equals(want[i].Target) {
			t.Errorf("%s[%d] = %s -> %s, want %s -> %s", name, i, got[i].Key, got[i].Target, want[i].Key, want[i].Target)
		}
	}
}

func keys(entries []merkleindex.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

func TestFirstUpdateIsFull(t *testing.T) {
	n := newNode(t, nil, 30)
	bob := email("bob@example.com")
	s := n.root.rate(t, bob, 1, epoch)
	n.admit(t, s, admission.Admitted)

	n.update(t, Full)
	idx := n.indexes(t)

	want := MessageKey(0, epoch, s.Hash)
	if got := keys(idx.messagesByDistance); len(got) != 1 || got[0] != want {
		t.Errorf("messages by distance = %v, want [%s]", got, want)
	}
	if got := keys(idx.messagesByTimestamp); len(got) != 1 || got[0] != StripDistance(want) {
		t.Errorf("messages by timestamp = %v", got)
	}
	if !bytes.Equal(idx.messagesByDistance[0].Value, s.Envelope) {
		t.Error("message entry does not carry the envelope")
	}
	if c := idx.messagesByDistance[0].Target; c.String() != s.Hash {
		t.Errorf("message target = %s, want %s", c, s.Hash)
	}

	// Root keyID (value plus lowercase form) and bob's email.
	if got := len(idx.identitiesByDistance); got != 3 {
		t.Errorf("identities by distance = %v, want 3 entries", keys(idx.identitiesByDistance))
	}
	if got := len(idx.identitiesBySearchKey); got != 3 {
		t.Errorf("identities by search key = %v, want 3 entries", keys(idx.identitiesBySearchKey))
	}

	n.update(t, None)
}

func TestIncrementalMatchesFull(t *testing.T) {
	n := newNode(t, nil, 30)
	alice := newSigner(t)
	n.trust(t, alice, 1)

	bob, carol, dave, erin := email("bob@example.com"), email("Carol@Example.com"), email("dave@example.com"), email("erin@example.com")
	n.admit(t, n.root.rate(t, bob, 1, epoch), admission.Admitted)
	n.admit(t, n.root.rate(t, carol, 1, epoch.Add(time.Minute)), admission.Admitted)
	n.admit(t, alice.rate(t, bob, -1, epoch.Add(2*time.Minute)), admission.Admitted)
	n.admit(t, alice.rate(t, dave, 0, epoch.Add(3*time.Minute)), admission.Admitted)
	n.update(t, Full)

	// A newer rating replaces a published one; a new identity appears.
	n.admit(t, n.root.rate(t, bob, 0, epoch.Add(4*time.Minute)), admission.Admitted)
	n.admit(t, alice.rate(t, erin, 1, epoch.Add(5*time.Minute)), admission.Admitted)
	if pending, _ := n.store.CountIndexRemovals(context.Background()); pending == 0 {
		t.Fatal("no index removals recorded for the replaced statement")
	}
	n.update(t, Incremental)
	incremental := n.indexes(t)

	if got := len(incremental.messagesByDistance); got != 5 {
		t.Errorf("messages after incremental update = %v, want 5", keys(incremental.messagesByDistance))
	}

	if err := n.ix.RequestFullRebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	n.update(t, Full)
	full := n.indexes(t)

	diffEntries(t, "messagesByDistance", incremental.messagesByDistance, full.messagesByDistance)
	diffEntries(t, "messagesByTimestamp", incremental.messagesByTimestamp, full.messagesByTimestamp)
	diffEntries(t, "identitiesByDistance", incremental.identitiesByDistance, full.identitiesByDistance)
	diffEntries(t, "identitiesBySearchKey", incremental.identitiesBySearchKey, full.identitiesBySearchKey)

	n.update(t, None)
}

func sameEntries(a, b []merkleindex.Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || !bytes.Equal(a[i].Value, b[i].Value) || !a[i].Target.Equals(b[i].Target) {
			return false
		}
	}
	return true
}

// rebuild rebuilds the indexes from scratch and returns them.
func (n *node) rebuild(t *testing.T) indexes {
	t.Helper()
	if err := n.ix.RequestFullRebuild(context.Background()); err != nil {
		t.Fatalf("Failed to request rebuild: %v", err)
	}
	n.update(t, Full)
	return n.indexes(t)
}

// converges runs an incremental update and checks it produced what a full build does.
func (n *node) converges(t *testing.T) indexes {
	t.Helper()
	n.update(t, Incremental)
	incremental := n.indexes(t)
	full := n.rebuild(t)
	diffEntries(t, "messagesByDistance", incremental.messagesByDistance, full.messagesByDistance)
	diffEntries(t, "messagesByTimestamp", incremental.messagesByTimestamp, full.messagesByTimestamp)
	diffEntries(t, "identitiesByDistance", incremental.identitiesByDistance, full.identitiesByDistance)
	diffEntries(t, "identitiesBySearchKey", incremental.identitiesBySearchKey, full.identitiesBySearchKey)
	n.update(t, None)
	return incremental
}

func (n *node) extend(t *testing.T, s *statement.Statement) []statement.Attribute {
	t.Helper()
	changed, err := trust.NewBuilder(n.store).Extend(context.Background(), n.root.attr(), 3, "", s)
	if err != nil {
		t.Fatalf("Failed to extend trust graph: %v", err)
	}
	if err := n.ix.Rekey(context.Background(), changed); err != nil {
		t.Fatalf("Failed to rekey: %v", err)
	}
	return changed
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func TestTrustChangeRekeysPublished(t *testing.T) {
	n := newNode(t, nil, 30)
	kate := newSigner(t)
	msg := kate.rate(t, email("x@example.com"), 1, epoch)
	n.admit(t, msg, admission.Admitted)
	n.update(t, Full)

	stale := MessageKey(UnknownDistance, msg.Timestamp, msg.Hash)
	if got := keys(n.indexes(t).messagesByDistance); !contains(got, stale) {
		t.Fatalf("messages by distance = %v, want %s", got, stale)
	}

	vouch := n.root.rate(t, kate.attr(), 1, epoch.Add(time.Minute))
	n.admit(t, vouch, admission.Admitted)
	if changed := n.extend(t, vouch); len(changed) != 1 || changed[0] != kate.attr() {
		t.Fatalf("Extend changed %v, want [%s]", changed, kate.attr())
	}

	got := keys(n.converges(t).messagesByDistance)
	if contains(got, stale) {
		t.Errorf("messages by distance still holds %s", stale)
	}
	if want := MessageKey(1, msg.Timestamp, msg.Hash); !contains(got, want) {
		t.Errorf("messages by distance = %v, want %s", got, want)
	}
}

// whileBuilding applies a change to the store the first time a build looks up an identity, after
// its messages are keyed and before its profiles are built.
type whileBuilding struct {
	change func()
	ran    bool
}

func (w *whileBuilding) Cluster(context.Context, statement.Attribute, statement.Attribute) (*identity.Identity, error) {
	if !w.ran {
		w.ran = true
		w.change()
	}
	return nil, nil
}

func TestChangesWhileBuilding(t *testing.T) {
	bob, x := email("bob@example.com"), email("x@example.com")
	tests := []struct {
		name string
		// change returns the message key that must be gone and the one that must be present.
		change func(t *testing.T, n *node, kate signer, first, kates *statement.Statement) (gone, present string)
	}{
		{
			name: "superseded",
			change: func(t *testing.T, n *node, kate signer, first, kates *statement.Statement) (string, string) {
				newer := n.root.rate(t, bob, -1, epoch.Add(2*time.Minute))
				n.admit(t, newer, admission.Admitted)
				return MessageKey(0, first.Timestamp, first.Hash), MessageKey(0, newer.Timestamp, newer.Hash)
			},
		},
		{
			name: "author trusted",
			change: func(t *testing.T, n *node, kate signer, first, kates *statement.Statement) (string, string) {
				vouch := n.root.rate(t, kate.attr(), 1, epoch.Add(2*time.Minute))
				n.admit(t, vouch, admission.Admitted)
				n.extend(t, vouch)
				return MessageKey(UnknownDistance, kates.Timestamp, kates.Hash), MessageKey(1, kates.Timestamp, kates.Hash)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newNode(t, nil, 30)
			kate := newSigner(t)
			first := n.root.rate(t, bob, 1, epoch)
			kates := kate.rate(t, x, 1, epoch.Add(time.Minute))
			n.admit(t, first, admission.Admitted)
			n.admit(t, kates, admission.Admitted)
			n.update(t, Full)

			var gone, present string
			hook := &whileBuilding{change: func() { gone, present = tt.change(t, n, kate, first, kates) }}
			n.ix.clusters = hook
			if err := n.ix.RequestFullRebuild(context.Background()); err != nil {
				t.Fatal(err)
			}
			n.update(t, Full)
			if !hook.ran {
				t.Fatal("build never looked up an identity")
			}
			n.ix.clusters = nil

			got := keys(n.converges(t).messagesByDistance)
			if contains(got, gone) {
				t.Errorf("messages by distance still holds %s", gone)
			}
			if !contains(got, present) {
				t.Errorf("messages by distance = %v, want %s", got, present)
			}
		})
	}
}

func TestIncrementalConvergesUnderTrustChanges(t *testing.T) {
	signers := make([]signer, 4)
	for i := range signers {
		signers[i] = newSigner(t)
	}
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		n := newNode(t, nil, 1000)
		authors := append([]signer{n.root}, signers...)

		steps := rapid.IntRange(1, 12).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			author := authors[rapid.IntRange(0, len(authors)-1).Draw(rt, "author")]
			recipient := email(fmt.Sprintf("%d@example.com", i%3))
			if j := rapid.IntRange(0, len(signers)).Draw(rt, "recipient"); j < len(signers) {
				recipient = signers[j].attr()
			}
			if recipient == author.attr() {
				continue
			}
			s := author.rate(t, recipient, rapid.IntRange(-1, 1).Draw(rt, "rating"), epoch.Add(time.Duration(i)*time.Minute))
			outcome, err := n.admitter.Admit(ctx, s)
			if err != nil {
				rt.Fatalf("Failed to admit: %v", err)
			}
			if outcome == admission.Admitted {
				n.extend(t, s)
			}
			if rapid.Bool().Draw(rt, "update") {
				if _, err := n.ix.Update(ctx); err != nil {
					rt.Fatalf("Failed to update: %v", err)
				}
			}
		}
		if _, err := n.ix.Update(ctx); err != nil {
			rt.Fatalf("Failed to update: %v", err)
		}
		if _, dir, _ := n.ix.Directory(ctx); dir == nil {
			return
		}
		updated := n.indexes(t)
		full := n.rebuild(t)
		for _, c := range []struct {
			name      string
			got, want []merkleindex.Entry
		}{
			{"messagesByDistance", updated.messagesByDistance, full.messagesByDistance},
			{"messagesByTimestamp", updated.messagesByTimestamp, full.messagesByTimestamp},
			{"identitiesByDistance", updated.identitiesByDistance, full.identitiesByDistance},
			{"identitiesBySearchKey", updated.identitiesBySearchKey, full.identitiesBySearchKey},
		} {
			if !sameEntries(c.got, c.want) {
				rt.Fatalf("%s after updates = %v, full build = %v", c.name, keys(c.got), keys(c.want))
			}
		}
	})
}

func TestChurnThresholdForcesFull(t *testing.T) {
	n := newNode(t, nil, 6)
	n.admit(t, n.root.rate(t, email("a@example.com"), 1, epoch), admission.Admitted)
	n.update(t, Full)

	// The root's two profile keys plus one new statement stay below the threshold.
	n.admit(t, n.root.rate(t, email("b@example.com"), 1, epoch.Add(time.Second)), admission.Admitted)
	n.update(t, Incremental)

	for i, v := range []string{"c@example.com", "d@example.com", "e@example.com", "f@example.com"} {
		n.admit(t, n.root.rate(t, email(v), 1, epoch.Add(time.Duration(i+2)*time.Second)), admission.Admitted)
	}
	n.update(t, Full)

	if got := len(n.indexes(t).messagesByDistance); got != 6 {
		t.Errorf("messages = %d, want 6", got)
	}
}

func TestDistancePrefixes(t *testing.T) {
	n := newNode(t, nil, 30)
	alice, mallory := newSigner(t), newSigner(t)
	n.trust(t, alice, 2)

	n.admit(t, alice.rate(t, email("x@example.com"), 1, epoch), admission.Admitted)
	n.admit(t, mallory.rate(t, email("y@example.com"), 1, epoch), admission.Admitted)
	n.update(t, Full)

	got := keys(n.indexes(t).messagesByDistance)
	if len(got) != 2 || got[0][:4] != "002:" || got[1][:4] != "099:" {
		t.Errorf("messages by distance = %v, want a 002 and a 099 entry", got)
	}
}

func TestPublishAndSyncPeer(t *testing.T) {
	names := contentstore.NewLocalNames(dssync.MutexWrap(datastore.NewMapDatastore()))
	ctx := context.Background()

	a := newNode(t, names, 30)
	var published []cid.Cid
	a.ix.OnPublish(func(ctx context.Context, dir cid.Cid) { published = append(published, dir) })
	for i, v := range []string{"p@example.com", "q@example.com", "r@example.com"} {
		a.admit(t, a.root.rate(t, email(v), 1, epoch.Add(time.Duration(i)*time.Second)), admission.Admitted)
	}
	a.update(t, Full)
	if len(published) != 1 {
		t.Fatalf("publish hooks ran %d times, want 1", len(published))
	}
	if c, err := names.Resolve(ctx, a.root.id); err != nil || !c.Equals(published[0]) {
		t.Fatalf("Resolve(%s) = %s, %v, want %s", a.root.id, c, err, published[0])
	}

	b := newNode(t, names, 30)
	b.blocks.SetFetcher(fetcher{a.blocks})
	res, err := b.ix.SyncPeer(ctx, a.root.id)
	if err != nil {
		t.Fatalf("SyncPeer failed: %v", err)
	}
	if res.Admitted != 3 || res.Failed != 0 {
		t.Errorf("SyncPeer = %+v, want 3 admitted", res)
	}
	if n, _ := b.store.CountStatements(ctx); n != 3 {
		t.Errorf("peer has %d statements, want 3", n)
	}
	// The consumer reindexes what it took in.
	if _, dir, _ := b.ix.Directory(ctx); dir == nil {
		t.Error("consumer did not build its own index")
	}

	res, err = b.ix.SyncPeer(ctx, a.root.id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Duplicates != 3 || res.Admitted != 0 {
		t.Errorf("second SyncPeer = %+v, want 3 duplicates", res)
	}

	if _, err := b.ix.SyncPeer(ctx, "nobody"); !errors.Is(err, contentstore.ErrNameNotFound) {
		t.Errorf("SyncPeer of an unknown name = %v, want ErrNameNotFound", err)
	}

	profiles, err := b.ix.SearchPeer(ctx, a.root.id, "q@", 10)
	if err != nil {
		t.Fatalf("SearchPeer failed: %v", err)
	}
	if len(profiles) != 1 || profiles[0].Attributes[0].Value != "q@example.com" {
		t.Errorf("SearchPeer(q@) = %+v", profiles)
	}
}

type fetcher struct {
	src *contentstore.Store
}

func (f fetcher) Fetch(ctx context.Context, c cid.Cid) ([]byte, error) {
	return f.src.Get(ctx, c)
}

func TestConsumeSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, nil, 30)
	b := newNode(t, nil, 30)

	good := a.root.rate(t, email("ok@example.com"), 1, epoch)
	tampered := a.root.rate(t, email("bad@example.com"), 1, epoch.Add(time.Second))
	tampered.Envelope = bytes.Replace(tampered.Envelope, []byte("bad@example.com"), []byte("bax@example.com"), 1)

	tree, err := merkleindex.FromSortedList(ctx, b.blocks, []merkleindex.Entry{
		{Key: "000:0000000000:garbage", Value: []byte("not json")},
		{Key: MessageKey(0, good.Timestamp, good.Hash), Value: good.Envelope},
		{Key: MessageKey(0, tampered.Timestamp, tampered.Hash), Value: tampered.Envelope},
	}, 3)
	if err != nil {
		t.Fatal(err)
	}
	empty, err := merkleindex.New(ctx, b.blocks, 3)
	if err != nil {
		t.Fatal(err)
	}
	dir, err := b.blocks.PutNode(ctx, Directory{
		MessagesByDistance:    tree.Root(),
		MessagesByTimestamp:   empty.Root(),
		IdentitiesByDistance:  empty.Root(),
		IdentitiesBySearchKey: empty.Root(),
		Info:                  Info{RootKeyID: a.root.id, Attributes: []ProfileAttribute{}},
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := b.ix.Consume(ctx, dir)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if res.Admitted != 1 || res.Failed != 2 {
		t.Errorf("Consume = %+v, want 1 admitted and 2 failed", res)
	}
}

func TestSearchIdentities(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, nil, 30)
	n.admit(t, n.root.rate(t, email("Bob.Smith@example.com"), 1, epoch), admission.Admitted)
	n.admit(t, n.root.rate(t, email("alice@example.com"), 1, epoch.Add(time.Second)), admission.Admitted)
	n.update(t, Full)

	dir, _, err := n.ix.Directory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	profiles, err := n.ix.SearchIdentities(ctx, dir, "bob.s", 10)
	if err != nil {
		t.Fatalf("SearchIdentities failed: %v", err)
	}
	if len(profiles) != 1 || profiles[0].Attributes[0].Value != "Bob.Smith@example.com" {
		t.Fatalf("SearchIdentities = %+v", profiles)
	}

	var received []merkleindex.Entry
	tree, err := merkleindex.Load(ctx, n.blocks, profiles[0].Received, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.Walk(ctx, func(e merkleindex.Entry) error {
		received = append(received, e)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(received) != 1 {
		t.Errorf("received index has %d entries, want 1", len(received))
	}

	if profiles, _ := n.ix.SearchIdentities(ctx, dir, "zzz", 10); len(profiles) != 0 {
		t.Errorf("SearchIdentities(zzz) = %+v", profiles)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	n := newNode(t, nil, 30)
	n.ix.cfg.Interval = 10 * time.Millisecond
	n.admit(t, n.root.rate(t, email("loop@example.com"), 1, epoch), admission.Admitted)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.ix.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if _, dir, _ := n.ix.Directory(context.Background()); dir != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("background loop never built the index")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
