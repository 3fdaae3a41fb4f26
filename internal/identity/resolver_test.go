package identity

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/spacedatanetwork/sdn-trust/internal/statement"
	"github.com/spacedatanetwork/sdn-trust/internal/storage"
)

var (
	root = statement.Attribute{Name: statement.KeyID, Value: "R"}
	bob  = statement.Attribute{Name: "email", Value: "bob@example.com"}
	site = statement.Attribute{Name: "url", Value: "https://bob.example.com"}
	tel  = statement.Attribute{Name: "tel", Value: "+15550100"}
	nick = statement.Attribute{Name: "name", Value: "Bob"}
)

type fixture struct {
	t     *testing.T
	store *storage.Store
	seq   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	if err := store.SetUniqueTypes(ctx, []string{"keyID", "email", "url", "tel"}); err != nil {
		t.Fatal(err)
	}
	// R trusts itself and K1.
	if _, err := store.Exec(ctx, `INSERT INTO trust_distances VALUES
		('keyID', 'R', 'keyID', 'R', 0),
		('keyID', 'R', 'keyID', 'K1', 1)`); err != nil {
		t.Fatal(err)
	}
	return &fixture{t: t, store: store}
}

func (f *fixture) add(signer string, typ statement.Type, rating int, author []statement.Attribute, recipient ...statement.Attribute) {
	f.t.Helper()
	f.seq++
	s := &statement.Statement{
		Hash:        fmt.Sprintf("bafy%04d", f.seq),
		SignerKeyID: signer,
		Type:        typ,
		Rating:      rating,
		MinRating:   -1,
		MaxRating:   1,
		Author:      author,
		Recipient:   recipient,
		Timestamp:   time.Unix(1700000000+int64(f.seq), 0),
		Public:      true,
		IsLatest:    true,
		Envelope:    []byte(`{}`),
	}
	if err := f.store.InsertStatement(context.Background(), s); err != nil {
		f.t.Fatalf("Failed to insert statement: %v", err)
	}
}

func (f *fixture) verify(signer string, recipient ...statement.Attribute) {
	f.add(signer, statement.VerifyIdentity, 0, []statement.Attribute{{Name: statement.KeyID, Value: signer}}, recipient...)
}

func memberNames(ident *Identity) []string {
	var out []string
	for _, m := range ident.Members {
		out = append(out, fmt.Sprintf("%s=%d/%d", m.Attribute, m.Confirmations, m.Refutations))
	}
	return out
}

func TestResolveDirectVerification(t *testing.T) {
	f := newFixture(t)
	f.verify("R", bob, statement.Attribute{Name: statement.KeyID, Value: "KB"}, nick)

	r := NewResolver(f.store, root, 0)
	ident, err := r.Resolve(context.Background(), bob, root, false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := []string{"email:bob@example.com=1/0", "keyID:KB=1/0"}
	if got := memberNames(ident); !reflect.DeepEqual(got, want) {
		t.Errorf("members = %v, want %v", got, want)
	}
}

func TestResolveTransitiveAndTrustGate(t *testing.T) {
	f := newFixture(t)
	f.verify("R", bob, site)
	f.verify("K1", site, tel)
	f.verify("X", bob, statement.Attribute{Name: "email", Value: "evil@example.com"})

	r := NewResolver(f.store, root, 0)
	ident, err := r.Resolve(context.Background(), bob, statement.Attribute{}, false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if ident.Viewpoint != root {
		t.Errorf("Viewpoint = %v, want default root", ident.Viewpoint)
	}
	want := []string{"email:bob@example.com=1/0", "tel:+15550100=1/0", "url:https://bob.example.com=1/0"}
	if got := memberNames(ident); !reflect.DeepEqual(got, want) {
		t.Errorf("members = %v, want %v", got, want)
	}
}

func TestResolveRanksRefutations(t *testing.T) {
	f := newFixture(t)
	f.verify("R", bob, site)
	f.verify("K1", bob, tel)
	f.verify("R", bob, tel)
	f.add("R", statement.UnverifyIdentity, 0, []statement.Attribute{root}, bob, site)

	r := NewResolver(f.store, root, 0)
	ident, err := r.Resolve(context.Background(), bob, root, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"tel:+15550100=2/0", "email:bob@example.com=1/0", "url:https://bob.example.com=1/1"}
	if got := memberNames(ident); !reflect.DeepEqual(got, want) {
		t.Errorf("members = %v, want %v", got, want)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.verify("R", bob, site)
	f.verify("K1", site, tel)

	ctx := context.Background()
	r := NewResolver(f.store, root, 0)
	first, err := r.Resolve(ctx, bob, root, false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Resolve(ctx, bob, root, false)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("second resolution differs:\n%+v\n%+v", first, second)
	}

	// Resolving from another member reuses the same identity.
	third, err := r.Resolve(ctx, site, root, false)
	if err != nil {
		t.Fatal(err)
	}
	if third.ID != first.ID || len(third.Members) != len(first.Members) {
		t.Errorf("resolution from member = %+v, want identity %d with %d members", third, first.ID, len(first.Members))
	}
}

func TestResolveSkipsAttributesOwnedElsewhere(t *testing.T) {
	f := newFixture(t)
	f.verify("R", bob, site)

	ctx := context.Background()
	r := NewResolver(f.store, root, 0)
	first, err := r.Resolve(ctx, bob, root, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Members) != 2 {
		t.Fatalf("first identity = %v", memberNames(first))
	}

	// site already belongs to bob's identity, so a later link does not move it.
	other := statement.Attribute{Name: "tel", Value: "+15550199"}
	f.verify("R", other, site)
	second, err := r.Resolve(ctx, other, root, false)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Fatalf("second identity reused id %d", first.ID)
	}
	if got := memberNames(second); !reflect.DeepEqual(got, []string{"tel:+15550199=1/0"}) {
		t.Errorf("second identity members = %v", got)
	}
}

func TestResolveUnknownAttribute(t *testing.T) {
	f := newFixture(t)
	r := NewResolver(f.store, root, 0)
	ctx := context.Background()

	unknown := statement.Attribute{Name: "email", Value: "nobody@example.com"}
	ident, err := r.Resolve(ctx, unknown, root, false)
	if err != nil || ident != nil {
		t.Fatalf("Resolve(unknown) = %+v, %v; want nil, nil", ident, err)
	}

	ident, err = r.Resolve(ctx, unknown, root, true)
	if err != nil {
		t.Fatal(err)
	}
	if ident == nil || len(ident.Members) != 1 || ident.Members[0].Confirmations != 1 {
		t.Errorf("forced identity = %+v", ident)
	}
}

func TestResolveIterationCap(t *testing.T) {
	f := newFixture(t)
	f.verify("R", bob, site)
	f.verify("R", site, tel)

	r := NewResolver(f.store, root, 1)
	_, err := r.Resolve(context.Background(), bob, root, false)
	if !errors.Is(err, ErrFixpointNotReached) {
		t.Fatalf("Resolve error = %v, want ErrFixpointNotReached", err)
	}
	if !errors.Is(err, storage.ErrStorage) {
		t.Error("ErrFixpointNotReached should be a storage error")
	}

	// The failed resolution left nothing behind.
	if ident, _ := r.Cluster(context.Background(), bob, root); ident != nil {
		t.Errorf("Cluster after failure = %+v, want nil", ident)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.verify("R", bob, site)
	f.add("R", statement.Rating, 1, []statement.Attribute{root}, bob)
	f.add("K1", statement.Rating, -1, []statement.Attribute{{Name: statement.KeyID, Value: "K1"}}, site)
	f.add("R", statement.Rating, 0, []statement.Attribute{bob}, tel)
	f.add("X", statement.Rating, 1, []statement.Attribute{{Name: statement.KeyID, Value: "X"}}, bob)

	ctx := context.Background()
	r := NewResolver(f.store, root, 0)
	if _, err := r.Resolve(ctx, bob, root, false); err != nil {
		t.Fatal(err)
	}

	st, err := r.Stats(ctx, bob, root)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.ReceivedPositive != 1 || st.ReceivedNegative != 1 || st.SentNeutral != 1 {
		t.Errorf("stats = %+v", st)
	}
	if want := time.Unix(1700000001, 0).UTC(); !st.FirstSeen.Equal(want) {
		t.Errorf("FirstSeen = %v, want %v", st.FirstSeen, want)
	}

	if _, err := r.Stats(ctx, tel, root); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Stats(unresolved) error = %v, want ErrNotFound", err)
	}
}

func TestSearchAndAll(t *testing.T) {
	f := newFixture(t)
	f.verify("R", bob, site)
	f.verify("R", tel)

	ctx := context.Background()
	r := NewResolver(f.store, root, 0)
	for _, a := range []statement.Attribute{bob, tel} {
		if _, err := r.Resolve(ctx, a, root, false); err != nil {
			t.Fatal(err)
		}
	}

	found, err := r.Search(ctx, root, "bob.example", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || len(found[0].Members) != 2 {
		t.Errorf("Search = %+v", found)
	}

	all, err := r.All(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("All returned %d identities, want 2", len(all))
	}
}
