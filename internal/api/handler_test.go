package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacedatanetwork/sdn-trust/internal/admission"
	"github.com/spacedatanetwork/sdn-trust/internal/config"
	"github.com/spacedatanetwork/sdn-trust/internal/contentstore"
	"github.com/spacedatanetwork/sdn-trust/internal/indexer"
	"github.com/spacedatanetwork/sdn-trust/internal/reputation"
	"github.com/spacedatanetwork/sdn-trust/internal/statement"
	"github.com/spacedatanetwork/sdn-trust/internal/storage"
)

type fixture struct {
	t    *testing.T
	svc  *reputation.Service
	mux  *http.ServeMux
	root statement.Attribute
}

func newKey(t *testing.T) (crypto.PrivKey, statement.Attribute) {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateEd25519Key failed: %v", err)
	}
	id, err := statement.KeyIDFromPublicKey(priv.GetPublic())
	if err != nil {
		t.Fatal(err)
	}
	return priv, statement.Attribute{Name: statement.KeyID, Value: id}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = t.TempDir()
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key, root := newKey(t)
	svc, err := reputation.New(context.Background(), cfg, key, store, contentstore.NewMemory())
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	mux := http.NewServeMux()
	NewHandler(svc).RegisterRoutes(mux)
	return &fixture{t: t, svc: svc, mux: mux, root: root}
}

func (f *fixture) do(method, target string, body []byte) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
}

func rating(t *testing.T, key crypto.PrivKey, author, recipient statement.Attribute) []byte {
	t.Helper()
	s, err := statement.Sign(key, statement.Draft{
		Type: statement.Rating, Rating: 1, MinRating: -1, MaxRating: 1,
		Author: []statement.Attribute{author}, Recipient: []statement.Attribute{recipient},
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Public: true,
	})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return s.Envelope
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "ok" || body["keyID"] != f.root.Value {
		t.Errorf("health = %v", body)
	}

	if rec := f.do(http.MethodPost, "/api/v1/health", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestPostAndQueryStatements(t *testing.T) {
	f := newFixture(t)
	aKey, a := newKey(t)
	_, b := newKey(t)
	env := rating(t, aKey, a, b)

	tests := []struct {
		name    string
		body    []byte
		status  int
		outcome string
	}{
		{"new", env, http.StatusCreated, "admitted"},
		{"again", env, http.StatusOK, "duplicate"},
		{"garbage", []byte(`{"payload":1}`), http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/v1/statements", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if tt.outcome == "" {
				return
			}
			var body struct {
				Hash    string `json:"hash"`
				Outcome string `json:"outcome"`
			}
			decode(t, rec, &body)
			if body.Outcome != tt.outcome || body.Hash != statement.Hash(env) {
				t.Errorf("body = %+v", body)
			}
		})
	}

	rec := f.do(http.MethodGet, "/api/v1/statements?author="+url.QueryEscape(a.String())+"&include_envelope=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d: %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Count   int             `json:"count"`
		Results []statementView `json:"results"`
	}
	decode(t, rec, &res)
	if res.Count != 1 || res.Results[0].Signer != a.Value || len(res.Results[0].Envelope) == 0 {
		t.Errorf("results = %+v", res)
	}
	if res.Results[0].Recipient[0] != b {
		t.Errorf("recipient = %v, want %v", res.Results[0].Recipient, b)
	}

	for _, q := range []string{"author=nocolon", "since=yesterday", "offset=-1", "viewpoint=keyID:x&max_distance=far"} {
		if rec := f.do(http.MethodGet, "/api/v1/statements?"+q, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestDistance(t *testing.T) {
	f := newFixture(t)
	_, a := newKey(t)
	ctx := context.Background()
	if _, _, err := f.svc.SignStatement(ctx, statement.Draft{
		Type: statement.Rating, Rating: 1, MinRating: -1, MaxRating: 1,
		Recipient: []statement.Attribute{a}, Public: true,
	}); err != nil {
		t.Fatalf("SignStatement failed: %v", err)
	}

	rec := f.do(http.MethodGet, "/api/v1/distance?to="+url.QueryEscape(a.String()), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Trusted  bool `json:"trusted"`
		Distance int  `json:"distance"`
	}
	decode(t, rec, &body)
	if !body.Trusted || body.Distance != 1 {
		t.Errorf("distance = %+v", body)
	}

	rec = f.do(http.MethodGet, "/api/v1/distance?to=keyID:unknown", nil)
	decode(t, rec, &body)
	if body.Trusted {
		t.Error("unknown key reported trusted")
	}
	if rec := f.do(http.MethodGet, "/api/v1/distance", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing to: status = %d", rec.Code)
	}
}

func TestIdentities(t *testing.T) {
	f := newFixture(t)
	_, a := newKey(t)
	alice := statement.Attribute{Name: "email", Value: "alice@example.com"}
	if _, _, err := f.svc.SignStatement(context.Background(), statement.Draft{
		Type: statement.VerifyIdentity, Recipient: []statement.Attribute{alice, a}, Public: true,
	}); err != nil {
		t.Fatalf("SignStatement failed: %v", err)
	}

	rec := f.do(http.MethodGet, "/api/v1/identities?attr="+url.QueryEscape(alice.String())+"&include_stats=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Count   int            `json:"count"`
		Results []identityView `json:"results"`
	}
	decode(t, rec, &res)
	if res.Count != 1 || len(res.Results[0].Members) != 2 {
		t.Fatalf("identities = %+v", res)
	}
	for _, m := range res.Results[0].Members {
		if m.Confirmations != 1 {
			t.Errorf("member %s:%s confirmations = %d, want 1", m.Name, m.Value, m.Confirmations)
		}
	}
	if res.Results[0].Stats == nil {
		t.Error("stats missing")
	}

	rec = f.do(http.MethodGet, "/api/v1/identities?search=alice", nil)
	decode(t, rec, &res)
	if res.Count != 1 {
		t.Errorf("search count = %d, want 1", res.Count)
	}

	if rec := f.do(http.MethodGet, "/api/v1/identities", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("no parameters: status = %d, want 400", rec.Code)
	}
}

func TestViewpoints(t *testing.T) {
	f := newFixture(t)
	_, a := newKey(t)

	body, _ := json.Marshal(map[string]any{"attribute": a, "depth": 2})
	rec := f.do(http.MethodPost, "/api/v1/viewpoints", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Viewpoints []reputation.Viewpoint `json:"viewpoints"`
	}
	decode(t, rec, &res)
	if len(res.Viewpoints) != 2 {
		t.Errorf("viewpoints = %+v, want root and a", res.Viewpoints)
	}

	if rec := f.do(http.MethodPost, "/api/v1/viewpoints", []byte(`{"attribute":["keyID",""]}`)); rec.Code != http.StatusBadRequest {
		t.Errorf("empty attribute: status = %d, want 400", rec.Code)
	}
}

func TestReindexStatsAndMetrics(t *testing.T) {
	f := newFixture(t)
	aKey, a := newKey(t)
	_, b := newKey(t)
	if rec := f.do(http.MethodPost, "/api/v1/statements", rating(t, aKey, a, b)); rec.Code != http.StatusCreated {
		t.Fatalf("admit status = %d: %s", rec.Code, rec.Body.String())
	}

	if rec := f.do(http.MethodGet, "/api/v1/reindex", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET reindex status = %d, want 405", rec.Code)
	}
	rec := f.do(http.MethodPost, "/api/v1/reindex", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reindex status = %d: %s", rec.Code, rec.Body.String())
	}
	var re struct {
		Kind      string `json:"kind"`
		Directory string `json:"directory"`
	}
	decode(t, rec, &re)
	if re.Kind != "full" || re.Directory == "" {
		t.Errorf("reindex = %+v", re)
	}

	rec = f.do(http.MethodGet, "/api/v1/stats", nil)
	var st reputation.Stats
	decode(t, rec, &st)
	if st.Statements != 1 || st.Directory != re.Directory {
		t.Errorf("stats = %+v", st)
	}

	rec = f.do(http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	for _, name := range []string{"sdn_trust_admission_statements", "sdn_trust_indexer_builds"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}

func TestSync(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(http.MethodPost, "/api/v1/sync", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing name: status = %d, want 400", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/v1/sync?name=peer", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown peer: status = %d, want 404", rec.Code)
	}
}

func TestSearchPeerIdentities(t *testing.T) {
	f := newFixture(t)
	_, bob := newKey(t)
	if _, _, err := f.svc.SignStatement(context.Background(), statement.Draft{
		Type: statement.Rating, Rating: 1, MinRating: -1, MaxRating: 1,
		Author: []statement.Attribute{f.root}, Recipient: []statement.Attribute{bob}, Public: true,
	}); err != nil {
		t.Fatalf("SignStatement failed: %v", err)
	}
	if _, err := f.svc.TriggerFullReindex(context.Background()); err != nil {
		t.Fatalf("TriggerFullReindex failed: %v", err)
	}

	tests := []struct {
		name   string
		target string
		status int
		count  int
	}{
		{"own index", "/api/v1/identities?peer=" + f.root.Value + "&search=" + bob.Value, http.StatusOK, 1},
		{"no match", "/api/v1/identities?peer=" + f.root.Value + "&search=zzz", http.StatusOK, 0},
		{"missing search", "/api/v1/identities?peer=" + f.root.Value, http.StatusBadRequest, 0},
		{"unknown peer", "/api/v1/identities?peer=nobody&search=x", http.StatusNotFound, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, tt.target, nil)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}
			var res struct {
				Count   int           `json:"count"`
				Results []profileView `json:"results"`
			}
			decode(t, rec, &res)
			if res.Count != tt.count {
				t.Fatalf("count = %d, want %d", res.Count, tt.count)
			}
			if tt.count > 0 && res.Results[0].Attributes[0].Value != bob.Value {
				t.Errorf("profile = %+v, want %s", res.Results[0], bob.Value)
			}
		})
	}
}

func TestMetricsHaveHelp(t *testing.T) {
	collectors := append(admission.Metrics(), indexer.Metrics()...)
	for _, c := range collectors {
		descs := make(chan *prometheus.Desc, 8)
		c.Describe(descs)
		close(descs)
		for d := range descs {
			if strings.Contains(d.String(), `help: ""`) {
				t.Errorf("metric without help: %s", d)
			}
		}
	}
}
