// Package api provides the HTTP query API of a trust node.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spacedatanetwork/sdn-trust/internal/admission"
	"github.com/spacedatanetwork/sdn-trust/internal/contentstore"
	"github.com/spacedatanetwork/sdn-trust/internal/identity"
	"github.com/spacedatanetwork/sdn-trust/internal/indexer"
	"github.com/spacedatanetwork/sdn-trust/internal/reputation"
	"github.com/spacedatanetwork/sdn-trust/internal/statement"
	"github.com/spacedatanetwork/sdn-trust/internal/storage"
)

var log = logging.Logger("trust-api")

// maxEnvelopeSize bounds POSTed statement envelopes.
const maxEnvelopeSize = 64 * 1024

// Handler serves the reputation API.
type Handler struct {
	svc      *reputation.Service
	registry *prometheus.Registry
}

// NewHandler creates a handler over svc with its own metrics registry.
func NewHandler(svc *reputation.Service) *Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(admission.Metrics()...)
	reg.MustRegister(indexer.Metrics()...)
	return &Handler{svc: svc, registry: reg}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", h.handleHealth)
	mux.HandleFunc("/api/v1/statements", h.handleStatements)
	mux.HandleFunc("/api/v1/identities", h.handleIdentities)
	mux.HandleFunc("/api/v1/distance", h.handleDistance)
	mux.HandleFunc("/api/v1/viewpoints", h.handleViewpoints)
	mux.HandleFunc("/api/v1/stats", h.handleStats)
	mux.HandleFunc("/api/v1/reindex", h.handleReindex)
	mux.HandleFunc("/api/v1/sync", h.handleSync)
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"component": "sdn-trust",
		"keyID":     h.svc.KeyID(),
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

type statementView struct {
	Hash       string                `json:"hash"`
	Signer     string                `json:"signer"`
	Type       statement.Type        `json:"type"`
	Rating     int                   `json:"rating,omitempty"`
	MinRating  int                   `json:"minRating,omitempty"`
	MaxRating  int                   `json:"maxRating,omitempty"`
	Author     []statement.Attribute `json:"author"`
	Recipient  []statement.Attribute `json:"recipient"`
	Comment    string                `json:"comment,omitempty"`
	Timestamp  string                `json:"timestamp"`
	Public     bool                  `json:"public"`
	Priority   int                   `json:"priority"`
	ContentRef string                `json:"contentRef,omitempty"`
	Envelope   json.RawMessage       `json:"envelope,omitempty"`
}

func newStatementView(s *statement.Statement, withEnvelope bool) statementView {
	v := statementView{
		Hash:       s.Hash,
		Signer:     s.SignerKeyID,
		Type:       s.Type,
		Rating:     s.Rating,
		MinRating:  s.MinRating,
		MaxRating:  s.MaxRating,
		Author:     s.Author,
		Recipient:  s.Recipient,
		Comment:    s.Comment,
		Timestamp:  s.Timestamp.UTC().Format(time.RFC3339),
		Public:     s.Public,
		Priority:   s.Priority,
		ContentRef: s.ContentRef,
	}
	if withEnvelope && json.Valid(s.Envelope) {
		v.Envelope = s.Envelope
	}
	return v
}

func (h *Handler) handleStatements(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.queryStatements(w, r)
	case http.MethodPost:
		h.admitStatement(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) queryStatements(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stmts, err := h.svc.QueryStatements(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	includeEnvelope := parseBool(r, "include_envelope")
	results := make([]statementView, 0, len(stmts))
	for _, s := range stmts {
		results = append(results, newStatementView(s, includeEnvelope))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(results),
		"limit":   f.Limit,
		"offset":  f.Offset,
		"results": results,
	})
}

func parseFilter(r *http.Request) (storage.Filter, error) {
	f := storage.Filter{
		Type:       statement.Type(strings.TrimSpace(r.URL.Query().Get("type"))),
		Signer:     strings.TrimSpace(r.URL.Query().Get("signer")),
		Search:     strings.TrimSpace(r.URL.Query().Get("search")),
		PublicOnly: parseBool(r, "public"),
		Limit:      parseLimit(r, 100, 1000),
	}

	var err error
	if f.Author, err = optionalAttribute(r, "author"); err != nil {
		return f, err
	}
	if f.Recipient, err = optionalAttribute(r, "recipient"); err != nil {
		return f, err
	}
	if f.Viewpoint, err = optionalAttribute(r, "viewpoint"); err != nil {
		return f, err
	}
	if f.Viewpoint != nil {
		f.MaxDistance = admission.UnknownDistance - 1
		if raw := strings.TrimSpace(r.URL.Query().Get("max_distance")); raw != "" {
			if f.MaxDistance, err = strconv.Atoi(raw); err != nil || f.MaxDistance < 0 {
				return f, errors.New("invalid max_distance")
			}
		}
	}
	if f.Since, err = optionalTime(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = optionalTime(r, "until"); err != nil {
		return f, err
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		if f.Offset, err = strconv.Atoi(raw); err != nil || f.Offset < 0 {
			return f, errors.New("invalid offset")
		}
	}
	return f, nil
}

func (h *Handler) admitStatement(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxEnvelopeSize {
		writeError(w, http.StatusRequestEntityTooLarge, "statement too large")
		return
	}

	s, outcome, err := h.svc.AdmitStatement(r.Context(), body)
	if err != nil {
		if errors.Is(err, statement.ErrInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Errorf("Failed to admit statement: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if outcome == admission.Admitted {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"hash":    s.Hash,
		"outcome": outcome,
	})
}

type memberView struct {
	Name          string `json:"name"`
	Value         string `json:"value"`
	Confirmations int    `json:"confirmations"`
	Refutations   int    `json:"refutations"`
}

type identityView struct {
	ID        int                 `json:"id"`
	Viewpoint statement.Attribute `json:"viewpoint"`
	Members   []memberView        `json:"members"`
	Stats     *identity.Stats     `json:"stats,omitempty"`
}

func newIdentityView(ident *identity.Identity) identityView {
	v := identityView{ID: ident.ID, Viewpoint: ident.Viewpoint, Members: make([]memberView, 0, len(ident.Members))}
	for _, m := range ident.Members {
		v.Members = append(v.Members, memberView{
			Name:          m.Name,
			Value:         m.Value,
			Confirmations: m.Confirmations,
			Refutations:   m.Refutations,
		})
	}
	return v
}

func (h *Handler) handleIdentities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	attr, err := optionalAttribute(r, "attr")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	viewpoint, err := optionalAttribute(r, "viewpoint")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	search := strings.TrimSpace(r.URL.Query().Get("search"))
	if peer := strings.TrimSpace(r.URL.Query().Get("peer")); peer != "" {
		h.searchPeer(w, r, peer, search)
		return
	}
	if attr == nil && search == "" {
		writeError(w, http.StatusBadRequest, "missing required query parameter: attr or search")
		return
	}

	var a, vp statement.Attribute
	if attr != nil {
		a = *attr
	}
	if viewpoint != nil {
		vp = *viewpoint
	}
	ids, err := h.svc.QueryIdentityAttributes(r.Context(), a, vp, search, parseLimit(r, 20, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]identityView, 0, len(ids))
	for _, ident := range ids {
		v := newIdentityView(ident)
		if attr != nil && parseBool(r, "include_stats") {
			if v.Stats, err = h.svc.IdentityStats(r.Context(), a, ident.Viewpoint); err != nil {
				log.Warnf("Failed to load stats of %s: %v", a, err)
			}
		}
		results = append(results, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(results),
		"results": results,
	})
}

func (h *Handler) handleDistance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	to, err := requiredAttribute(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from := h.svc.Root()
	if f, err := optionalAttribute(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if f != nil {
		from = *f
	}

	d, ok, err := h.svc.TrustDistance(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := map[string]interface{}{
		"from":    from,
		"to":      to,
		"trusted": ok,
	}
	if ok {
		payload["distance"] = d
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleViewpoints(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Attribute statement.Attribute `json:"attribute"`
			Depth     int                 `json:"depth"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxEnvelopeSize)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
			return
		}
		if req.Attribute.Name == "" || req.Attribute.Value == "" {
			writeError(w, http.StatusBadRequest, "attribute must be [name, value]")
			return
		}
		if err := h.svc.AddTrustIndexedAttribute(r.Context(), req.Attribute, req.Depth); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	vs, err := h.svc.Viewpoints(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"viewpoints": vs})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleReindex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	kind, err := h.svc.TriggerFullReindex(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dir, _ := h.svc.Directory(r.Context())
	payload := map[string]interface{}{"kind": kind}
	if dir.Defined() {
		payload["directory"] = dir.String()
	}
	writeJSON(w, http.StatusOK, payload)
}

type profileView struct {
	Attributes []memberView `json:"attributes"`
	Sent       string       `json:"sent"`
	Received   string       `json:"received"`
}

// searchPeer searches the identities index a peer published.
func (h *Handler) searchPeer(w http.ResponseWriter, r *http.Request, peer, search string) {
	if search == "" {
		writeError(w, http.StatusBadRequest, "missing required query parameter: search")
		return
	}
	profiles, err := h.svc.SearchPeerIdentities(r.Context(), peer, search, parseLimit(r, 20, 200))
	if err != nil {
		writePeerError(w, err)
		return
	}

	results := make([]profileView, 0, len(profiles))
	for _, p := range profiles {
		v := profileView{Attributes: make([]memberView, 0, len(p.Attributes)), Sent: p.Sent.String(), Received: p.Received.String()}
		for _, a := range p.Attributes {
			v.Attributes = append(v.Attributes, memberView{
				Name:          a.Name,
				Value:         a.Value,
				Confirmations: a.Confirmations,
				Refutations:   a.Refutations,
			})
		}
		results = append(results, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peer":    peer,
		"count":   len(results),
		"results": results,
	})
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing required query parameter: name")
		return
	}

	res, err := h.svc.TriggerPeerSync(r.Context(), name)
	if err != nil {
		writePeerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writePeerError maps a failure to reach a peer's index to a status.
func writePeerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, indexer.ErrNoNameSystem):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, contentstore.ErrNameNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
		},
	})
}

func parseLimit(r *http.Request, defaultValue, maxValue int) int {
	limit := defaultValue
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return limit
	}
	if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
		limit = parsed
	}
	if limit > maxValue {
		limit = maxValue
	}
	return limit
}

func parseBool(r *http.Request, key string) bool {
	raw := strings.TrimSpace(strings.ToLower(r.URL.Query().Get(key)))
	return raw == "1" || raw == "true" || raw == "yes"
}

func requiredAttribute(r *http.Request, key string) (statement.Attribute, error) {
	a, err := optionalAttribute(r, key)
	if err != nil {
		return statement.Attribute{}, err
	}
	if a == nil {
		return statement.Attribute{}, fmt.Errorf("missing required query parameter: %s", key)
	}
	return *a, nil
}

// optionalAttribute parses a name:value query parameter.
func optionalAttribute(r *http.Request, key string) (*statement.Attribute, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	a, err := statement.ParseAttribute(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s (expected name:value)", key)
	}
	return &a, nil
}

// optionalTime accepts RFC 3339 timestamps and unix seconds.
func optionalTime(r *http.Request, key string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s (expected RFC 3339 or unix seconds)", key)
	}
	return t, nil
}
