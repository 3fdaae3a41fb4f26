package indexer

import (
	"context"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"

	"github.com/spacedatanetwork/sdn-trust/internal/identity"
	"github.com/spacedatanetwork/sdn-trust/internal/merkleindex"
	"github.com/spacedatanetwork/sdn-trust/internal/statement"
	"github.com/spacedatanetwork/sdn-trust/internal/storage"
)

// ProfileAttribute is one member of a published identity.
type ProfileAttribute struct {
	Name          string
	Value         string
	Confirmations int
	Refutations   int
}

// Profile describes one identity: its attributes and indexes of the statements it sent and
// received, keyed by timestamp.
type Profile struct {
	Attributes []ProfileAttribute
	Sent       cid.Cid
	Received   cid.Cid
}

// Info describes the publishing node.
type Info struct {
	RootKeyID  string
	Attributes []ProfileAttribute
}

// Directory is the published root object of a node's indexes.
type Directory struct {
	MessagesByDistance    cid.Cid
	MessagesByTimestamp   cid.Cid
	IdentitiesByDistance  cid.Cid
	IdentitiesBySearchKey cid.Cid
	Info                  Info
}

func init() {
	cbornode.RegisterCborType(ProfileAttribute{})
	cbornode.RegisterCborType(Profile{})
	cbornode.RegisterCborType(Info{})
	cbornode.RegisterCborType(Directory{})
}

// group is the set of attributes published as one profile.
type group struct {
	members []identity.Member
}

func (g group) attributes() []statement.Attribute {
	out := make([]statement.Attribute, len(g.members))
	for i, m := range g.members {
		out[i] = m.Attribute
	}
	return out
}

// groups partitions attrs into identity clusters under the root viewpoint. Attributes that belong
// to no cluster form singleton groups.
func (ix *Indexer) groups(ctx context.Context, attrs []statement.Attribute) ([]group, error) {
	assigned := make(map[statement.Attribute]bool)
	var out []group
	for _, a := range attrs {
		if assigned[a] {
			continue
		}
		var g group
		if ix.clusters != nil {
			id, err := ix.clusters.Cluster(ctx, a, ix.cfg.Root)
			if err != nil {
				return nil, fmt.Errorf("failed to look up identity of %s: %w", a, err)
			}
			if id != nil {
				g.members = append(g.members, id.Members...)
			}
		}
		if len(g.members) == 0 {
			g.members = []identity.Member{{Attribute: a}}
		}
		sort.Slice(g.members, func(i, j int) bool {
			if g.members[i].Name != g.members[j].Name {
				return g.members[i].Name < g.members[j].Name
			}
			return g.members[i].Value < g.members[j].Value
		})
		for _, m := range g.members {
			assigned[m.Attribute] = true
		}
		out = append(out, g)
	}
	return out, nil
}

// buildProfile stores the profile of g and returns its CID.
func (ix *Indexer) buildProfile(ctx context.Context, g group) (cid.Cid, error) {
	sent, err := ix.subIndex(ctx, g, false)
	if err != nil {
		return cid.Undef, err
	}
	received, err := ix.subIndex(ctx, g, true)
	if err != nil {
		return cid.Undef, err
	}

	p := Profile{Attributes: make([]ProfileAttribute, len(g.members)), Sent: sent, Received: received}
	for i, m := range g.members {
		p.Attributes[i] = ProfileAttribute{
			Name:          m.Name,
			Value:         m.Value,
			Confirmations: m.Confirmations,
			Refutations:   m.Refutations,
		}
	}
	c, err := ix.blocks.PutNode(ctx, p)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to store profile: %w", err)
	}
	return c, nil
}

// subIndex indexes the public statements one side of which mentions a member of g.
func (ix *Indexer) subIndex(ctx context.Context, g group, received bool) (cid.Cid, error) {
	seen := make(map[string]bool)
	var entries []merkleindex.Entry
	for _, a := range g.attributes() {
		f := storage.Filter{PublicOnly: true}
		if received {
			f.Recipient = &a
		} else {
			f.Author = &a
		}
		stmts, err := ix.store.QueryStatements(ctx, f)
		if err != nil {
			return cid.Undef, err
		}
		for _, s := range stmts {
			if seen[s.Hash] {
				continue
			}
			seen[s.Hash] = true
			entries = append(entries, merkleindex.Entry{Key: TimestampKey(s.Timestamp, s.Hash), Target: statementCid(s)})
		}
	}
	tree, err := merkleindex.FromSortedList(ctx, ix.blocks, sortEntries(entries), ix.cfg.MaxChildren)
	if err != nil {
		return cid.Undef, err
	}
	return tree.Root(), nil
}

// profileEntries returns the identities-by-distance entries of a stored profile.
func (ix *Indexer) profileEntries(ctx context.Context, g group, profile cid.Cid) ([]merkleindex.Entry, error) {
	dist, err := ix.distance(ctx, ix.store, g.attributes())
	if err != nil {
		return nil, err
	}
	var out []merkleindex.Entry
	for _, a := range g.attributes() {
		if !ix.store.IsUniqueType(a.Name) {
			continue
		}
		for _, k := range IdentityKeys(dist, a, profile.String()) {
			out = append(out, merkleindex.Entry{Key: k, Target: profile})
		}
	}
	return out, nil
}

// statementCid is the raw-block CID of a statement's envelope, which is also its hash.
func statementCid(s *statement.Statement) cid.Cid {
	c, err := cid.Decode(s.Hash)
	if err != nil {
		return cid.Undef
	}
	return c
}

// sortEntries orders entries by key, keeping the first of any duplicate keys.
func sortEntries(entries []merkleindex.Entry) []merkleindex.Entry {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	out := make([]merkleindex.Entry, 0, len(entries))
	for _, e := range entries {
		if len(out) > 0 && out[len(out)-1].Key == e.Key {
			continue
		}
		out = append(out, e)
	}
	return out
}
