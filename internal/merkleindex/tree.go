// Package merkleindex implements a sorted key/value index stored as a tree of content-addressed
// dag-cbor nodes. Any root CID identifies one immutable version of the index, so a published root
// can be fetched and verified node by node.
package merkleindex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
)

// DefaultMaxChildren bounds the fan-out of tree nodes.
const DefaultMaxChildren = 100

// ErrUnsorted is returned by FromSortedList when keys are not strictly ascending.
var ErrUnsorted = errors.New("entries are not strictly sorted")

var errStop = errors.New("stop")

// NodeStore persists dag-cbor nodes.
type NodeStore interface {
	PutNode(ctx context.Context, obj any) (cid.Cid, error)
	GetNode(ctx context.Context, c cid.Cid, out any) error
}

// Entry is one key of the index. Target optionally links to the content the entry describes.
type Entry struct {
	Key    string
	Value  []byte
	Target cid.Cid
}

type wireEntry struct {
	Key    string
	Value  []byte
	Target []cid.Cid
}

// node is either a leaf holding entries or an inner node holding the smallest key of each child.
type node struct {
	Leaf     bool
	Entries  []wireEntry
	Keys     []string
	Children []cid.Cid
}

func init() {
	cbornode.RegisterCborType(wireEntry{})
	cbornode.RegisterCborType(node{})
}

func toWire(e Entry) wireEntry {
	w := wireEntry{Key: e.Key, Value: e.Value, Target: []cid.Cid{}}
	if w.Value == nil {
		w.Value = []byte{}
	}
	if e.Target.Defined() {
		w.Target = []cid.Cid{e.Target}
	}
	return w
}

func fromWire(w wireEntry) Entry {
	e := Entry{Key: w.Key, Value: w.Value}
	if len(w.Target) > 0 {
		e.Target = w.Target[0]
	}
	return e
}

func newLeaf(entries []wireEntry) *node {
	return &node{Leaf: true, Entries: entries, Keys: []string{}, Children: []cid.Cid{}}
}

func newInner(keys []string, children []cid.Cid) *node {
	return &node{Entries: []wireEntry{}, Keys: keys, Children: children}
}

func (n *node) size() int {
	if n.Leaf {
		return len(n.Entries)
	}
	return len(n.Children)
}

func (n *node) minKey() string {
	if n.Leaf {
		if len(n.Entries) == 0 {
			return ""
		}
		return n.Entries[0].Key
	}
	return n.Keys[0]
}

// ref points at a stored node.
type ref struct {
	c     cid.Cid
	min   string
	empty bool
}

// Tree is a handle on one version of an index. Mutations store new nodes and move the handle to
// the new root; the previous root stays valid. A Tree is not safe for concurrent mutation.
type Tree struct {
	store       NodeStore
	root        cid.Cid
	maxChildren int
}

func fanout(maxChildren int) int {
	if maxChildren < 2 {
		return DefaultMaxChildren
	}
	return maxChildren
}

// New creates an empty index.
func New(ctx context.Context, store NodeStore, maxChildren int) (*Tree, error) {
	return FromSortedList(ctx, store, nil, maxChildren)
}

// FromSortedList bulk-loads an index from entries sorted by strictly ascending key.
func FromSortedList(ctx context.Context, store NodeStore, entries []Entry, maxChildren int) (*Tree, error) {
	t := &Tree{store: store, maxChildren: fanout(maxChildren)}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Key >= entries[i].Key {
			return nil, fmt.Errorf("%w: %q before %q", ErrUnsorted, entries[i-1].Key, entries[i].Key)
		}
	}

	var level []ref
	for start := 0; ; start += t.maxChildren {
		end := min(start+t.maxChildren, len(entries))
		leaf := make([]wireEntry, 0, end-start)
		for _, e := range entries[start:end] {
			leaf = append(leaf, toWire(e))
		}
		r, err := t.put(ctx, newLeaf(leaf))
		if err != nil {
			return nil, err
		}
		level = append(level, r)
		if end == len(entries) {
			break
		}
	}

	for len(level) > 1 {
		var next []ref
		for start := 0; start < len(level); start += t.maxChildren {
			end := min(start+t.maxChildren, len(level))
			r, err := t.put(ctx, innerOf(level[start:end]))
			if err != nil {
				return nil, err
			}
			next = append(next, r)
		}
		level = next
	}
	t.root = level[0].c
	return t, nil
}

// Load opens an existing index by its root CID.
func Load(ctx context.Context, store NodeStore, root cid.Cid, maxChildren int) (*Tree, error) {
	t := &Tree{store: store, root: root, maxChildren: fanout(maxChildren)}
	if _, err := t.get(ctx, root); err != nil {
		return nil, err
	}
	return t, nil
}

// Root returns the CID of the current version.
func (t *Tree) Root() cid.Cid {
	return t.root
}

func innerOf(children []ref) *node {
	keys := make([]string, len(children))
	cids := make([]cid.Cid, len(children))
	for i, r := range children {
		keys[i], cids[i] = r.min, r.c
	}
	return newInner(keys, cids)
}

func (t *Tree) put(ctx context.Context, n *node) (ref, error) {
	c, err := t.store.PutNode(ctx, n)
	if err != nil {
		return ref{}, fmt.Errorf("failed to store index node: %w", err)
	}
	return ref{c: c, min: n.minKey(), empty: n.size() == 0}, nil
}

func (t *Tree) get(ctx context.Context, c cid.Cid) (*node, error) {
	var n node
	if err := t.store.GetNode(ctx, c, &n); err != nil {
		return nil, fmt.Errorf("failed to load index node: %w", err)
	}
	if !n.Leaf && len(n.Children) == 0 {
		return nil, fmt.Errorf("index node %s has no children", c)
	}
	if !n.Leaf && len(n.Keys) != len(n.Children) {
		return nil, fmt.Errorf("index node %s is malformed", c)
	}
	if n.Leaf {
		return newLeaf(append([]wireEntry{}, n.Entries...)), nil
	}
	return newInner(n.Keys, n.Children), nil
}

// childIndex returns the child of an inner node whose range covers key.
func childIndex(keys []string, key string) int {
	i := sort.Search(len(keys), func(i int) bool { return keys[i] > key }) - 1
	if i < 0 {
		return 0
	}
	return i
}

// Get looks up one key.
func (t *Tree) Get(ctx context.Context, key string) (Entry, bool, error) {
	c := t.root
	for {
		n, err := t.get(ctx, c)
		if err != nil {
			return Entry{}, false, err
		}
		if !n.Leaf {
			c = n.Children[childIndex(n.Keys, key)]
			continue
		}
		i := sort.Search(len(n.Entries), func(i int) bool { return n.Entries[i].Key >= key })
		if i < len(n.Entries) && n.Entries[i].Key == key {
			return fromWire(n.Entries[i]), true, nil
		}
		return Entry{}, false, nil
	}
}

// Put inserts or replaces the entry for key.
func (t *Tree) Put(ctx context.Context, key string, value []byte, target cid.Cid) error {
	refs, err := t.insert(ctx, t.root, toWire(Entry{Key: key, Value: value, Target: target}))
	if err != nil {
		return err
	}
	for len(refs) > 1 {
		r, err := t.put(ctx, innerOf(refs))
		if err != nil {
			return err
		}
		refs = []ref{r}
	}
	t.root = refs[0].c
	return nil
}

func (t *Tree) insert(ctx context.Context, c cid.Cid, e wireEntry) ([]ref, error) {
	n, err := t.get(ctx, c)
	if err != nil {
		return nil, err
	}

	if n.Leaf {
		i := sort.Search(len(n.Entries), func(i int) bool { return n.Entries[i].Key >= e.Key })
		if i < len(n.Entries) && n.Entries[i].Key == e.Key {
			n.Entries[i] = e
		} else {
			n.Entries = append(n.Entries, wireEntry{})
			copy(n.Entries[i+1:], n.Entries[i:])
			n.Entries[i] = e
		}
	} else {
		i := childIndex(n.Keys, e.Key)
		refs, err := t.insert(ctx, n.Children[i], e)
		if err != nil {
			return nil, err
		}
		keys := append(append(append([]string{}, n.Keys[:i]...), refsMin(refs)...), n.Keys[i+1:]...)
		children := append(append(append([]cid.Cid{}, n.Children[:i]...), refsCid(refs)...), n.Children[i+1:]...)
		n.Keys, n.Children = keys, children
	}
	return t.split(ctx, n)
}

// split stores n, halving it first if it grew past the fan-out.
func (t *Tree) split(ctx context.Context, n *node) ([]ref, error) {
	if n.size() <= t.maxChildren {
		r, err := t.put(ctx, n)
		if err != nil {
			return nil, err
		}
		return []ref{r}, nil
	}

	mid := n.size() / 2
	var left, right *node
	if n.Leaf {
		left = newLeaf(append([]wireEntry{}, n.Entries[:mid]...))
		right = newLeaf(append([]wireEntry{}, n.Entries[mid:]...))
	} else {
		left = newInner(append([]string{}, n.Keys[:mid]...), append([]cid.Cid{}, n.Children[:mid]...))
		right = newInner(append([]string{}, n.Keys[mid:]...), append([]cid.Cid{}, n.Children[mid:]...))
	}
	l, err := t.put(ctx, left)
	if err != nil {
		return nil, err
	}
	r, err := t.put(ctx, right)
	if err != nil {
		return nil, err
	}
	return []ref{l, r}, nil
}

func refsMin(refs []ref) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.min
	}
	return out
}

func refsCid(refs []ref) []cid.Cid {
	out := make([]cid.Cid, len(refs))
	for i, r := range refs {
		out[i] = r.c
	}
	return out
}

// Delete removes key, reporting whether it was present.
func (t *Tree) Delete(ctx context.Context, key string) (bool, error) {
	r, removed, err := t.remove(ctx, t.root, key)
	if err != nil || !removed {
		return false, err
	}
	if r.empty {
		empty, err := t.put(ctx, newLeaf([]wireEntry{}))
		if err != nil {
			return false, err
		}
		t.root = empty.c
		return true, nil
	}

	// Collapse inner nodes left with a single child.
	root := r.c
	for {
		n, err := t.get(ctx, root)
		if err != nil {
			return false, err
		}
		if n.Leaf || len(n.Children) > 1 {
			break
		}
		root = n.Children[0]
	}
	t.root = root
	return true, nil
}

func (t *Tree) remove(ctx context.Context, c cid.Cid, key string) (ref, bool, error) {
	n, err := t.get(ctx, c)
	if err != nil {
		return ref{}, false, err
	}

	if n.Leaf {
		i := sort.Search(len(n.Entries), func(i int) bool { return n.Entries[i].Key >= key })
		if i == len(n.Entries) || n.Entries[i].Key != key {
			return ref{}, false, nil
		}
		n.Entries = append(n.Entries[:i], n.Entries[i+1:]...)
		r, err := t.put(ctx, n)
		return r, true, err
	}

	i := childIndex(n.Keys, key)
	child, removed, err := t.remove(ctx, n.Children[i], key)
	if err != nil || !removed {
		return ref{}, removed, err
	}
	if child.empty {
		n.Keys = append(n.Keys[:i], n.Keys[i+1:]...)
		n.Children = append(n.Children[:i], n.Children[i+1:]...)
		if len(n.Children) == 0 {
			return ref{empty: true}, true, nil
		}
	} else {
		n.Keys[i], n.Children[i] = child.min, child.c
	}
	r, err := t.put(ctx, n)
	return r, true, err
}

// Query selects a key range. From is inclusive, To exclusive; empty bounds are open. Limit 0 means
// no limit.
type Query struct {
	Prefix string
	From   string
	To     string
	Limit  int
}

func (q Query) lower() string {
	if q.Prefix > q.From {
		return q.Prefix
	}
	return q.From
}

// beyond reports whether key and every later key fall outside q.
func (q Query) beyond(key string) bool {
	if q.To != "" && key >= q.To {
		return true
	}
	return q.Prefix != "" && key > q.Prefix && !strings.HasPrefix(key, q.Prefix)
}

func (q Query) match(key string) bool {
	return key >= q.lower() && (q.To == "" || key < q.To) && strings.HasPrefix(key, q.Prefix)
}

// Search returns the entries matching q in key order.
func (t *Tree) Search(ctx context.Context, q Query) ([]Entry, error) {
	var out []Entry
	err := t.walk(ctx, t.root, q, func(e Entry) error {
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return out, nil
}

// Walk calls fn for every entry in key order. An error from fn stops the walk and is returned.
func (t *Tree) Walk(ctx context.Context, fn func(Entry) error) error {
	return t.walk(ctx, t.root, Query{}, fn)
}

func (t *Tree) walk(ctx context.Context, c cid.Cid, q Query, fn func(Entry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := t.get(ctx, c)
	if err != nil {
		return err
	}

	if n.Leaf {
		for _, w := range n.Entries {
			if q.beyond(w.Key) {
				return errStop
			}
			if q.match(w.Key) {
				if err := fn(fromWire(w)); err != nil {
					return err
				}
			}
		}
		return nil
	}

	lo := q.lower()
	for i, child := range n.Children {
		if i+1 < len(n.Keys) && n.Keys[i+1] <= lo {
			continue
		}
		if q.beyond(n.Keys[i]) {
			return errStop
		}
		if err := t.walk(ctx, child, q, fn); err != nil {
			return err
		}
	}
	return nil
}
