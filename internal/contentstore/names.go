package contentstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
)

// ErrNameNotFound is returned when a name has no published value.
var ErrNameNotFound = errors.New("name not found")

// NameSystem binds mutable names to content.
type NameSystem interface {
	Publish(ctx context.Context, name string, c cid.Cid) error
	Resolve(ctx context.Context, name string) (cid.Cid, error)
}

// LocalNames keeps name bindings in a datastore. Only names published on this node resolve.
type LocalNames struct {
	ds datastore.Datastore
}

// NewLocalNames creates a name system under the /names namespace of d.
func NewLocalNames(d datastore.Datastore) *LocalNames {
	return &LocalNames{ds: namespace.Wrap(d, datastore.NewKey("/names"))}
}

// Publish binds name to c.
func (n *LocalNames) Publish(ctx context.Context, name string, c cid.Cid) error {
	if err := n.ds.Put(ctx, datastore.NewKey(name), c.Bytes()); err != nil {
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return nil
}

// Resolve returns the content bound to name.
func (n *LocalNames) Resolve(ctx context.Context, name string) (cid.Cid, error) {
	data, err := n.ds.Get(ctx, datastore.NewKey(name))
	if errors.Is(err, datastore.ErrNotFound) {
		return cid.Undef, fmt.Errorf("%s: %w", name, ErrNameNotFound)
	}
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	c, err := cid.Cast(data)
	if err != nil {
		return cid.Undef, fmt.Errorf("bad value for %s: %w", name, err)
	}
	return c, nil
}
