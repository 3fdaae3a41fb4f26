package node

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"

	"github.com/spacedatanetwork/sdn-trust/internal/contentstore"
)

// NameNamespace is the DHT record namespace of published index names.
const NameNamespace = "sdn-trust"

// nameSigPrefix separates name record signatures from other uses of the node key.
const nameSigPrefix = "sdn-trust-name:"

var (
	// ErrForeignName is returned when publishing a name other than the node's own peer ID.
	ErrForeignName = errors.New("can only publish under the node's own peer ID")
	// ErrInvalidNameRecord is returned for records that fail validation.
	ErrInvalidNameRecord = errors.New("invalid name record")
)

// NameRecord binds a peer's name to a directory CID. Higher sequence numbers win.
type NameRecord struct {
	Value  []byte
	Seq    uint64
	PubKey []byte
	Sig    []byte
}

func init() {
	cbornode.RegisterCborType(NameRecord{})
}

// NameKey returns the DHT key a peer's name record is stored under.
func NameKey(id peer.ID) string {
	return "/" + NameNamespace + "/" + id.String()
}

func signedBytes(value []byte, seq uint64) []byte {
	buf := make([]byte, 0, len(nameSigPrefix)+len(value)+8)
	buf = append(buf, nameSigPrefix...)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	return append(buf, value...)
}

// NewNameRecord signs a record binding the key's peer ID to c.
func NewNameRecord(key crypto.PrivKey, c cid.Cid, seq uint64) (*NameRecord, error) {
	pub, err := crypto.MarshalPublicKey(key.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	value := c.Bytes()
	sig, err := key.Sign(signedBytes(value, seq))
	if err != nil {
		return nil, fmt.Errorf("failed to sign name record: %w", err)
	}
	return &NameRecord{Value: value, Seq: seq, PubKey: pub, Sig: sig}, nil
}

// MarshalNameRecord encodes a record as dag-cbor.
func MarshalNameRecord(r *NameRecord) ([]byte, error) {
	return cbornode.DumpObject(r)
}

// UnmarshalNameRecord decodes a record without validating it.
func UnmarshalNameRecord(data []byte) (*NameRecord, error) {
	var r NameRecord
	if err := cbornode.DecodeInto(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNameRecord, err)
	}
	return &r, nil
}

// CID returns the directory the record points to.
func (r *NameRecord) CID() (cid.Cid, error) {
	c, err := cid.Cast(r.Value)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrInvalidNameRecord, err)
	}
	return c, nil
}

// NameValidator accepts name records signed by the peer named in their key.
type NameValidator struct{}

var _ record.Validator = NameValidator{}

// Validate implements record.Validator.
func (NameValidator) Validate(key string, value []byte) error {
	ns, rest, err := record.SplitKey(key)
	if err != nil || ns != NameNamespace {
		return fmt.Errorf("%w: bad key %q", ErrInvalidNameRecord, key)
	}
	id, err := peer.Decode(rest)
	if err != nil {
		return fmt.Errorf("%w: bad peer ID: %v", ErrInvalidNameRecord, err)
	}

	r, err := UnmarshalNameRecord(value)
	if err != nil {
		return err
	}
	if _, err := r.CID(); err != nil {
		return err
	}
	pub, err := crypto.UnmarshalPublicKey(r.PubKey)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", ErrInvalidNameRecord, err)
	}
	if !id.MatchesPublicKey(pub) {
		return fmt.Errorf("%w: key does not match %s", ErrInvalidNameRecord, id)
	}
	ok, err := pub.Verify(signedBytes(r.Value, r.Seq), r.Sig)
	if err != nil || !ok {
		return fmt.Errorf("%w: bad signature", ErrInvalidNameRecord)
	}
	return nil
}

// Select implements record.Validator: the highest sequence number wins, ties go to the larger
// value so every node picks the same record.
func (NameValidator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestRec *NameRecord
	for i, v := range values {
		r, err := UnmarshalNameRecord(v)
		if err != nil {
			continue
		}
		if bestRec == nil || r.Seq > bestRec.Seq ||
			(r.Seq == bestRec.Seq && bytes.Compare(r.Value, bestRec.Value) > 0) {
			best, bestRec = i, r
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("%w: no decodable record for %s", ErrInvalidNameRecord, key)
	}
	return best, nil
}

// DHTNames publishes and resolves index names as signed records in a value store.
type DHTNames struct {
	store routing.ValueStore
	key   crypto.PrivKey
	self  peer.ID

	mu      sync.Mutex
	lastSeq uint64
}

var _ contentstore.NameSystem = (*DHTNames)(nil)

// NewDHTNames creates a name system over store that publishes with key.
func NewDHTNames(store routing.ValueStore, key crypto.PrivKey) (*DHTNames, error) {
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return &DHTNames{store: store, key: key, self: id}, nil
}

func (n *DHTNames) nextSeq() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	seq := uint64(time.Now().UnixNano())
	if seq <= n.lastSeq {
		seq = n.lastSeq + 1
	}
	n.lastSeq = seq
	return seq
}

// Publish implements contentstore.NameSystem. name must be the node's own peer ID.
func (n *DHTNames) Publish(ctx context.Context, name string, c cid.Cid) error {
	if name != n.self.String() {
		return fmt.Errorf("%w: %s", ErrForeignName, name)
	}
	r, err := NewNameRecord(n.key, c, n.nextSeq())
	if err != nil {
		return err
	}
	data, err := MarshalNameRecord(r)
	if err != nil {
		return err
	}
	if err := n.store.PutValue(ctx, NameKey(n.self), data); err != nil {
		return fmt.Errorf("failed to put name record: %w", err)
	}
	return nil
}

// Resolve implements contentstore.NameSystem.
func (n *DHTNames) Resolve(ctx context.Context, name string) (cid.Cid, error) {
	id, err := peer.Decode(strings.TrimPrefix(name, "/p2p/"))
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %s is not a peer ID", contentstore.ErrNameNotFound, name)
	}
	data, err := n.store.GetValue(ctx, NameKey(id))
	if errors.Is(err, routing.ErrNotFound) {
		return cid.Undef, fmt.Errorf("%w: %s", contentstore.ErrNameNotFound, name)
	}
	if err != nil {
		return cid.Undef, err
	}
	r, err := UnmarshalNameRecord(data)
	if err != nil {
		return cid.Undef, err
	}
	return r.CID()
}
