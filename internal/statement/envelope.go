package statement

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"
)

// Draft is the unsigned content of a statement.
type Draft struct {
	Type      Type
	Rating    int
	MinRating int
	MaxRating int
	Author    []Attribute
	Recipient []Attribute
	Comment   string
	Timestamp time.Time
	Public    bool
}

type payload struct {
	Type      Type        `json:"type"`
	Author    []Attribute `json:"author"`
	Recipient []Attribute `json:"recipient"`
	Rating    int         `json:"rating,omitempty"`
	MinRating int         `json:"minRating,omitempty"`
	MaxRating int         `json:"maxRating,omitempty"`
	Comment   string      `json:"comment,omitempty"`
	Timestamp string      `json:"timestamp"`
	Public    bool        `json:"public"`
}

type envelope struct {
	Payload json.RawMessage `json:"payload"`
	PubKey  []byte          `json:"pubKey"`
	Sig     []byte          `json:"sig"`
}

// Sign signs the draft with key and returns the resulting statement, hash and signer included.
func Sign(key crypto.PrivKey, d Draft) (*Statement, error) {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	p := payload{
		Type:      d.Type,
		Author:    d.Author,
		Recipient: d.Recipient,
		Rating:    d.Rating,
		MinRating: d.MinRating,
		MaxRating: d.MaxRating,
		Comment:   d.Comment,
		Timestamp: d.Timestamp.UTC().Format(time.RFC3339),
		Public:    d.Public,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	sig, err := key.Sign(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to sign statement: %w", err)
	}
	pub, err := crypto.MarshalPublicKey(key.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	env, err := json.Marshal(envelope{Payload: raw, PubKey: pub, Sig: sig})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return Parse(env)
}

// Parse decodes an envelope, verifies its signature and validates the content.
func Parse(data []byte) (*Statement, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrInvalid, err)
	}
	if len(env.Payload) == 0 || len(env.PubKey) == 0 || len(env.Sig) == 0 {
		return nil, fmt.Errorf("%w: incomplete envelope", ErrInvalid)
	}

	pub, err := crypto.UnmarshalPublicKey(env.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrInvalid, err)
	}
	ok, err := pub.Verify(env.Payload, env.Sig)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalid)
	}

	var p payload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalid, err)
	}
	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrInvalid, err)
	}
	signer, err := KeyIDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	s := &Statement{
		Hash:        Hash(data),
		SignerKeyID: signer,
		Type:        p.Type,
		Rating:      p.Rating,
		MinRating:   p.MinRating,
		MaxRating:   p.MaxRating,
		Author:      p.Author,
		Recipient:   p.Recipient,
		Comment:     p.Comment,
		Timestamp:   ts.UTC(),
		Public:      p.Public,
		Envelope:    data,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// DeriveSignerKeyID fills in SignerKeyID from the envelope's public key when it is missing.
func (s *Statement) DeriveSignerKeyID() error {
	if s.SignerKeyID != "" {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(s.Envelope, &env); err != nil {
		return fmt.Errorf("%w: envelope: %v", ErrInvalid, err)
	}
	pub, err := crypto.UnmarshalPublicKey(env.PubKey)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", ErrInvalid, err)
	}
	id, err := KeyIDFromPublicKey(pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	s.SignerKeyID = id
	return nil
}

// KeyIDFromPublicKey returns the keyID attribute value of a public key.
func KeyIDFromPublicKey(pub crypto.PubKey) (string, error) {
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to derive key id: %w", err)
	}
	return id.String(), nil
}

// Hash returns the content hash of an envelope as a CIDv1 string.
func Hash(data []byte) string {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		// sha2-256 is always registered
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}
