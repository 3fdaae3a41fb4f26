// Package statement defines the signed assertions exchanged between trust nodes and the typed
// attributes they are made about.
package statement

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid is returned for malformed statements and envelopes. Invalid statements are never stored.
var ErrInvalid = errors.New("invalid statement")

// KeyID is the attribute type of a cryptographic key identifier (a libp2p peer ID string).
const KeyID = "keyID"

const (
	maxAttributes  = 32
	maxValueLength = 2048
	maxComment     = 16 * 1024
)

// Attribute is a typed identifier such as (email, alice@example.com).
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewAttribute returns an attribute with surrounding whitespace trimmed.
func NewAttribute(name, value string) Attribute {
	return Attribute{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)}
}

// IsKey reports whether the attribute is a key identifier.
func (a Attribute) IsKey() bool {
	return a.Name == KeyID
}

// IsZero reports whether the attribute is unset.
func (a Attribute) IsZero() bool {
	return a.Name == "" && a.Value == ""
}

// String returns name:value.
func (a Attribute) String() string {
	return a.Name + ":" + a.Value
}

// ParseAttribute parses the "name:value" form produced by String.
func ParseAttribute(s string) (Attribute, error) {
	name, value, ok := strings.Cut(s, ":")
	if !ok || name == "" || value == "" {
		return Attribute{}, fmt.Errorf("%w: attribute %q is not name:value", ErrInvalid, s)
	}
	return NewAttribute(name, value), nil
}

// MarshalJSON encodes the attribute as a [name, value] pair.
func (a Attribute) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{a.Name, a.Value})
}

// UnmarshalJSON accepts the [name, value] pair form.
func (a *Attribute) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("%w: attribute: %v", ErrInvalid, err)
	}
	a.Name, a.Value = pair[0], pair[1]
	return nil
}

// Type is the kind of a statement.
type Type string

const (
	// Rating rates the recipient on the [MinRating, MaxRating] scale.
	Rating Type = "rating"
	// VerifyIdentity asserts the recipient attributes belong to one entity.
	VerifyIdentity Type = "verify_identity"
	// UnverifyIdentity refutes a previous identity verification.
	UnverifyIdentity Type = "unverify_identity"
)

// IsVerification reports whether statements of this type link or unlink identity attributes.
func (t Type) IsVerification() bool {
	return t == VerifyIdentity || t == UnverifyIdentity
}

// Statement is a signed assertion about attributes. Everything but the admission metadata
// (Priority, IsLatest, ContentRef) is covered by the envelope signature.
type Statement struct {
	Hash        string
	SignerKeyID string

	Type      Type
	Rating    int
	MinRating int
	MaxRating int
	Author    []Attribute
	Recipient []Attribute
	Comment   string
	Timestamp time.Time
	Public    bool

	Priority   int
	IsLatest   bool
	ContentRef string

	// Envelope is the signed wire form the statement was parsed from.
	Envelope []byte
}

// Validate checks the signed content for structural problems.
func (s *Statement) Validate() error {
	switch {
	case s.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalid)
	case len(s.Author) == 0:
		return fmt.Errorf("%w: missing author", ErrInvalid)
	case len(s.Recipient) == 0:
		return fmt.Errorf("%w: missing recipient", ErrInvalid)
	case len(s.Author)+len(s.Recipient) > maxAttributes:
		return fmt.Errorf("%w: too many attributes", ErrInvalid)
	case s.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalid)
	case len(s.Comment) > maxComment:
		return fmt.Errorf("%w: comment too long", ErrInvalid)
	}
	for _, set := range [][]Attribute{s.Author, s.Recipient} {
		for _, a := range set {
			if a.Name == "" || a.Value == "" {
				return fmt.Errorf("%w: empty attribute %q", ErrInvalid, a.String())
			}
			if len(a.Value) > maxValueLength || strings.ContainsRune(a.Name, ':') {
				return fmt.Errorf("%w: bad attribute %q", ErrInvalid, a.Name)
			}
		}
	}
	if s.Type == Rating {
		if s.MinRating >= s.MaxRating {
			return fmt.Errorf("%w: min rating %d must be below max rating %d", ErrInvalid, s.MinRating, s.MaxRating)
		}
		if s.Rating < s.MinRating || s.Rating > s.MaxRating {
			return fmt.Errorf("%w: rating %d outside [%d, %d]", ErrInvalid, s.Rating, s.MinRating, s.MaxRating)
		}
	}
	return nil
}

// Midpoint is the neutral rating of the statement's scale.
func (s *Statement) Midpoint() float64 {
	return float64(s.MinRating+s.MaxRating) / 2
}

// IsPositive reports whether s is a rating above the midpoint of its scale.
func (s *Statement) IsPositive() bool {
	return s.Type == Rating && float64(s.Rating) > s.Midpoint()
}

// IsNegative reports whether s is a rating below the midpoint of its scale.
func (s *Statement) IsNegative() bool {
	return s.Type == Rating && float64(s.Rating) < s.Midpoint()
}

// AuthorKeys returns the keyID attributes among the authors.
func (s *Statement) AuthorKeys() []Attribute {
	return keys(s.Author)
}

// RecipientKeys returns the keyID attributes among the recipients.
func (s *Statement) RecipientKeys() []Attribute {
	return keys(s.Recipient)
}

// Attributes returns the author attributes followed by the recipient attributes.
func (s *Statement) Attributes() []Attribute {
	out := make([]Attribute, 0, len(s.Author)+len(s.Recipient))
	return append(append(out, s.Author...), s.Recipient...)
}

// SignerAttribute is the keyID attribute of the signer.
func (s *Statement) SignerAttribute() Attribute {
	return Attribute{Name: KeyID, Value: s.SignerKeyID}
}

func keys(attrs []Attribute) []Attribute {
	var out []Attribute
	for _, a := range attrs {
		if a.IsKey() {
			out = append(out, a)
		}
	}
	return out
}

// ShortHash returns the last n characters of the statement hash. CIDv1 strings share a prefix,
// so the suffix is the discriminating part.
func ShortHash(hash string, n int) string {
	if len(hash) <= n {
		return hash
	}
	return hash[len(hash)-n:]
}
