package admission

import "math"

// UnknownDistance stands in for the author distance when no author attribute is trusted.
const UnknownDistance = 99

// Distances are the trust distances a priority is computed from.
type Distances struct {
	Signer        int
	SignerTrusted bool
	// Author is the smallest distance of any author attribute, or UnknownDistance.
	Author int

	HasAuthorKey    bool
	HasRecipientKey bool
}

// Priority ranks a statement for eviction: statements from closer signers and authors are kept
// longer. Untrusted signers get 0.
func Priority(d Distances) int {
	if !d.SignerTrusted || d.Signer < 0 {
		return 0
	}
	author := d.Author
	if author < 0 {
		author = UnknownDistance
	}

	p := 100 / float64(d.Signer+1)
	priority := int(math.Round(p/2 + p/float64(author+2)))
	if !d.HasAuthorKey {
		priority--
	}
	if !d.HasRecipientKey {
		priority--
	}
	if priority < 0 {
		return 0
	}
	return priority
}
