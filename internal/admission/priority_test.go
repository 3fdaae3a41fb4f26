package admission

import (
	"testing"

	"pgregory.net/rapid"
)

func TestPriority(t *testing.T) {
	tests := []struct {
		name string
		d    Distances
		want int
	}{
		{"root about a key", Distances{Signer: 0, SignerTrusted: true, Author: 0, HasAuthorKey: true, HasRecipientKey: true}, 100},
		{"no author key", Distances{Signer: 0, SignerTrusted: true, Author: 0, HasRecipientKey: true}, 99},
		{"no keys", Distances{Signer: 0, SignerTrusted: true, Author: 0}, 98},
		{"one hop", Distances{Signer: 1, SignerTrusted: true, Author: 1, HasAuthorKey: true, HasRecipientKey: true}, 42},
		{"untrusted author", Distances{Signer: 0, SignerTrusted: true, Author: UnknownDistance, HasAuthorKey: true, HasRecipientKey: true}, 51},
		{"untrusted signer", Distances{Signer: 0, SignerTrusted: false, Author: 0, HasAuthorKey: true, HasRecipientKey: true}, 0},
		{"floor at zero", Distances{Signer: 99, SignerTrusted: true, Author: UnknownDistance}, 0},
	}

	for _, tt := range tests {
		if got := Priority(tt.d); got != tt.want {
			t.Errorf("%s: Priority(%+v) = %d, want %d", tt.name, tt.d, got, tt.want)
		}
	}
}

func genDistances(t *rapid.T) Distances {
	return Distances{
		Signer:          rapid.IntRange(0, 20).Draw(t, "signer"),
		SignerTrusted:   true,
		Author:          rapid.IntRange(0, UnknownDistance).Draw(t, "author"),
		HasAuthorKey:    rapid.Bool().Draw(t, "hasAuthorKey"),
		HasRecipientKey: rapid.Bool().Draw(t, "hasRecipientKey"),
	}
}

func TestPriorityBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := genDistances(rt)
		p := Priority(d)
		if p < 0 || p > 100 {
			rt.Fatalf("Priority(%+v) = %d outside [0, 100]", d, p)
		}
		d.SignerTrusted = false
		if p := Priority(d); p != 0 {
			rt.Fatalf("untrusted Priority(%+v) = %d, want 0", d, p)
		}
	})
}

func TestPriorityMonotonicInSignerDistance(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := genDistances(rt)
		farther := d
		farther.Signer += rapid.IntRange(1, 10).Draw(rt, "step")
		if Priority(farther) > Priority(d) {
			rt.Fatalf("priority rose with signer distance: %+v -> %d, %+v -> %d", d, Priority(d), farther, Priority(farther))
		}
	})
}

func TestPriorityMonotonicInAuthorDistance(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := genDistances(rt)
		d.Author = rapid.IntRange(0, UnknownDistance-1).Draw(rt, "nearAuthor")
		farther := d
		farther.Author = rapid.IntRange(d.Author+1, UnknownDistance).Draw(rt, "farAuthor")
		if Priority(farther) > Priority(d) {
			rt.Fatalf("priority rose with author distance: %+v -> %d, %+v -> %d", d, Priority(d), farther, Priority(farther))
		}
	})
}

func TestPriorityKeysNeverLower(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := genDistances(rt)
		withKeys := d
		withKeys.HasAuthorKey, withKeys.HasRecipientKey = true, true
		if Priority(withKeys) < Priority(d) {
			rt.Fatalf("key attributes lowered priority: %+v", d)
		}
	})
}
