package matcher

import (
	"math"

	"privacycam-go/config"
	"privacycam-go/internal/core/store"

	log "github.com/sirupsen/logrus"
)

// Basis identifies how a match result was produced.
type Basis string

const (
	BasisLocal        Basis = "local"
	BasisANN          Basis = "ann"
	BasisRemote       Basis = "remote"
	BasisEmptyGallery Basis = "empty_gallery"
	BasisRemoteError  Basis = "remote_error"
)

// Result is the outcome of matching one query descriptor against the gallery.
// IdentityID is zero for an unknown face.
type Result struct {
	IdentityID uint    `json:"identity_id,omitempty"`
	Name       string  `json:"name,omitempty"`
	Known      bool    `json:"known"`
	Distance   float64 `json:"distance"`
	Basis      Basis   `json:"basis"`
}

// Matcher resolves a query descriptor to the closest enrolled identity.
// The linear scan is exact; galleries past the configured size are searched
// through the HNSW index first and re-ranked exactly among the candidates.
type Matcher struct {
	cfg   config.MatcherConfig
	index *annIndex
}

// New creates a Matcher with the given configuration.
func New(cfg config.MatcherConfig) *Matcher {
	m := &Matcher{cfg: cfg}
	if cfg.ANNMinDescriptors > 0 {
		m.index = newANNIndex()
	}
	return m
}

// Threshold returns the configured distance cutoff.
func (m *Matcher) Threshold() float64 {
	return m.cfg.Threshold
}

// Match returns the identity minimizing Euclidean distance to the query,
// provided that distance is within threshold; otherwise the face is unknown.
// An empty gallery always yields unknown, never an error.
func (m *Matcher) Match(gallery *store.Gallery, query []float32, threshold float64) Result {
	if gallery == nil || len(gallery.Entries) == 0 {
		return Result{Basis: BasisEmptyGallery}
	}

	candidates := gallery.Entries
	basis := BasisLocal
	if m.index != nil && len(gallery.Entries) >= m.cfg.ANNMinDescriptors {
		if ann := m.index.candidates(gallery, query); len(ann) > 0 {
			candidates = ann
			basis = BasisANN
		}
	}

	best := math.Inf(1)
	for _, e := range candidates {
		d, ok := euclideanDistance(query, e.Vector)
		if !ok {
			log.Debugf("Skipping descriptor %d: dimension mismatch (%d vs %d)",
				e.DescriptorID, len(e.Vector), len(query))
			continue
		}
		if d < best {
			best = d
		}
	}

	// No usable candidate at all behaves like an empty gallery scan.
	if math.IsInf(best, 1) {
		return Result{Basis: basis}
	}
	if best > threshold {
		return Result{Distance: best, Basis: basis}
	}

	// Deterministic tie-break: among all candidates within epsilon of the
	// minimum distance, the identity enrolled earliest wins.
	var winner *store.Entry
	for i := range candidates {
		e := &candidates[i]
		d, ok := euclideanDistance(query, e.Vector)
		if !ok || d > best+m.cfg.Epsilon {
			continue
		}
		if winner == nil || earlier(e, winner) {
			winner = e
		}
	}

	return Result{
		IdentityID: winner.IdentityID,
		Name:       winner.Name,
		Known:      true,
		Distance:   best,
		Basis:      basis,
	}
}

// earlier reports whether a was enrolled before b, falling back to the lower
// identity ID so ordering stays total.
func earlier(a, b *store.Entry) bool {
	if !a.EnrolledAt.Equal(b.EnrolledAt) {
		return a.EnrolledAt.Before(b.EnrolledAt)
	}
	return a.IdentityID < b.IdentityID
}

// euclideanDistance computes the Euclidean distance between two descriptors.
// Returns false when the dimensions disagree.
func euclideanDistance(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), true
}
