package matcher

import (
	"sync"

	"privacycam-go/internal/core/store"

	"github.com/coder/hnsw"
	log "github.com/sirupsen/logrus"
)

// annCandidates is how many nearest neighbors the index hands back for exact
// re-ranking. Large enough that epsilon ties around the minimum survive.
const annCandidates = 16

// annIndex wraps an HNSW graph over one gallery snapshot. Snapshots are
// immutable, so the graph is rebuilt only when the snapshot pointer changes.
type annIndex struct {
	mu      sync.Mutex
	gallery *store.Gallery
	graph   *hnsw.Graph[int]
}

func newANNIndex() *annIndex {
	return &annIndex{}
}

// candidates returns the nearest gallery entries to the query, or nil when
// the index cannot serve (falls back to the exact linear scan).
func (x *annIndex) candidates(gallery *store.Gallery, query []float32) []store.Entry {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.gallery != gallery {
		x.rebuild(gallery)
	}
	if x.graph == nil {
		return nil
	}

	neighbors := x.graph.Search(query, annCandidates)
	if len(neighbors) == 0 {
		return nil
	}

	entries := make([]store.Entry, 0, len(neighbors))
	for _, n := range neighbors {
		if n.Key >= 0 && n.Key < len(gallery.Entries) {
			entries = append(entries, gallery.Entries[n.Key])
		}
	}
	return entries
}

// rebuild indexes the snapshot, keyed by entry position.
func (x *annIndex) rebuild(gallery *store.Gallery) {
	x.gallery = gallery
	x.graph = nil

	if gallery == nil || len(gallery.Entries) == 0 {
		return
	}

	g := hnsw.NewGraph[int]()
	g.Distance = hnsw.EuclideanDistance
	for i, e := range gallery.Entries {
		if len(e.Vector) != gallery.Dimensions {
			continue
		}
		g.Add(hnsw.MakeNode(i, e.Vector))
	}
	x.graph = g

	log.Debugf("Rebuilt ANN index over %d descriptors", len(gallery.Entries))
}
