// Package semantic builds and queries semantic indexes over the document
// corpus. The default Index holds everything in memory and is immutable
// after Build; Store offers the same retrieval contract backed by Qdrant.
package semantic

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/cortexqa/engine/engine/domain"
)

// Embedder turns text into an embedding vector. Implementations must return
// vectors of one fixed dimension for the process lifetime.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DefaultWorkers bounds build-time embedding concurrency unless overridden.
const DefaultWorkers = 8

// BuildOptions configures index construction.
type BuildOptions struct {
	// Workers is the maximum number of concurrent embedding calls.
	Workers int
}

// Index is a flat in-memory semantic index over a fixed corpus. Vectors are
// stored unit-normalized so dot product equals cosine similarity. An Index
// is read-only after Build and safe for concurrent Retrieve calls.
type Index struct {
	records  []domain.Record
	vectors  [][]float32
	dims     int
	embedder Embedder
}

// Build embeds every record's content through the gateway and constructs the
// index. The build is all-or-nothing: an invalid record, a duplicate ID, an
// embedding failure, or a dimension mismatch aborts the whole build and
// cancels outstanding embedding work.
func Build(ctx context.Context, records []domain.Record, embedder Embedder, opts BuildOptions) (*Index, error) {
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if err := domain.ValidateRecord(r); err != nil {
			return nil, fmt.Errorf("semantic: record %q: %w", r.ID, err)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("semantic: duplicate record id %q: %w", r.ID, domain.ErrInvalidRequest)
		}
		seen[r.ID] = struct{}{}
	}

	vectors, dims, err := embedAll(ctx, records, embedder, opts.Workers)
	if err != nil {
		return nil, err
	}
	for i, vec := range vectors {
		n, err := normalize(vec)
		if err != nil {
			return nil, fmt.Errorf("semantic: record %q: %w", records[i].ID, err)
		}
		vectors[i] = n
	}

	stored := make([]domain.Record, len(records))
	copy(stored, records)
	for i := range stored {
		stored[i].Embedding = vectors[i]
	}

	return &Index{records: stored, vectors: vectors, dims: dims, embedder: embedder}, nil
}

// Len returns the number of indexed records.
func (ix *Index) Len() int { return len(ix.records) }

// Dims returns the embedding dimensionality of the index.
func (ix *Index) Dims() int { return ix.dims }

// Retrieve returns the k records most similar to the query by cosine
// similarity, ordered by score descending with ties kept in corpus order.
// k=0 yields an empty result; k beyond the corpus size yields the full
// ranked corpus.
func (ix *Index) Retrieve(ctx context.Context, query string, k int) ([]domain.RankedResult, error) {
	if k < 0 {
		return nil, &domain.RequestError{Field: "k", Value: strconv.Itoa(k)}
	}
	if k == 0 {
		return []domain.RankedResult{}, nil
	}

	qvec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("semantic: embed query: %w: %w", domain.ErrEmbedding, err)
	}
	if len(ix.records) == 0 {
		return []domain.RankedResult{}, nil
	}
	if len(qvec) != ix.dims {
		return nil, fmt.Errorf("semantic: query dimension %d does not match index dimension %d: %w",
			len(qvec), ix.dims, domain.ErrEmbedding)
	}
	qvec, err = normalize(qvec)
	if err != nil {
		return nil, fmt.Errorf("semantic: query: %w", err)
	}

	results := make([]domain.RankedResult, len(ix.records))
	for i, vec := range ix.vectors {
		results[i] = domain.RankedResult{Record: ix.records[i], Score: dot(qvec, vec)}
	}
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// embedAll embeds all records with bounded concurrency, failing fast on the
// first error and enforcing one embedding dimension across the corpus.
func embedAll(ctx context.Context, records []domain.Record, embedder Embedder, workers int) ([][]float32, int, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if len(records) == 0 {
		return nil, 0, nil
	}

	vectors := make([][]float32, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, r := range records {
		g.Go(func() error {
			vec, err := embedder.Embed(gctx, r.Content)
			if err != nil {
				return fmt.Errorf("semantic: embed record %q: %w: %w", r.ID, domain.ErrEmbedding, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	dims := len(vectors[0])
	for i, vec := range vectors {
		if len(vec) != dims {
			return nil, 0, fmt.Errorf("semantic: record %q: dimension %d, expected %d: %w",
				records[i].ID, len(vec), dims, domain.ErrEmbedding)
		}
	}
	return vectors, dims, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// normalize returns a unit-length copy of vec. Embedding providers do not
// all guarantee unit vectors, so cosine comparison normalizes here.
func normalize(vec []float32) ([]float32, error) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return nil, fmt.Errorf("zero-magnitude embedding: %w", domain.ErrEmbedding)
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) * inv)
	}
	return out, nil
}
