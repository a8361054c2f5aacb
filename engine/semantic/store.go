package semantic

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cortexqa/engine/engine/domain"
)

// Store serves the same retrieval contract as Index from a Qdrant
// collection, for corpora too large to scan in memory. The collection uses
// cosine distance, so scores rank identically to Index.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	embedder    Embedder
}

// NewStore creates a Store connected to Qdrant at the given gRPC address.
func NewStore(addr, collection string, embedder Embedder) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		embedder:    embedder,
	}, nil
}

// newStoreWithClients wires explicit clients, for tests.
func newStoreWithClients(points pb.PointsClient, collections pb.CollectionsClient, collection string, embedder Embedder) *Store {
	return &Store{points: points, collections: collections, collection: collection, embedder: embedder}
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// EnsureCollection creates the cosine-distance collection if it doesn't exist.
func (s *Store) EnsureCollection(ctx context.Context, dims int) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", s.collection, err)
	}
	return nil
}

// IndexRecords embeds the records and upserts them into the collection. The
// embedding step is the same all-or-nothing step as Build: nothing is
// written unless every record embedded successfully.
func (s *Store) IndexRecords(ctx context.Context, records []domain.Record, opts BuildOptions) error {
	for _, r := range records {
		if err := domain.ValidateRecord(r); err != nil {
			return fmt.Errorf("semantic: record %q: %w", r.ID, err)
		}
	}

	vectors, dims, err := embedAll(ctx, records, s.embedder, opts.Workers)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.EnsureCollection(ctx, dims); err != nil {
		return err
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		// Deterministic point ID so re-indexing the same corpus overwrites
		// rather than duplicates.
		pointID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(r.ID)).String()
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: pointID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: vectors[i]},
				},
			},
			Payload: map[string]*pb.Value{
				"id":       {Kind: &pb.Value_StringValue{StringValue: r.ID}},
				"title":    {Kind: &pb.Value_StringValue{StringValue: r.Title}},
				"content":  {Kind: &pb.Value_StringValue{StringValue: r.Content}},
				"category": {Kind: &pb.Value_StringValue{StringValue: r.Category}},
			},
		}
	}

	wait := true
	_, err = s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(points), err)
	}
	return nil
}

// Retrieve embeds the query and performs k-NN search over the collection.
func (s *Store) Retrieve(ctx context.Context, query string, k int) ([]domain.RankedResult, error) {
	if k < 0 {
		return nil, &domain.RequestError{Field: "k", Value: strconv.Itoa(k)}
	}
	if k == 0 {
		return []domain.RankedResult{}, nil
	}

	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("semantic: embed query: %w: %w", domain.ErrEmbedding, err)
	}

	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         qvec,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	results := make([]domain.RankedResult, len(resp.GetResult()))
	for i, hit := range resp.GetResult() {
		payload := hit.GetPayload()
		results[i] = domain.RankedResult{
			Record: domain.Record{
				ID:       payload["id"].GetStringValue(),
				Title:    payload["title"].GetStringValue(),
				Content:  payload["content"].GetStringValue(),
				Category: payload["category"].GetStringValue(),
			},
			Score: hit.GetScore(),
		}
	}
	return results, nil
}
