package semantic

import (
	"context"
	"errors"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/cortexqa/engine/engine/domain"
)

// --- mocks ---

type mockPoints struct {
	pb.PointsClient
	upsertReq  *pb.UpsertPoints
	upsertErr  error
	searchResp *pb.SearchResponse
	searchErr  error
}

func (m *mockPoints) Upsert(_ context.Context, req *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upsertReq = req
	return &pb.PointsOperationResponse{}, m.upsertErr
}

func (m *mockPoints) Search(_ context.Context, _ *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	return m.searchResp, m.searchErr
}

type mockCollections struct {
	pb.CollectionsClient
	listResp  *pb.ListCollectionsResponse
	created   *pb.CreateCollection
	createErr error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	if m.listResp == nil {
		return &pb.ListCollectionsResponse{}, nil
	}
	return m.listResp, nil
}

func (m *mockCollections) Create(_ context.Context, req *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created = req
	return &pb.CollectionOperationResponse{}, m.createErr
}

// --- tests ---

func TestStore_IndexRecords(t *testing.T) {
	points := &mockPoints{}
	collections := &mockCollections{}
	st := newStoreWithClients(points, collections, "corpus", testEmbedder())

	if err := st.IndexRecords(context.Background(), testCorpus(), BuildOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if collections.created == nil {
		t.Fatal("expected collection creation")
	}
	params := collections.created.GetVectorsConfig().GetParams()
	if params.GetSize() != 3 || params.GetDistance() != pb.Distance_Cosine {
		t.Errorf("unexpected collection params: %+v", params)
	}
	if points.upsertReq == nil || len(points.upsertReq.GetPoints()) != 3 {
		t.Fatalf("expected 3 upserted points, got %+v", points.upsertReq)
	}
	payload := points.upsertReq.GetPoints()[1].GetPayload()
	if payload["id"].GetStringValue() != "2" || payload["content"].GetStringValue() != "best practices for deploying models" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestStore_IndexRecordsAtomicOnEmbedFailure(t *testing.T) {
	emb := testEmbedder()
	emb.err = errors.New("provider down")
	emb.failOn = "types of neural networks"

	points := &mockPoints{}
	st := newStoreWithClients(points, &mockCollections{}, "corpus", emb)

	err := st.IndexRecords(context.Background(), testCorpus(), BuildOptions{})
	if !errors.Is(err, domain.ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
	if points.upsertReq != nil {
		t.Error("nothing may be written when any embedding fails")
	}
}

func TestStore_Retrieve(t *testing.T) {
	points := &mockPoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{
				{
					Score: 0.91,
					Payload: map[string]*pb.Value{
						"id":       {Kind: &pb.Value_StringValue{StringValue: "2"}},
						"title":    {Kind: &pb.Value_StringValue{StringValue: "Deploy"}},
						"content":  {Kind: &pb.Value_StringValue{StringValue: "best practices for deploying models"}},
						"category": {Kind: &pb.Value_StringValue{StringValue: "ops"}},
					},
				},
			},
		},
	}
	st := newStoreWithClients(points, &mockCollections{}, "corpus", testEmbedder())

	results, err := st.Retrieve(context.Background(), "How do I deploy a model?", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != "2" || results[0].Score != 0.91 {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestStore_RetrieveKEdgeCases(t *testing.T) {
	st := newStoreWithClients(&mockPoints{}, &mockCollections{}, "corpus", testEmbedder())

	empty, err := st.Retrieve(context.Background(), "anything", 0)
	if err != nil || len(empty) != 0 {
		t.Errorf("k=0: expected empty result, got %v, %v", empty, err)
	}
	if _, err := st.Retrieve(context.Background(), "anything", -2); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("k<0: expected ErrInvalidRequest, got %v", err)
	}
}
