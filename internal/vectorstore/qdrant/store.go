// Package qdrant indexes the embeddings of matched candidates in Qdrant so
// later runs can look up faces that have been seen before.
package qdrant

import (
	"context"
	"fmt"
	"sync"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/facetrace/internal/id/uuid"
	"github.com/JakeFAU/facetrace/internal/search"
)

const defaultCollection = "facetrace_faces"

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Match is a previously indexed face close to a query.
type Match struct {
	RunID      string
	PageURL    string
	Score      float32
	Similarity float64
}

// Store implements search.VectorIndex on a Qdrant collection.
type Store struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string

	mu    sync.Mutex
	ready bool
}

// Dial connects to Qdrant at the gRPC address addr.
func Dial(addr, collection string) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial qdrant %s: %w", addr, err)
	}
	s := newStore(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection)
	s.conn = conn
	return s, nil
}

func newStore(points pointsAPI, collections collectionsAPI, collection string) *Store {
	if collection == "" {
		collection = defaultCollection
	}
	return &Store{points: points, collections: collections, collection: collection}
}

// Close closes the gRPC connection when the store owns one.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close qdrant connection: %w", err)
	}
	return nil
}

// EnsureCollection creates the collection with cosine distance if missing.
func (s *Store) EnsureCollection(ctx context.Context, dims int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if dims <= 0 {
		return fmt.Errorf("vector dimensions must be positive")
	}
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			s.ready = true
			return nil
		}
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(dims), Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	s.ready = true
	return nil
}

// Upsert indexes every candidate that carries an embedding. Point IDs are
// derived from the run and page so repeating a run overwrites its points.
func (s *Store) Upsert(ctx context.Context, runID string, candidates search.CandidateList) error {
	points := make([]*pb.PointStruct, 0, len(candidates))
	dims := 0
	for rank, c := range candidates {
		if c.Embedding.Dimensions() == 0 {
			continue
		}
		dims = c.Embedding.Dimensions()
		points = append(points, &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.FromName(runID, c.PageURL)}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: c.Embedding.Vector}},
			},
			Payload: map[string]*pb.Value{
				"run_id":        stringValue(runID),
				"page_url":      stringValue(c.PageURL),
				"thumbnail_url": stringValue(c.ThumbnailURL),
				"model":         stringValue(c.Embedding.Model),
				"rank":          {Kind: &pb.Value_IntegerValue{IntegerValue: int64(rank + 1)}},
				"similarity":    {Kind: &pb.Value_DoubleValue{DoubleValue: c.Similarity}},
			},
		})
	}
	if len(points) == 0 {
		return nil
	}
	if err := s.EnsureCollection(ctx, dims); err != nil {
		return err
	}

	wait := true
	if _, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("upsert %d points: %w", len(points), err)
	}
	return nil
}

// Nearest returns up to limit indexed faces closest to vector.
func (s *Store) Nearest(ctx context.Context, vector []float32, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	out := make([]Match, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		p := r.GetPayload()
		out = append(out, Match{
			RunID:      p["run_id"].GetStringValue(),
			PageURL:    p["page_url"].GetStringValue(),
			Score:      r.GetScore(),
			Similarity: p["similarity"].GetDoubleValue(),
		})
	}
	return out, nil
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}
