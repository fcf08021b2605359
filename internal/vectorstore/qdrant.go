// Package vectorstore adapts the vector store to the narrow contract the
// core needs: a mapping from collection to (id -> document + vector +
// metadata) with k-nearest-neighbor and metadata-filter queries.
package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Collection names the core writes into. Unchunked artifacts live in
// CollectionContent; a chunked artifact is written only to CollectionChunks,
// one point per chunk, with no artifact-level point in CollectionContent.
const (
	CollectionContent = "content"
	CollectionChunks  = "chunks"
)

// payloadIDField carries the caller-supplied ID when it isn't already a
// UUID, since Qdrant point IDs must be UUIDs or unsigned integers.
const payloadIDField = "_original_id"

// payloadTextField carries the document text alongside its embedding so a
// hit can be rendered without a second round trip to the source of truth.
const payloadTextField = "_text"

// Point is a single vector-store record: an opaque ID, the document text it
// was derived from, its embedding, and arbitrary string metadata.
type Point struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata map[string]string
}

// Hit is a single k-NN match.
type Hit struct {
	ID       string
	Text     string
	Score    float64
	Metadata map[string]string
}

// Store is the adapter's public surface. Every method is a suspension
// point and honors ctx cancellation.
type Store interface {
	Upsert(ctx context.Context, collection string, points []Point) error
	Delete(ctx context.Context, collection string, ids []string) error
	Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]Hit, error)
	Get(ctx context.Context, collection string, id string) (Point, bool, error)
	// FindByMetadata returns the first point matching filter with no
	// vector similarity involved, used for exact-match lookups like "the
	// chunk at this artifact and index" where the caller doesn't know the
	// point's ID in advance.
	FindByMetadata(ctx context.Context, collection string, filter map[string]string) (Point, bool, error)
	// ListByMetadata returns the points matching filter (the Qdrant adapter
	// reads a single scroll page of at most 10000 points; matches beyond
	// that are not returned), ordered by nothing in particular at this layer; callers that need chunk order
	// sort on the chunk_index metadata field themselves. Used by the
	// worker loop to reassemble a chunked artifact's full chunk set.
	ListByMetadata(ctx context.Context, collection string, filter map[string]string) ([]Point, error)
	Close() error
}

type qdrantStore struct {
	client    *qdrant.Client
	dimension int
	metric    string
}

// New connects to Qdrant over gRPC and ensures the content/chunks
// collections exist with the configured vector dimension and distance
// metric. dsn accepts an optional api_key query parameter, e.g.
// "http://localhost:6334?api_key=...".
func New(ctx context.Context, dsn string, dimension int, metric string) (Store, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := parsed.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid qdrant port: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	s := &qdrantStore{client: client, dimension: dimension, metric: strings.ToLower(strings.TrimSpace(metric))}
	for _, coll := range []string{CollectionContent, CollectionChunks} {
		if err := s.ensureCollection(ctx, coll); err != nil {
			client.Close()
			return nil, fmt.Errorf("ensure collection %s: %w", coll, err)
		}
	}
	return s, nil
}

func (s *qdrantStore) ensureCollection(ctx context.Context, name string) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	if s.dimension <= 0 {
		return fmt.Errorf("vector dimension must be > 0")
	}
	var distance qdrant.Distance
	switch s.metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	case "manhattan":
		distance = qdrant.Distance_Manhattan
	default:
		distance = qdrant.Distance_Cosine
	}
	return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: distance,
		}),
	})
}

func pointUUID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (s *qdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	batch := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		uid := pointUUID(p.ID)
		payload := make(map[string]any, len(p.Metadata)+2)
		for k, v := range p.Metadata {
			payload[k] = v
		}
		payload[payloadTextField] = p.Text
		if uid != p.ID {
			payload[payloadIDField] = p.ID
		}
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		batch = append(batch, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uid),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: collection, Points: batch})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	return nil
}

func (s *qdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(pointUUID(id)))
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	return nil
}

func hitFromPayload(id string, score float64, payload map[string]*qdrant.Value) Hit {
	metadata := make(map[string]string, len(payload))
	var originalID, text string
	for k, v := range payload {
		switch k {
		case payloadIDField:
			originalID = v.GetStringValue()
		case payloadTextField:
			text = v.GetStringValue()
		default:
			metadata[k] = v.GetStringValue()
		}
	}
	if originalID != "" {
		id = originalID
	}
	return Hit{ID: id, Text: text, Score: score, Metadata: metadata}
}

func (s *qdrantStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	var qf *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		qf = &qdrant.Filter{Must: must}
	}
	limit := uint64(topK)
	res, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	hits := make([]Hit, 0, len(res))
	for _, r := range res {
		uuidStr := r.Id.GetUuid()
		hits = append(hits, hitFromPayload(uuidStr, float64(r.Score), r.Payload))
	}
	return hits, nil
}

func (s *qdrantStore) Get(ctx context.Context, collection string, id string) (Point, bool, error) {
	res, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(pointUUID(id))},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return Point{}, false, fmt.Errorf("get from %s: %w", collection, err)
	}
	if len(res) == 0 {
		return Point{}, false, nil
	}
	hit := hitFromPayload(id, 0, res[0].Payload)
	var vec []float32
	if v := res[0].GetVectors(); v != nil {
		vec = v.GetVector().GetData()
	}
	return Point{ID: hit.ID, Text: hit.Text, Vector: vec, Metadata: hit.Metadata}, true, nil
}

func (s *qdrantStore) FindByMetadata(ctx context.Context, collection string, filter map[string]string) (Point, bool, error) {
	must := make([]*qdrant.Condition, 0, len(filter))
	for k, v := range filter {
		must = append(must, qdrant.NewMatch(k, v))
	}
	limit := uint32(1)
	res, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         &qdrant.Filter{Must: must},
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return Point{}, false, fmt.Errorf("scroll %s: %w", collection, err)
	}
	if len(res) == 0 {
		return Point{}, false, nil
	}
	hit := hitFromPayload(res[0].Id.GetUuid(), 0, res[0].Payload)
	return Point{ID: hit.ID, Text: hit.Text, Metadata: hit.Metadata}, true, nil
}

func (s *qdrantStore) ListByMetadata(ctx context.Context, collection string, filter map[string]string) ([]Point, error) {
	must := make([]*qdrant.Condition, 0, len(filter))
	for k, v := range filter {
		must = append(must, qdrant.NewMatch(k, v))
	}
	limit := uint32(10000)
	res, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         &qdrant.Filter{Must: must},
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("scroll %s: %w", collection, err)
	}
	points := make([]Point, 0, len(res))
	for _, r := range res {
		hit := hitFromPayload(r.Id.GetUuid(), 0, r.Payload)
		points = append(points, Point{ID: hit.ID, Text: hit.Text, Metadata: hit.Metadata})
	}
	return points, nil
}

func (s *qdrantStore) Close() error {
	return s.client.Close()
}
