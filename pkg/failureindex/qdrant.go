package failureindex

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantProvider backs Provider with a remote Qdrant collection, for
// deployments that run taskforge across multiple processes against one
// shared failure history instead of each holding its own in-memory index.
type QdrantProvider struct {
	client *qdrant.Client
	ensured map[string]bool
}

// QdrantConfig addresses a Qdrant instance over gRPC.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// NewQdrantProvider dials a Qdrant instance. It does not create any
// collection eagerly; ensureCollection does that lazily on first use.
func NewQdrantProvider(cfg QdrantConfig) (*QdrantProvider, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("dial qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &QdrantProvider{client: client, ensured: make(map[string]bool)}, nil
}

func (p *QdrantProvider) ensureCollection(ctx context.Context, collection string) error {
	if p.ensured[collection] {
		return nil
	}
	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("check collection %q: %w", collection, err)
	}
	if !exists {
		if err := p.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(VectorDim),
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("create collection %q: %w", collection, err)
		}
	}
	p.ensured[collection] = true
	return nil
}

func (p *QdrantProvider) Upsert(ctx context.Context, collection, id string, vector [VectorDim]float64, metadata map[string]any) error {
	if err := p.ensureCollection(ctx, collection); err != nil {
		return err
	}
	payload := make(map[string]any, len(metadata))
	for k, v := range metadata {
		payload[k] = v
	}
	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(id),
				Vectors: qdrant.NewVectors(vectorToFloat32(vector)...),
				Payload: qdrant.NewValueMap(payload),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}
	return nil
}

func (p *QdrantProvider) Search(ctx context.Context, collection string, vector [VectorDim]float64, topK int) ([]Result, error) {
	if err := p.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}
	limit := uint64(topK)
	points, err := p.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vectorToFloat32(vector)...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	out := make([]Result, 0, len(points))
	for _, pt := range points {
		meta := make(map[string]any, len(pt.Payload))
		for k, v := range pt.Payload {
			meta[k] = v.AsInterface()
		}
		out = append(out, Result{ID: pt.Id.GetUuid(), Score: float64(pt.Score), Metadata: meta})
	}
	return out, nil
}

func (p *QdrantProvider) Delete(ctx context.Context, collection, id string) error {
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelectorIDs([]*qdrant.PointId{qdrant.NewID(id)}),
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (p *QdrantProvider) Name() string { return "qdrant" }

func (p *QdrantProvider) Close() error { return p.client.Close() }

var _ Provider = (*QdrantProvider)(nil)
