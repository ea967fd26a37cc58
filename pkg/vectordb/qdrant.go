package vectordb

import (
	"context"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantProvider maps each partition name onto its own Qdrant collection,
// which gives the same insert/search/drop scoping as Milvus partitions.
type QdrantProvider struct {
	client    *qdrant.Client
	dimension uint64
}

func NewQdrantProvider(host string, port int, apiKey string, dimension uint64) (*QdrantProvider, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	return &QdrantProvider{client: client, dimension: dimension}, nil
}

func (db *QdrantProvider) CreatePartition(ctx context.Context, name string) error {
	exists, err := db.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if exists {
		return nil
	}

	err = db.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     db.dimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

func (db *QdrantProvider) Insert(ctx context.Context, partition string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(rows))
	for _, row := range rows {
		payload := make(map[string]*qdrant.Value)
		for key, value := range row.Metadata {
			val, err := qdrant.NewValue(value)
			if err != nil {
				return fmt.Errorf("failed to convert metadata value for key %s: %w", key, err)
			}
			payload[key] = val
		}
		contentVal, err := qdrant.NewValue(row.Content)
		if err != nil {
			return fmt.Errorf("failed to convert content: %w", err)
		}
		payload["content"] = contentVal

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(row.ID),
			Vectors: qdrant.NewVectors(row.Vector...),
			Payload: payload,
		})
	}

	_, err := db.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: partition,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", partition, err)
	}
	return nil
}

func (db *QdrantProvider) Search(ctx context.Context, partition string, vector []float32, topK int) ([]Hit, error) {
	searchRequest := &qdrant.SearchPoints{
		CollectionName: partition,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}

	pointsClient := db.client.GetPointsClient()
	searchResult, err := pointsClient.Search(ctx, searchRequest)
	if err != nil {
		if exists, exErr := db.client.CollectionExists(ctx, partition); exErr == nil && !exists {
			return nil, fmt.Errorf("collection %s: %w", partition, ErrPartitionNotFound)
		}
		return nil, fmt.Errorf("search in %s failed: %w", partition, err)
	}

	return convertQdrantHits(searchResult.Result), nil
}

func convertQdrantHits(points []*qdrant.ScoredPoint) []Hit {
	hits := make([]Hit, 0, len(points))
	for _, point := range points {
		var id string
		if point.Id != nil && point.Id.PointIdOptions != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		metadata := make(map[string]interface{})
		if point.Payload != nil {
			for key, value := range point.Payload {
				switch v := value.Kind.(type) {
				case *qdrant.Value_StringValue:
					metadata[key] = v.StringValue
				case *qdrant.Value_IntegerValue:
					metadata[key] = v.IntegerValue
				case *qdrant.Value_DoubleValue:
					metadata[key] = v.DoubleValue
				case *qdrant.Value_BoolValue:
					metadata[key] = v.BoolValue
				default:
					metadata[key] = value
				}
			}
		}

		content := ""
		if contentValue, exists := metadata["content"]; exists {
			if contentStr, ok := contentValue.(string); ok {
				content = contentStr
			}
			delete(metadata, "content")
		}

		hits = append(hits, Hit{
			ID:       id,
			Score:    point.Score,
			Content:  content,
			Metadata: metadata,
		})
	}

	return hits
}

func (db *QdrantProvider) DropPartition(ctx context.Context, name string) error {
	exists, err := db.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if !exists {
		return nil
	}

	if err := db.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("failed to drop %s: %w", name, err)
	}
	return nil
}

func (db *QdrantProvider) Ping(ctx context.Context) error {
	_, err := db.client.HealthCheck(ctx)
	return err
}

func (db *QdrantProvider) Close() error {
	return db.client.Close()
}

var _ Provider = (*QdrantProvider)(nil)
