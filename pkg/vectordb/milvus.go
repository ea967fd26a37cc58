package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const milvusCollection = "document_chunks"

// MilvusProvider talks to Milvus over its HTTP API. All file partitions live
// in a single collection; the collection is created lazily on first insert.
type MilvusProvider struct {
	baseURL    string
	httpClient *http.Client
	dimension  uint64
}

func NewMilvusProvider(host string, port int, dimension uint64) (*MilvusProvider, error) {
	if host == "" {
		return nil, fmt.Errorf("host is required for Milvus")
	}
	if port == 0 {
		port = 19530
	}

	return &MilvusProvider{
		baseURL:    fmt.Sprintf("http://%s:%d", host, port),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimension:  dimension,
	}, nil
}

func (db *MilvusProvider) doJSON(ctx context.Context, method, path string, payload interface{}) (map[string]interface{}, error) {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, db.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := db.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("milvus %s %s: status %d, body: %s", method, path, resp.StatusCode, string(respBody))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}

// ensureCollection creates the shared collection if it does not exist.
func (db *MilvusProvider) ensureCollection(ctx context.Context) error {
	if _, err := db.doJSON(ctx, "GET", "/api/v1/collections/"+milvusCollection, nil); err == nil {
		return nil
	}

	payload := map[string]interface{}{
		"collection_name": milvusCollection,
		"dimension":       db.dimension,
		"metric_type":     "COSINE",
	}
	if _, err := db.doJSON(ctx, "POST", "/api/v1/collections", payload); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (db *MilvusProvider) CreatePartition(ctx context.Context, name string) error {
	if err := db.ensureCollection(ctx); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"collection_name": milvusCollection,
		"partition_name":  name,
	}
	if _, err := db.doJSON(ctx, "POST", "/api/v1/partition", payload); err != nil {
		return fmt.Errorf("failed to create partition %s: %w", name, err)
	}
	return nil
}

func (db *MilvusProvider) Insert(ctx context.Context, partition string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	data := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		vector64 := make([]float64, len(row.Vector))
		for i, v := range row.Vector {
			vector64[i] = float64(v)
		}

		entry := map[string]interface{}{
			"id":      row.ID,
			"vector":  vector64,
			"content": row.Content,
		}
		for k, v := range row.Metadata {
			entry[k] = v
		}
		data = append(data, entry)
	}

	payload := map[string]interface{}{
		"collection_name": milvusCollection,
		"partition_name":  partition,
		"data":            data,
	}
	if _, err := db.doJSON(ctx, "POST", "/api/v1/entities", payload); err != nil {
		return fmt.Errorf("failed to insert into partition %s: %w", partition, err)
	}
	return nil
}

func (db *MilvusProvider) Search(ctx context.Context, partition string, vector []float32, topK int) ([]Hit, error) {
	vector64 := make([]float64, len(vector))
	for i, v := range vector {
		vector64[i] = float64(v)
	}

	payload := map[string]interface{}{
		"collection_name": milvusCollection,
		"partition_names": []string{partition},
		"vector":          vector64,
		"top_k":           topK,
		"metric_type":     "COSINE",
	}

	result, err := db.doJSON(ctx, "POST", "/api/v1/search", payload)
	if err != nil {
		if isMilvusNotFound(err) {
			return nil, fmt.Errorf("partition %s: %w", partition, ErrPartitionNotFound)
		}
		return nil, fmt.Errorf("search in partition %s failed: %w", partition, err)
	}

	return convertMilvusHits(result), nil
}

// isMilvusNotFound matches the HTTP API's missing collection/partition errors.
func isMilvusNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "not exist") ||
		strings.Contains(msg, "can't find")
}

func convertMilvusHits(result map[string]interface{}) []Hit {
	if result == nil {
		return []Hit{}
	}

	resultsData, ok := result["results"].([]interface{})
	if !ok {
		return []Hit{}
	}

	hits := make([]Hit, 0, len(resultsData))
	for _, item := range resultsData {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		id := ""
		if idVal, ok := itemMap["id"].(string); ok {
			id = idVal
		} else if idVal, ok := itemMap["id"].(float64); ok {
			id = fmt.Sprintf("%.0f", idVal)
		}

		score := float32(0)
		if scoreVal, ok := itemMap["distance"].(float64); ok {
			score = float32(1.0 - scoreVal)
		} else if scoreVal, ok := itemMap["score"].(float64); ok {
			score = float32(scoreVal)
		}

		content := ""
		if contentVal, ok := itemMap["content"].(string); ok {
			content = contentVal
		}

		metadata := make(map[string]interface{})
		for k, v := range itemMap {
			if k != "id" && k != "distance" && k != "score" && k != "vector" && k != "content" {
				metadata[k] = v
			}
		}

		hits = append(hits, Hit{ID: id, Score: score, Content: content, Metadata: metadata})
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	return hits
}

func (db *MilvusProvider) DropPartition(ctx context.Context, name string) error {
	payload := map[string]interface{}{
		"collection_name": milvusCollection,
		"partition_name":  name,
	}
	if _, err := db.doJSON(ctx, "DELETE", "/api/v1/partition", payload); err != nil {
		return fmt.Errorf("failed to drop partition %s: %w", name, err)
	}
	return nil
}

func (db *MilvusProvider) Ping(ctx context.Context) error {
	_, err := db.doJSON(ctx, "GET", "/api/v1/health", nil)
	return err
}

func (db *MilvusProvider) Close() error {
	return nil
}

var _ Provider = (*MilvusProvider)(nil)
