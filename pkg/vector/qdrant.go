// Copyright 2026 Capiroute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vector

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// docIDKey is the payload field holding the original document id. Qdrant
// point ids must be UUIDs or integers, so arbitrary ids are mapped to
// deterministic UUIDs and the original is kept in the payload.
const docIDKey = "doc_id"

// QdrantConfig configures the Qdrant vector provider.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`

	// Port is the Qdrant gRPC port (default: 6334).
	Port int `yaml:"port"`

	// APIKey for authenticated access (optional).
	APIKey string `yaml:"api_key,omitempty"`

	// UseTLS enables TLS connections.
	UseTLS bool `yaml:"use_tls,omitempty"`
}

// QdrantProvider implements Provider using the Qdrant vector database.
// Suited to catalogs shared across processes or too large for the
// embedded chromem provider.
type QdrantProvider struct {
	client *qdrant.Client
	config QdrantConfig
}

// NewQdrantProvider creates a new Qdrant provider.
func NewQdrantProvider(cfg QdrantConfig) (*QdrantProvider, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334 // Qdrant gRPC port
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client for %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return &QdrantProvider{
		client: client,
		config: cfg,
	}, nil
}

// Name returns the provider name.
func (p *QdrantProvider) Name() string {
	return "qdrant"
}

// pointID maps an arbitrary document id to a stable UUID.
func pointID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

// Upsert adds or replaces a document with its vector.
func (p *QdrantProvider) Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error {
	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}

	if !exists {
		err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(len(vector)),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create collection: %w", err)
		}
	}

	payload := make(map[string]*qdrant.Value, len(metadata)+1)
	for key, value := range metadata {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return fmt.Errorf("failed to convert metadata value for key %s: %w", key, err)
		}
		payload[key] = val
	}
	idVal, err := qdrant.NewValue(id)
	if err != nil {
		return fmt.Errorf("failed to convert document id: %w", err)
	}
	payload[docIDKey] = idVal

	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(pointID(id)),
		Vectors: qdrant.NewVectors(vector...),
		Payload: payload,
	}

	_, err = p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}

	return nil
}

// Search finds the most similar vectors.
func (p *QdrantProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

// SearchWithFilter combines vector similarity with metadata filtering.
func (p *QdrantProvider) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	searchRequest := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}

	if len(filter) > 0 {
		searchRequest.Filter = buildQdrantFilter(filter)
	}

	pointsClient := p.client.GetPointsClient()
	searchResult, err := pointsClient.Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	return convertQdrantResults(searchResult.Result), nil
}

// Delete removes a document by ID.
func (p *QdrantProvider) Delete(ctx context.Context, collection string, id string) error {
	deletePoints := &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{
						{PointIdOptions: &qdrant.PointId_Uuid{Uuid: pointID(id)}},
					},
				},
			},
		},
	}
	_, err := p.client.Delete(ctx, deletePoints)
	if err != nil {
		return fmt.Errorf("failed to delete point %s: %w", id, err)
	}
	return nil
}

// DeleteCollection removes a collection.
func (p *QdrantProvider) DeleteCollection(ctx context.Context, collection string) error {
	err := p.client.DeleteCollection(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

// Close closes the Qdrant client.
func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

// buildQdrantFilter converts a filter map to a Qdrant keyword filter.
func buildQdrantFilter(filter map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))

	for key, value := range filter {
		val, err := qdrant.NewValue(value)
		if err != nil {
			continue
		}

		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{
							Keyword: val.GetStringValue(),
						},
					},
				},
			},
		})
	}

	return &qdrant.Filter{
		Must: conditions,
	}
}

// convertQdrantResults converts Qdrant scored points to Result values.
func convertQdrantResults(points []*qdrant.ScoredPoint) []Result {
	results := make([]Result, 0, len(points))

	for _, point := range points {
		metadata := make(map[string]any)
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
				}
			}
		}

		id, _ := metadata[docIDKey].(string)
		delete(metadata, docIDKey)

		content, _ := metadata["content"].(string)

		results = append(results, Result{
			ID:       id,
			Score:    point.Score,
			Content:  content,
			Metadata: metadata,
		})
	}

	return results
}

var _ Provider = (*QdrantProvider)(nil)
