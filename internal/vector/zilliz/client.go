package zilliz

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/vector"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

const (
	fieldID             = "id"
	fieldEmbedding      = "embedding"
	fieldConversationID = "conversation_id"
	fieldIdentifierHash = "identifier_hash"
	fieldRating         = "rating"
	fieldApprovedAt     = "approved_at"
)

// Client stores approved-response embeddings in a Milvus / Zilliz Cloud
// collection indexed with HNSW over cosine similarity.
var _ vector.Index = (*Client)(nil)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Admin-approved response embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "256",
				},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", z.vectorDim),
				},
			},
			{
				Name:     fieldConversationID,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     fieldIdentifierHash,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     fieldRating,
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     fieldApprovedAt,
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	err = z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	err = z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = z.client.LoadCollection(ctx, z.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))

	return nil
}

func (z *Client) Upsert(ctx context.Context, id string, vec []float32, md vector.Metadata) error {
	if len(vec) != z.vectorDim {
		return fmt.Errorf("%w: got %d, want %d", vector.ErrDimensionMismatch, len(vec), z.vectorDim)
	}

	_, err := z.client.Upsert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldID, []string{id}),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, [][]float32{vec}),
		entity.NewColumnVarChar(fieldConversationID, []string{md.ConversationID}),
		entity.NewColumnVarChar(fieldIdentifierHash, []string{md.IdentifierHash}),
		entity.NewColumnInt64(fieldRating, []int64{int64(md.Rating)}),
		entity.NewColumnInt64(fieldApprovedAt, []int64{md.ApprovedAt}),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}

	logger.Debug("Vector upserted", zap.String("id", id))
	return nil
}

func (z *Client) Search(ctx context.Context, vec []float32, topK int) ([]vector.Match, error) {
	sp, err := entity.NewIndexHNSWSearchParam(max(64, topK))
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		"",
		[]string{fieldID},
		[]entity.Vector{entity.FloatVector(vec)},
		fieldEmbedding,
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]vector.Match, 0, topK)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn(fieldID)
		if idCol == nil {
			continue
		}
		for i := 0; i < sr.ResultCount; i++ {
			raw, err := idCol.Get(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read search result %d: %w", i, err)
			}
			id, ok := raw.(string)
			if !ok {
				continue
			}
			results = append(results, vector.Match{ID: id, Score: sr.Scores[i]})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)

	return results, nil
}

func (z *Client) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := z.client.DeleteByPks(ctx, z.collectionName, "", entity.NewColumnVarChar(fieldID, ids))
	if err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}

	logger.Info("Vectors deleted", zap.Int("count", len(ids)))
	return nil
}
