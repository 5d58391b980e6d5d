// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pool stores and retrieves decoy records, the obfuscation
// material mixed into outbound context by the privacy pipeline.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// DecoyRecord is a single synthetic query/response pair in the pool.
type DecoyRecord struct {
	// ID is a stable unique identifier (UUID).
	ID string `json:"id"`

	// QueryText is the synthetic user query.
	QueryText string `json:"query_text"`

	// ResponseText is the synthetic assistant response, if one has been
	// generated and reconciled. May be empty for query-only decoys.
	ResponseText string `json:"response_text"`

	// TopicTags are coarse topic labels extracted at generation time.
	TopicTags []string `json:"topic_tags"`

	// BatchID groups records produced by one generation batch. Records
	// sharing a BatchID are near-duplicates of each other by design and
	// must be deduplicated at retrieval time.
	BatchID string `json:"batch_id"`

	// Trusted marks records whose review status allows them to bypass
	// similarity floors at retrieval time.
	Trusted bool `json:"trusted"`

	// CreatedAt is the Unix millisecond creation timestamp.
	CreatedAt int64 `json:"created_at"`
}

// NewDecoyRecord builds a record with a fresh UUID and timestamp.
func NewDecoyRecord(queryText, responseText, batchID string, topicTags []string) *DecoyRecord {
	return &DecoyRecord{
		ID:           uuid.NewString(),
		QueryText:    queryText,
		ResponseText: responseText,
		TopicTags:    topicTags,
		BatchID:      batchID,
		CreatedAt:    time.Now().UnixMilli(),
	}
}

// ToMap converts the record into Weaviate object properties.
func (r *DecoyRecord) ToMap() map[string]any {
	return map[string]any{
		"record_id":     r.ID,
		"query_text":    r.QueryText,
		"response_text": r.ResponseText,
		"topic_tags":    r.TopicTags,
		"batch_id":      r.BatchID,
		"trusted":       r.Trusted,
		"created_at":    r.CreatedAt,
	}
}

// GetDecoySchema returns the Weaviate class definition for decoy records.
//
// Vectorizer is "none": embeddings are computed by the embeddings sidecar
// and scoring happens client-side, so Weaviate holds only the payload.
func GetDecoySchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "Decoy",
		Description: "A synthetic query/response pair used for traffic obfuscation.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "record_id",
				DataType:        []string{"text"},
				Description:     "Stable unique identifier for the record.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "query_text",
				DataType:     []string{"text"},
				Description:  "The synthetic user query.",
				Tokenization: "word",
			},
			{
				Name:         "response_text",
				DataType:     []string{"text"},
				Description:  "The synthetic assistant response, if generated.",
				Tokenization: "word",
			},
			{
				Name:            "topic_tags",
				DataType:        []string{"text[]"},
				Description:     "Coarse topic labels extracted at generation time.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "batch_id",
				DataType:        []string{"text"},
				Description:     "Generation batch this record came from.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "trusted",
				DataType:        []string{"boolean"},
				Description:     "True if the record passed review and may bypass similarity floors.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Unix millisecond creation timestamp.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureSchema creates the Decoy class if it does not already exist.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	class := GetDecoySchema()

	_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
	if err == nil {
		slog.Debug("Weaviate class already exists", "class", class.Class)
		return nil
	}

	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create class %s: %w", class.Class, err)
	}
	slog.Info("Created Weaviate class", "class", class.Class)
	return nil
}
