// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "dejavu/pool"

// maxPoolScan caps how many records a single ListAll pulls back. The
// retrieval pipeline scores the whole pool client-side, so this bounds
// memory rather than correctness.
const maxPoolScan = 2000

// WeaviateStore persists decoy records in a Weaviate class.
//
// # Thread Safety
//
// WeaviateStore is safe for concurrent use; the underlying client is.
type WeaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore wraps an existing Weaviate client. Callers should run
// EnsureSchema once at startup before inserting.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

// decoyQueryResponse mirrors the GraphQL response shape for the Decoy class.
type decoyQueryResponse struct {
	Get struct {
		Decoy []decoyResult `json:"Decoy"`
	} `json:"Get"`
}

type decoyResult struct {
	RecordID     string   `json:"record_id"`
	QueryText    string   `json:"query_text"`
	ResponseText string   `json:"response_text"`
	TopicTags    []string `json:"topic_tags"`
	BatchID      string   `json:"batch_id"`
	Trusted      bool     `json:"trusted"`
	CreatedAt    float64  `json:"created_at"`
}

func (d decoyResult) toRecord() *DecoyRecord {
	return &DecoyRecord{
		ID:           d.RecordID,
		QueryText:    d.QueryText,
		ResponseText: d.ResponseText,
		TopicTags:    d.TopicTags,
		BatchID:      d.BatchID,
		Trusted:      d.Trusted,
		CreatedAt:    int64(d.CreatedAt),
	}
}

// parseGraphQLResponse converts Weaviate's dynamic response into a typed
// struct via a marshal/unmarshal round trip.
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

var decoyFields = []graphql.Field{
	{Name: "record_id"},
	{Name: "query_text"},
	{Name: "response_text"},
	{Name: "topic_tags"},
	{Name: "batch_id"},
	{Name: "trusted"},
	{Name: "created_at"},
}

// Insert implements the Store interface.
func (s *WeaviateStore) Insert(ctx context.Context, record *DecoyRecord) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pool.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("decoy.record_id", record.ID),
		attribute.String("decoy.batch_id", record.BatchID),
	)

	_, err := s.client.Data().Creator().
		WithClassName("Decoy").
		WithProperties(record.ToMap()).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return fmt.Errorf("failed to insert decoy record: %w", err)
	}

	slog.Debug("Inserted decoy record", "recordId", record.ID, "batchId", record.BatchID)
	return nil
}

// ListAll implements the Store interface. Results are ordered by
// created_at ascending so repeated calls over an unchanged pool return
// the same sequence.
func (s *WeaviateStore) ListAll(ctx context.Context) ([]*DecoyRecord, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pool.ListAll")
	defer span.End()

	resp, err := s.client.GraphQL().Get().
		WithClassName("Decoy").
		WithFields(decoyFields...).
		WithSort(graphql.Sort{Path: []string{"created_at"}, Order: graphql.Asc}).
		WithLimit(maxPoolScan).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return nil, fmt.Errorf("failed to list decoy records: %w", err)
	}

	parsed, err := parseGraphQLResponse[decoyQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse decoy list response: %w", err)
	}

	records := make([]*DecoyRecord, 0, len(parsed.Get.Decoy))
	for _, d := range parsed.Get.Decoy {
		records = append(records, d.toRecord())
	}
	span.SetAttributes(attribute.Int("decoy.count", len(records)))
	return records, nil
}

// GetResponseByQuery implements the Store interface.
func (s *WeaviateStore) GetResponseByQuery(ctx context.Context, queryText string) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pool.GetResponseByQuery")
	defer span.End()

	where := filters.Where().
		WithPath([]string{"query_text"}).
		WithOperator(filters.Equal).
		WithValueString(queryText)

	resp, err := s.client.GraphQL().Get().
		WithClassName("Decoy").
		WithWhere(where).
		WithFields(decoyFields...).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return "", fmt.Errorf("failed to query decoy by text: %w", err)
	}

	parsed, err := parseGraphQLResponse[decoyQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to parse decoy query response: %w", err)
	}

	if len(parsed.Get.Decoy) == 0 || parsed.Get.Decoy[0].ResponseText == "" {
		return "", ErrNotFound
	}
	return parsed.Get.Decoy[0].ResponseText, nil
}

var _ Store = (*WeaviateStore)(nil)
