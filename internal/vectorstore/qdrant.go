package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"vfscore/internal/contextutil"
	"vfscore/internal/index"
	"vfscore/internal/vfserr"
)

const (
	payloadResourceID   = "resource_id"
	payloadUnitID       = "unit_id"
	payloadSegmentIndex = "segment_index"

	scrollPageSize = 256
)

// QdrantStore implements VectorStore using Qdrant, one collection per table.
type QdrantStore struct {
	client *qdrant.Client
}

// NewQdrantStore creates a new Qdrant vector store client.
// urlStr should be in the format "http://host:port" (e.g., "http://localhost:6333").
// The gRPC port (typically 6334) will be derived from the HTTP port.
func NewQdrantStore(urlStr, apiKey string) (*QdrantStore, error) {
	host, port, useTLS, err := parseQdrantURL(urlStr)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	return &QdrantStore{
		client: client,
	}, nil
}

func parseQdrantURL(urlStr string) (host string, port int, useTLS bool, err error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid Qdrant URL: %w", err)
	}

	host = parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}

	port = 6334 // Default gRPC port
	if parsedURL.Port() != "" {
		httpPort, err := strconv.Atoi(parsedURL.Port())
		if err == nil {
			// gRPC port is typically HTTP port + 1
			port = httpPort + 1
		}
	}
	return host, port, strings.EqualFold(parsedURL.Scheme, "https"), nil
}

// EnsureTable ensures a collection exists for (modality, dim). An existing
// collection must have the same vector size.
func (s *QdrantStore) EnsureTable(ctx context.Context, modality index.Modality, dim int) (string, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if err := validateDim(dim); err != nil {
		return "", err
	}
	table := index.TableName(modality, dim)
	if err := validateTable(table); err != nil {
		return "", err
	}

	exists, err := s.client.CollectionExists(ctx, table)
	if err != nil {
		return "", fmt.Errorf("failed to check collection existence: %w", err)
	}

	if !exists {
		logger.InfoContext(ctx, "creating collection", "collection", table, "vector_size", dim)
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: table,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return "", fmt.Errorf("failed to create collection: %w", err)
		}
		if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: table,
			FieldName:      payloadResourceID,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		}); err != nil {
			logger.WarnContext(ctx, "failed to index resource_id payload", "collection", table, "error", err)
		}
		return table, nil
	}

	info, err := s.client.GetCollectionInfo(ctx, table)
	if err != nil {
		return "", fmt.Errorf("failed to get collection info: %w", err)
	}
	actual := collectionVectorSize(info)
	if actual == 0 {
		return "", fmt.Errorf("could not determine collection vector size")
	}
	if actual != dim {
		return "", fmt.Errorf("collection vector size mismatch: expected %d, got %d", dim, actual)
	}
	return table, nil
}

// Upsert inserts or updates points in the collection.
func (s *QdrantStore) Upsert(ctx context.Context, table string, rows []Row) error {
	logger := contextutil.LoggerFromContext(ctx)

	if len(rows) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(rows))
	for _, r := range rows {
		id, err := pointID(r.VectorRowID)
		if err != nil {
			return err
		}
		points = append(points, &qdrant.PointStruct{
			Id:      id,
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: qdrant.NewValueMap(rowPayload(r)),
		})
	}

	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: table,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to upsert points", "collection", table, "count", len(rows), "error", err)
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	logger.DebugContext(ctx, "upserted points", "collection", table, "count", len(rows))
	return nil
}

// DeleteByIDs removes points by their vector_row_ids.
func (s *QdrantStore) DeleteByIDs(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pid, err := pointID(id)
		if err != nil {
			return err
		}
		pointIDs = append(pointIDs, pid)
	}
	return s.delete(ctx, table, qdrant.NewPointsSelector(pointIDs...), len(ids))
}

// pointID converts a vector_row_id to a Qdrant point id. Qdrant accepts only
// UUIDs and unsigned integers, so rows must be keyed by index.VectorRowID.
func pointID(id string) (*qdrant.PointId, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return nil, vfserr.Invalid("qdrant.point_id", "", fmt.Sprintf("vector row id %q is not a UUID", id))
	}
	return qdrant.NewID(u.String()), nil
}

// DeleteByResource removes every point whose payload resource_id matches.
func (s *QdrantStore) DeleteByResource(ctx context.Context, table, resourceID string) error {
	selector := qdrant.NewPointsSelectorFilter(&qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(payloadResourceID, resourceID)},
	})
	return s.delete(ctx, table, selector, 0)
}

func (s *QdrantStore) delete(ctx context.Context, table string, selector *qdrant.PointsSelector, count int) error {
	logger := contextutil.LoggerFromContext(ctx)

	exists, err := s.client.CollectionExists(ctx, table)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		return nil
	}

	wait := true
	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: table,
		Wait:           &wait,
		Points:         selector,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to delete points", "collection", table, "count", count, "error", err)
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// Search performs a cosine similarity search with an optional resource filter.
func (s *QdrantStore) Search(ctx context.Context, table string, query []float32, k int, filter *Filter) ([]Hit, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if k <= 0 {
		return nil, fmt.Errorf("k must be greater than 0")
	}
	if filter != nil && filter.ResourceIDs != nil && len(filter.ResourceIDs) == 0 {
		return nil, nil
	}

	limit := uint64(k)
	req := &qdrant.QueryPoints{
		CollectionName: table,
		Query:          qdrant.NewQuery(query...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if filter != nil && len(filter.ResourceIDs) > 0 {
		req.Filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatchKeywords(payloadResourceID, filter.ResourceIDs...)},
		}
	}

	scored, err := s.client.Query(ctx, req)
	if err != nil {
		logger.ErrorContext(ctx, "failed to search points", "collection", table, "k", k, "error", err)
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, p := range scored {
		h := Hit{Score: p.Score}
		if p.Id != nil {
			h.VectorRowID = p.Id.GetUuid()
		}
		if p.Payload != nil {
			h.Payload = convertPayloadToMap(p.Payload)
			h.ResourceID, h.UnitID, h.SegmentIndex = splitPayload(h.Payload)
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// ListIDs scrolls the whole collection and returns its point ids.
func (s *QdrantStore) ListIDs(ctx context.Context, table string) ([]string, error) {
	exists, err := s.client.CollectionExists(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		return nil, nil
	}

	var (
		ids    []string
		offset *qdrant.PointId
	)
	limit := uint32(scrollPageSize)
	for {
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: table,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    qdrant.NewWithPayload(false),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scroll %s: %w", table, err)
		}
		for i, p := range points {
			// the offset point is returned again at the head of the next page
			if i == 0 && offset != nil && p.Id.GetUuid() == offset.GetUuid() {
				continue
			}
			ids = append(ids, p.Id.GetUuid())
		}
		if len(points) < scrollPageSize {
			return ids, nil
		}
		offset = points[len(points)-1].Id
	}
}

// Count returns the exact number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context, table string) (int64, error) {
	exists, err := s.client.CollectionExists(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		return 0, nil
	}
	exact := true
	n, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: table, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return int64(n), nil
}

// Tables lists the collections that follow the vector table naming scheme.
func (s *QdrantStore) Tables(ctx context.Context) ([]string, error) {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	tables := make([]string, 0, len(names))
	for _, n := range names {
		if validateTable(n) == nil {
			tables = append(tables, n)
		}
	}
	return tables, nil
}

// DropTable deletes the collection if it exists.
func (s *QdrantStore) DropTable(ctx context.Context, table string) error {
	exists, err := s.client.CollectionExists(ctx, table)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		return nil
	}
	if err := s.client.DeleteCollection(ctx, table); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", table, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func collectionVectorSize(info *qdrant.CollectionInfo) int {
	if config := info.GetConfig(); config != nil && config.Params != nil {
		if vectorsConfig := config.Params.GetVectorsConfig(); vectorsConfig != nil {
			if params := vectorsConfig.GetParams(); params != nil {
				return int(params.Size)
			}
		}
	}
	return 0
}

func rowPayload(r Row) map[string]any {
	payload := make(map[string]any, len(r.Payload)+3)
	for k, v := range r.Payload {
		payload[k] = v
	}
	payload[payloadResourceID] = r.ResourceID
	payload[payloadUnitID] = r.UnitID
	payload[payloadSegmentIndex] = int64(r.SegmentIndex)
	return payload
}

// splitPayload pulls the row identity fields out of payload.
func splitPayload(payload map[string]any) (resourceID, unitID string, segmentIndex int) {
	resourceID, _ = payload[payloadResourceID].(string)
	unitID, _ = payload[payloadUnitID].(string)
	if v, ok := payload[payloadSegmentIndex].(int64); ok {
		segmentIndex = int(v)
	}
	delete(payload, payloadResourceID)
	delete(payload, payloadUnitID)
	delete(payload, payloadSegmentIndex)
	return resourceID, unitID, segmentIndex
}

// convertPayloadToMap converts Qdrant payload to map[string]any.
func convertPayloadToMap(payload map[string]*qdrant.Value) map[string]any {
	result := make(map[string]any, len(payload))
	for k, v := range payload {
		if v == nil {
			continue
		}
		result[k] = convertValue(v)
	}
	return result
}

// convertValue converts a Qdrant Value to Go any type.
func convertValue(v *qdrant.Value) any {
	switch val := v.Kind.(type) {
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_ListValue:
		list := make([]any, len(val.ListValue.Values))
		for i, item := range val.ListValue.Values {
			list[i] = convertValue(item)
		}
		return list
	case *qdrant.Value_StructValue:
		return convertPayloadToMap(val.StructValue.Fields)
	default:
		return nil
	}
}
