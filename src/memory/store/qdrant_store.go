package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
	"github.com/Protocol-Lattice/go-memstore/src/memory/model"
)

// --- Qdrant types ---

type Distance string

const (
	DistanceCosine Distance = "Cosine"
	DistanceDot    Distance = "Dot"
	DistanceEuclid Distance = "Euclid"
)

type qdrantVectorParams struct {
	Size     int      `json:"size"`
	Distance Distance `json:"distance"`
}

// CreateCollectionRequest matches Qdrant's API for a single unnamed vector.
type CreateCollectionRequest struct {
	Vectors       qdrantVectorParams `json:"vectors"`
	OnDiskPayload *bool              `json:"on_disk_payload,omitempty"`
}

// qdrantStatus supports both `status: "ok"` and `status: {"error":"..."}`.
type qdrantStatus struct {
	State string // "ok" or "error"
	Error string // non-empty if error
}

func (s *qdrantStatus) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		s.State = strings.ToLower(v)
		return nil
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Error != "" {
		s.State = "error"
		s.Error = obj.Error
	}
	return nil
}

type qdrantEnvelope[T any] struct {
	Status qdrantStatus `json:"status"`
	Time   float64      `json:"time"`
	Result T            `json:"result"`
}

type qdrantCollectionInfo struct {
	Status      string `json:"status"`
	PointsCount *int64 `json:"points_count"`
	Config      struct {
		Params struct {
			Vectors json.RawMessage `json:"vectors"`
		} `json:"params"`
	} `json:"config"`
}

type qdrantPointResult struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
	Vector  json.RawMessage `json:"vector"`
}

type qdrantScrollResult struct {
	Points         []qdrantPointResult `json:"points"`
	NextPageOffset json.RawMessage     `json:"next_page_offset"`
}

type qdrantCollectionsResult struct {
	Collections []struct {
		Name string `json:"name"`
	} `json:"collections"`
}

type qdrantCountResult struct {
	Count int64 `json:"count"`
}

// Payload keys written with every point.
const (
	qdrantKeyID        = "memory_id"
	qdrantKeyContent   = "content"
	qdrantKeyMetadata  = "metadata"
	qdrantKeyCreatedAt = "created_at"
)

// qdrantNamespace derives point ids for record identifiers that are not UUIDs.
var qdrantNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://qdrant.tech/memstore/points"))

// QdrantStore implements Backend over Qdrant's REST API.
type QdrantStore struct {
	baseURL    string
	apiKey     string
	collection string
	client     *http.Client
	log        logrus.FieldLogger
}

var (
	_ Backend          = (*QdrantStore)(nil)
	_ CollectionLister = (*QdrantStore)(nil)
)

// NewQdrantStore creates a Qdrant-backed store for d.Collection.
func NewQdrantStore(d Descriptor, opts OpenOptions) *QdrantStore {
	baseURL := d.Endpoint
	if baseURL == "" {
		baseURL = defaultQdrantURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &QdrantStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     d.Credential,
		collection: d.Collection,
		client:     &http.Client{Timeout: timeout},
		log:        loggerOrDefault(opts.Logger),
	}
}

func (qs *QdrantStore) collectionPath(name string, suffix string) string {
	return fmt.Sprintf("/collections/%s%s", url.PathEscape(name), suffix)
}

// DescribeCollection reads the vector size of name; a 404 means it is absent.
func (qs *QdrantStore) DescribeCollection(ctx context.Context, name string) (CollectionState, bool, error) {
	const op = "qdrant.describe_collection"
	var resp qdrantEnvelope[qdrantCollectionInfo]
	status, err := qs.do(ctx, op, http.MethodGet, qs.collectionPath(name, ""), nil, &resp)
	if status == http.StatusNotFound {
		return CollectionState{}, false, nil
	}
	if err != nil {
		return CollectionState{}, false, err
	}
	size, err := qdrantVectorSize(resp.Result.Config.Params.Vectors)
	if err != nil {
		return CollectionState{}, false, errs.Fatal(op, fmt.Errorf("collection %q: %w", name, err))
	}
	state := CollectionState{Name: name, Dimensions: size}
	if resp.Result.PointsCount != nil {
		state.RecordCount = *resp.Result.PointsCount
	}
	return state, true, nil
}

// qdrantVectorSize accepts the single-vector form {"size":N,...}. Named vectors
// are rejected: the store writes one unnamed vector per point.
func qdrantVectorSize(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, errors.New("collection has no vector configuration")
	}
	var single struct {
		Size *int `json:"size"`
	}
	if err := json.Unmarshal(raw, &single); err != nil {
		return 0, fmt.Errorf("decode vector configuration: %w", err)
	}
	if single.Size == nil {
		return 0, errors.New("collection uses named vectors; a single unnamed vector is required")
	}
	if *single.Size <= 0 {
		return 0, fmt.Errorf("collection reports invalid vector size %d", *single.Size)
	}
	return *single.Size, nil
}

// CreateCollection creates name with cosine distance. Qdrant answers 409 (or
// an "already exists" status) when it lost a creation race.
func (qs *QdrantStore) CreateCollection(ctx context.Context, name string, dimensions int) error {
	const op = "qdrant.create_collection"
	req := CreateCollectionRequest{Vectors: qdrantVectorParams{Size: dimensions, Distance: DistanceCosine}}
	var resp qdrantEnvelope[json.RawMessage]
	status, err := qs.do(ctx, op, http.MethodPut, qs.collectionPath(name, ""), req, &resp)
	if status == http.StatusConflict || strings.Contains(strings.ToLower(resp.Status.Error), "already exists") {
		return ErrCollectionExists
	}
	if err != nil {
		return err
	}
	if resp.Status.Error != "" {
		return errs.Fatal(op, errors.New(resp.Status.Error))
	}
	return nil
}

// QdrantPointID maps a record identifier onto a Qdrant point id. UUIDs are
// used as-is; other identifiers map to a stable UUIDv5.
func QdrantPointID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(qdrantNamespace, []byte(id)).String()
}

// Upsert writes one point; the original identifier rides in the payload.
func (qs *QdrantStore) Upsert(ctx context.Context, rec model.MemoryRecord) error {
	const op = "qdrant.upsert"
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	req := map[string]any{
		"points": []map[string]any{{
			"id":     QdrantPointID(rec.ID),
			"vector": rec.Embedding,
			"payload": map[string]any{
				qdrantKeyID:        rec.ID,
				qdrantKeyContent:   rec.Content,
				qdrantKeyMetadata:  meta,
				qdrantKeyCreatedAt: createdAt.UTC().Format(time.RFC3339Nano),
			},
		}},
	}
	var resp qdrantEnvelope[json.RawMessage]
	if _, err := qs.do(ctx, op, http.MethodPut, qs.collectionPath(qs.collection, "/points?wait=true"), req, &resp); err != nil {
		return err
	}
	if !strings.EqualFold(resp.Status.State, "ok") && resp.Status.Error != "" {
		return errs.Fatal(op, errors.New(resp.Status.Error))
	}
	return nil
}

// qdrantFilter pushes scalar equality conditions down as `must` matches. It
// reports false when some condition could not be expressed, in which case the
// caller must post-filter.
func qdrantFilter(f model.Filter) (map[string]any, bool) {
	if f.Empty() {
		return nil, true
	}
	exact := true
	must := make([]map[string]any, 0, len(f))
	for _, key := range f.Keys() {
		switch v := f[key].(type) {
		case string, bool, int, int32, int64:
			must = append(must, map[string]any{
				"key":   qdrantKeyMetadata + "." + key,
				"match": map[string]any{"value": v},
			})
		default:
			exact = false
		}
	}
	if len(must) == 0 {
		return nil, exact
	}
	return map[string]any{"must": must}, exact
}

// Query runs a cosine search; Qdrant's score is the cosine similarity. The
// search is always oversampled: Qdrant orders equal scores arbitrarily and
// non-scalar filters are checked after retrieval.
func (qs *QdrantStore) Query(ctx context.Context, vector []float32, k int, filter model.Filter) ([]model.MemoryRecord, error) {
	const op = "qdrant.query"
	if k <= 0 {
		return nil, nil
	}
	pushed, _ := qdrantFilter(filter)
	reqBody := map[string]any{
		"vector":       vector,
		"limit":        oversample(k),
		"with_vector":  true,
		"with_payload": true,
	}
	if pushed != nil {
		reqBody["filter"] = pushed
	}
	var resp qdrantEnvelope[[]qdrantPointResult]
	if _, err := qs.do(ctx, op, http.MethodPost, qs.collectionPath(qs.collection, "/points/search"), reqBody, &resp); err != nil {
		return nil, err
	}
	results := make([]model.MemoryRecord, 0, len(resp.Result))
	for _, point := range resp.Result {
		rec := recordFromQdrantPoint(point)
		if !filter.Match(rec.Metadata) {
			continue
		}
		results = append(results, rec)
	}
	return model.TopK(results, k), nil
}

// qdrantScrollPage is the page size used when listing points.
const qdrantScrollPage = 256

// List pages through the collection with points/scroll. Scroll order follows
// point ids, so every match is collected and ordered by created_at locally.
func (qs *QdrantStore) List(ctx context.Context, filter model.Filter, limit int) ([]model.MemoryRecord, error) {
	const op = "qdrant.list"
	pushed, _ := qdrantFilter(filter)
	var (
		records []model.MemoryRecord
		offset  json.RawMessage
	)
	for {
		reqBody := map[string]any{
			"limit":        qdrantScrollPage,
			"with_vector":  true,
			"with_payload": true,
		}
		if pushed != nil {
			reqBody["filter"] = pushed
		}
		if len(offset) > 0 {
			reqBody["offset"] = offset
		}
		var resp qdrantEnvelope[qdrantScrollResult]
		if _, err := qs.do(ctx, op, http.MethodPost, qs.collectionPath(qs.collection, "/points/scroll"), reqBody, &resp); err != nil {
			return nil, err
		}
		for _, point := range resp.Result.Points {
			rec := recordFromQdrantPoint(point)
			if filter.Match(rec.Metadata) {
				records = append(records, rec)
			}
		}
		next := bytes.TrimSpace(resp.Result.NextPageOffset)
		if len(next) == 0 || bytes.Equal(next, []byte("null")) || len(resp.Result.Points) == 0 {
			break
		}
		offset = next
	}
	return model.Newest(records, limit), nil
}

// ListCollections returns every collection on the server, sorted by name.
func (qs *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	var resp qdrantEnvelope[qdrantCollectionsResult]
	if _, err := qs.do(ctx, "qdrant.list_collections", http.MethodGet, "/collections", nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Result.Collections))
	for _, c := range resp.Result.Collections {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names, nil
}

func recordFromQdrantPoint(point qdrantPointResult) model.MemoryRecord {
	payload := point.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	id := model.StringFromAny(payload[qdrantKeyID])
	if id == "" {
		// Points written by other tools carry no memory_id.
		_ = json.Unmarshal(point.ID, &id)
		if id == "" {
			id = strings.Trim(string(point.ID), `"`)
		}
	}
	var vector []float32
	if len(point.Vector) > 0 {
		_ = json.Unmarshal(point.Vector, &vector)
	}
	return model.MemoryRecord{
		ID:        id,
		Content:   model.StringFromAny(payload[qdrantKeyContent]),
		Embedding: vector,
		Metadata:  model.MetadataFromAny(payload[qdrantKeyMetadata]),
		Score:     point.Score,
		CreatedAt: model.TimeFromAny(payload[qdrantKeyCreatedAt]),
	}
}

// Delete removes the point for id. Qdrant ignores unknown ids.
func (qs *QdrantStore) Delete(ctx context.Context, id string) error {
	req := map[string]any{"points": []string{QdrantPointID(id)}}
	_, err := qs.do(ctx, "qdrant.delete", http.MethodPost, qs.collectionPath(qs.collection, "/points/delete?wait=true"), req, nil)
	return err
}

// HealthCheck fetches the collection; a missing collection is fatal.
func (qs *QdrantStore) HealthCheck(ctx context.Context) error {
	const op = "qdrant.health_check"
	status, err := qs.do(ctx, op, http.MethodGet, qs.collectionPath(qs.collection, ""), nil, nil)
	if status == http.StatusNotFound {
		return errs.Fatalf(op, "collection %q does not exist", qs.collection)
	}
	return err
}

// Count returns the exact number of points in the collection.
func (qs *QdrantStore) Count(ctx context.Context) (int64, error) {
	req := map[string]any{"exact": true}
	var resp qdrantEnvelope[qdrantCountResult]
	if _, err := qs.do(ctx, "qdrant.count", http.MethodPost, qs.collectionPath(qs.collection, "/points/count"), req, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// Close drops idle keep-alive connections.
func (qs *QdrantStore) Close() error {
	if qs == nil || qs.client == nil {
		return nil
	}
	qs.client.CloseIdleConnections()
	return nil
}

// do sends one JSON request and decodes the envelope into out. It returns the
// HTTP status (0 when no response arrived) alongside a classified error.
func (qs *QdrantStore) do(ctx context.Context, op, method, path string, body any, out any) (int, error) {
	u := qs.baseURL + path

	var buf io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, errs.Fatal(op, fmt.Errorf("marshal request: %w", err))
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, buf)
	if err != nil {
		return 0, errs.Fatal(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-memstore-qdrant/1.0")
	if qs.apiKey != "" {
		req.Header.Set("api-key", qs.apiKey)
	}
	resp, err := qs.client.Do(req)
	if err != nil {
		return 0, classifyTransport(op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return resp.StatusCode, classifyTransport(op, err)
	}
	if out != nil && len(payload) > 0 {
		// Error bodies carry the same envelope; decode best-effort.
		if jerr := json.Unmarshal(payload, out); jerr != nil && resp.StatusCode < 300 {
			return resp.StatusCode, errs.Fatal(op, fmt.Errorf("decode response: %w", jerr))
		}
	}
	if resp.StatusCode >= 300 {
		qs.log.WithFields(logrus.Fields{"method": method, "path": path, "status": resp.StatusCode}).Debug("qdrant request failed")
		return resp.StatusCode, classifyHTTPStatus(op, resp.StatusCode, string(payload))
	}
	return resp.StatusCode, nil
}

// oversample widens k for searches whose results are filtered or re-ranked
// after retrieval.
func oversample(k int) int {
	n := k * 4
	if n < 64 {
		n = 64
	}
	return n
}
