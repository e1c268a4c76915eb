package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
	"github.com/Protocol-Lattice/go-memstore/src/memory/model"
)

// MongoStore implements Backend on MongoDB Atlas Vector Search. The collection
// holds the documents; its dimensionality lives in an Atlas search index named
// "<collection>_vector".
type MongoStore struct {
	client     *mongo.Client
	database   *mongo.Database
	collection *mongo.Collection
	log        logrus.FieldLogger
}

var (
	_ Backend          = (*MongoStore)(nil)
	_ CollectionLister = (*MongoStore)(nil)
)

const mongoCloseTimeout = 5 * time.Second

// Server error codes the store reacts to.
const (
	mongoCodeUnauthorized       = 13
	mongoCodeAuthFailed         = 18
	mongoCodeNamespaceExists    = 48
	mongoCodeIndexAlreadyExists = 68
	mongoCodeNamespaceNotFound  = 26
)

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(ctx context.Context, d Descriptor, opts OpenOptions) (*MongoStore, error) {
	const op = "mongodb.open"
	if d.Endpoint == "" {
		return nil, errs.Configuration(op, "%s is required", KeyMongoURI)
	}
	if d.Database == "" {
		return nil, errs.Configuration(op, "mongo database name is required")
	}
	clientOpts := options.Client().ApplyURI(d.Endpoint)
	if opts.Timeout > 0 {
		clientOpts.SetConnectTimeout(opts.Timeout).SetServerSelectionTimeout(opts.Timeout)
	}
	if err := clientOpts.Validate(); err != nil {
		return nil, errs.Configuration(op, "invalid %s: %v", KeyMongoURI, err)
	}
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, classifyMongo(op, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, classifyMongo(op, err)
	}
	db := client.Database(d.Database)
	return &MongoStore{
		client:     client,
		database:   db,
		collection: db.Collection(d.Collection),
		log:        loggerOrDefault(opts.Logger),
	}, nil
}

// MongoVectorIndexName names the search index backing collection.
func MongoVectorIndexName(collection string) string {
	return collection + "_vector"
}

type mongoIndexField struct {
	Type          string `bson:"type"`
	Path          string `bson:"path"`
	NumDimensions int    `bson:"numDimensions"`
}

type mongoSearchIndex struct {
	Name             string `bson:"name"`
	Status           string `bson:"status"`
	Queryable        bool   `bson:"queryable"`
	LatestDefinition struct {
		Fields []mongoIndexField `bson:"fields"`
	} `bson:"latestDefinition"`
}

func (idx mongoSearchIndex) dimensions() int {
	for _, f := range idx.LatestDefinition.Fields {
		if f.Type == "vector" && f.Path == "embedding" {
			return f.NumDimensions
		}
	}
	return 0
}

func (ms *MongoStore) vectorIndex(ctx context.Context, coll *mongo.Collection) (mongoSearchIndex, bool, error) {
	name := MongoVectorIndexName(coll.Name())
	cursor, err := coll.SearchIndexes().List(ctx, options.SearchIndexes().SetName(name))
	if err != nil {
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Code == mongoCodeNamespaceNotFound {
			return mongoSearchIndex{}, false, nil
		}
		return mongoSearchIndex{}, false, err
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var idx mongoSearchIndex
		if err := cursor.Decode(&idx); err != nil {
			return mongoSearchIndex{}, false, err
		}
		if idx.Name == name {
			return idx, true, nil
		}
	}
	return mongoSearchIndex{}, false, cursor.Err()
}

// DescribeCollection reports the width declared by the collection's vector
// index. A collection without the index counts as absent.
func (ms *MongoStore) DescribeCollection(ctx context.Context, name string) (CollectionState, bool, error) {
	const op = "mongodb.describe_collection"
	coll := ms.database.Collection(name)
	idx, ok, err := ms.vectorIndex(ctx, coll)
	if err != nil {
		return CollectionState{}, false, classifyMongo(op, err)
	}
	if !ok {
		return CollectionState{}, false, nil
	}
	dims := idx.dimensions()
	if dims <= 0 {
		return CollectionState{}, false, errs.Fatalf(op, "search index %q has no vector field on \"embedding\"", idx.Name)
	}
	count, err := coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return CollectionState{}, false, classifyMongo(op, err)
	}
	return CollectionState{Name: name, Dimensions: dims, RecordCount: count}, true, nil
}

// CreateCollection creates the collection if needed and its vector search
// index. Atlas builds the index asynchronously.
func (ms *MongoStore) CreateCollection(ctx context.Context, name string, dimensions int) error {
	const op = "mongodb.create_collection"
	if err := ms.database.CreateCollection(ctx, name); err != nil {
		var cmdErr mongo.CommandError
		if !errors.As(err, &cmdErr) || cmdErr.Code != mongoCodeNamespaceExists {
			return classifyMongo(op, err)
		}
	}
	cmd := bson.D{
		{Key: "createSearchIndexes", Value: name},
		{Key: "indexes", Value: bson.A{
			bson.D{
				{Key: "name", Value: MongoVectorIndexName(name)},
				{Key: "type", Value: "vectorSearch"},
				{Key: "definition", Value: bson.D{
					{Key: "fields", Value: bson.A{
						bson.D{
							{Key: "type", Value: "vector"},
							{Key: "path", Value: "embedding"},
							{Key: "numDimensions", Value: dimensions},
							{Key: "similarity", Value: "cosine"},
						},
					}},
				}},
			},
		}},
	}
	if err := ms.database.RunCommand(ctx, cmd).Err(); err != nil {
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Code == mongoCodeIndexAlreadyExists {
			return ErrCollectionExists
		}
		return classifyMongo(op, err)
	}
	ms.log.WithField("index", MongoVectorIndexName(name)).Info("requested atlas vector search index")
	return nil
}

type mongoMemoryDocument struct {
	ID           string         `bson:"_id"`
	Content      string         `bson:"content"`
	Metadata     map[string]any `bson:"metadata"`
	MetadataJSON string         `bson:"metadata_json"`
	Embedding    []float64      `bson:"embedding"`
	CreatedAt    time.Time      `bson:"created_at"`
}

func (doc mongoMemoryDocument) toRecord() model.MemoryRecord {
	return model.MemoryRecord{
		ID:        doc.ID,
		Content:   doc.Content,
		Metadata:  model.DecodeMetadata(doc.MetadataJSON),
		Embedding: float32Embedding(doc.Embedding),
		CreatedAt: doc.CreatedAt.UTC(),
	}
}

// Upsert replaces the document with _id rec.ID, inserting it if absent.
// Metadata is kept twice: as a sub-document for server-side matching and as
// JSON text for exact round-trips.
func (ms *MongoStore) Upsert(ctx context.Context, rec model.MemoryRecord) error {
	const op = "mongodb.upsert"
	metadataJSON, err := model.EncodeMetadata(rec.Metadata)
	if err != nil {
		return errs.Fatal(op, err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	doc := mongoMemoryDocument{
		ID:           rec.ID,
		Content:      rec.Content,
		Metadata:     meta,
		MetadataJSON: metadataJSON,
		Embedding:    float64Embedding(rec.Embedding),
		CreatedAt:    createdAt,
	}
	_, err = ms.collection.ReplaceOne(ctx, bson.M{"_id": rec.ID}, doc, options.Replace().SetUpsert(true))
	return classifyMongo(op, err)
}

// mongoMatch turns a filter into a $match on metadata sub-fields.
func mongoMatch(filter model.Filter) bson.D {
	match := bson.D{}
	for _, key := range filter.Keys() {
		match = append(match, bson.E{Key: "metadata." + key, Value: filter[key]})
	}
	return match
}

// mongoSimilarity maps Atlas' cosine score, (1 + cos) / 2, back to the cosine.
func mongoSimilarity(score float64) float64 {
	return 2*score - 1
}

// Query runs $vectorSearch and narrows results with $match. The search is
// always oversampled: filtering happens after retrieval and equal scores come
// back in index order, not by recency.
func (ms *MongoStore) Query(ctx context.Context, vector []float32, k int, filter model.Filter) ([]model.MemoryRecord, error) {
	const op = "mongodb.query"
	if k <= 0 {
		return nil, nil
	}
	limit := oversample(k)
	pipeline := mongo.Pipeline{
		{
			{Key: "$vectorSearch", Value: bson.D{
				{Key: "index", Value: MongoVectorIndexName(ms.collection.Name())},
				{Key: "path", Value: "embedding"},
				{Key: "queryVector", Value: float64Embedding(vector)},
				{Key: "numCandidates", Value: int64(limit * 10)},
				{Key: "limit", Value: int64(limit)},
			}},
		},
		{
			{Key: "$addFields", Value: bson.D{
				{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}},
			}},
		},
	}
	if !filter.Empty() {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: mongoMatch(filter)}})
	}

	cursor, err := ms.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, classifyMongo(op, err)
	}
	defer cursor.Close(ctx)

	var records []model.MemoryRecord
	for cursor.Next(ctx) {
		var doc struct {
			mongoMemoryDocument `bson:",inline"`
			Score               float64 `bson:"score"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, errs.Fatal(op, err)
		}
		rec := doc.toRecord()
		if !filter.Match(rec.Metadata) {
			continue
		}
		rec.Score = mongoSimilarity(doc.Score)
		records = append(records, rec)
	}
	if err := cursor.Err(); err != nil {
		return nil, classifyMongo(op, err)
	}
	return model.TopK(records, k), nil
}

// mongoListOptions sorts newest first. The server-side limit only applies
// without a filter: array fields match $eq on any element, so filtered
// documents are rechecked and counted locally.
func mongoListOptions(filter model.Filter, limit int) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Empty() {
		opts.SetLimit(int64(limit))
	}
	return opts
}

// List returns the newest documents matching filter.
func (ms *MongoStore) List(ctx context.Context, filter model.Filter, limit int) ([]model.MemoryRecord, error) {
	const op = "mongodb.list"
	cursor, err := ms.collection.Find(ctx, mongoMatch(filter), mongoListOptions(filter, limit))
	if err != nil {
		return nil, classifyMongo(op, err)
	}
	defer cursor.Close(ctx)

	var records []model.MemoryRecord
	for len(records) < limit && cursor.Next(ctx) {
		var doc mongoMemoryDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, errs.Fatal(op, err)
		}
		if rec := doc.toRecord(); filter.Match(rec.Metadata) {
			records = append(records, rec)
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, classifyMongo(op, err)
	}
	return records, nil
}

// ListCollections returns the database's collection names, sorted.
func (ms *MongoStore) ListCollections(ctx context.Context) ([]string, error) {
	names, err := ms.database.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, classifyMongo("mongodb.list_collections", err)
	}
	sort.Strings(names)
	return names, nil
}

func (ms *MongoStore) Delete(ctx context.Context, id string) error {
	_, err := ms.collection.DeleteOne(ctx, bson.M{"_id": id})
	return classifyMongo("mongodb.delete", err)
}

// HealthCheck pings the deployment and checks the vector index is queryable.
// An index still building is reported as retryable.
func (ms *MongoStore) HealthCheck(ctx context.Context) error {
	const op = "mongodb.health_check"
	if err := ms.client.Ping(ctx, nil); err != nil {
		return classifyMongo(op, err)
	}
	idx, ok, err := ms.vectorIndex(ctx, ms.collection)
	if err != nil {
		return classifyMongo(op, err)
	}
	if !ok {
		return errs.Fatalf(op, "vector index %q does not exist", MongoVectorIndexName(ms.collection.Name()))
	}
	if !idx.Queryable {
		return errs.Retryable(op, errors.New("vector index "+idx.Name+" is not queryable yet (status "+idx.Status+")"))
	}
	return nil
}

func (ms *MongoStore) Count(ctx context.Context) (int64, error) {
	count, err := ms.collection.CountDocuments(ctx, bson.M{})
	return count, classifyMongo("mongodb.count", err)
}

// Close releases the underlying MongoDB client.
func (ms *MongoStore) Close() error {
	if ms == nil || ms.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoCloseTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}

// classifyMongo treats timeouts, network errors and errors the server labels
// retryable as transient. Authentication failures are fatal.
func classifyMongo(op string, err error) error {
	if err == nil || errs.Classified(err) {
		return err
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return errs.Retryable(op, err)
	}
	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) {
		if srvErr.HasErrorCode(mongoCodeUnauthorized) || srvErr.HasErrorCode(mongoCodeAuthFailed) {
			return errs.Fatal(op, err)
		}
		if srvErr.HasErrorLabel("RetryableWriteError") || srvErr.HasErrorLabel("TransientTransactionError") {
			return errs.Retryable(op, err)
		}
		return errs.Fatal(op, err)
	}
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return errs.Fatal(op, err)
	}
	return classifyTransport(op, err)
}

func float64Embedding(vec []float32) []float64 {
	if len(vec) == 0 {
		return nil
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}

func float32Embedding(vec []float64) []float32 {
	if len(vec) == 0 {
		return nil
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}
