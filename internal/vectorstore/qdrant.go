package vectorstore

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("docqa.vectorstore.qdrant")

const providerQdrant = "qdrant"

// collectionNamePattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName rejects names outside ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default: "localhost"
	Host string

	// Port is the gRPC port (not the 6333 REST port). Default: 6334
	Port int

	// Collection is the collection name.
	Collection string

	// VectorSize is used when the collection has to be created.
	VectorSize uint64

	UseTLS bool

	// MaxRetries is the number of retries for transient failures. Default: 3
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled per retry. Default: 1s
	RetryBackoff time.Duration

	// MaxMessageSize is the gRPC message limit in bytes. Default: 50MB
	MaxMessageSize int

	// CircuitBreakerThreshold is the failure count that opens the circuit. Default: 5
	CircuitBreakerThreshold int

	// SearchOverfetch is how many extra candidates Search requests so ties
	// at the k-th score can be ordered by insertion. Default: 16
	SearchOverfetch int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.SearchOverfetch == 0 {
		c.SearchOverfetch = 16
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// IsTransientError reports whether err is worth retrying: unavailable,
// deadline exceeded, aborted or resource exhausted.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == grpccodes.NotFound
}

// qdrantAPI is the subset of *qdrant.Client the store uses.
type qdrantAPI interface {
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Get(ctx context.Context, request *qdrant.GetPoints) ([]*qdrant.RetrievedPoint, error)
	Scroll(ctx context.Context, request *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, error)
	Count(ctx context.Context, request *qdrant.CountPoints) (uint64, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Close() error
}

// QdrantStore implements Store on an external Qdrant server over gRPC.
// Transient transport failures are retried with exponential backoff behind
// a circuit breaker.
type QdrantStore struct {
	client   qdrantAPI
	embedder Embedder
	config   QdrantConfig
	logger   *zap.Logger

	mu      sync.RWMutex
	seq     int64
	seqInit bool

	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

// NewQdrantStore connects to Qdrant and verifies the server is healthy.
func NewQdrantStore(config QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext, TLS disabled",
			zap.String("host", config.Host), zap.Int("port", config.Port))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := newQdrantStore(client, config, embedder, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	logger.Info("qdrant store connected",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.Collection),
	)
	return s, nil
}

func newQdrantStore(client qdrantAPI, config QdrantConfig, embedder Embedder, logger *zap.Logger) *QdrantStore {
	return &QdrantStore{client: client, config: config, embedder: embedder, logger: logger}
}

// retryOperation retries an operation with exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if s.isCircuitOpen() {
			return fmt.Errorf("%s: %w: circuit breaker open", operationName, ErrConnectionFailed)
		}

		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed: %w", operationName, err)
		}

		s.recordFailure()
		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *QdrantStore) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantStore) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantStore) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures >= s.config.CircuitBreakerThreshold {
		// half-open after 30s
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

func (s *QdrantStore) collectionExists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.retryOperation(ctx, "collection_exists", func() error {
		ok, err := s.client.CollectionExists(ctx, s.config.Collection)
		exists = ok
		return err
	})
	return exists, err
}

// EnsureCollection creates the collection with cosine distance if absent.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	return s.ensureCollection(ctx, s.config.VectorSize)
}

func (s *QdrantStore) ensureCollection(ctx context.Context, size uint64) error {
	exists, err := s.collectionExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.retryOperation(ctx, "create_collection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     size,
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
}

// Insert implements Store.
func (s *QdrantStore) Insert(ctx context.Context, records []Record) (ids []string, err error) {
	defer observe(providerQdrant, "insert", time.Now(), &err)
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("record_count", len(records)),
	)

	if len(records) == 0 {
		return nil, nil
	}

	vectors, err := embedRecords(ctx, s.embedder, records)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureCollection(ctx, uint64(len(vectors[0]))); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}
	if err := s.initSeq(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	points := make([]*qdrant.PointStruct, len(records))
	ids = make([]string, len(records))
	for i, r := range records {
		ids[i] = uuid.NewString()
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(ids[i]),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: toPayload(r, s.seq+int64(i)+1),
		}
	}

	// A single upsert is applied atomically by the server.
	err = s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("upserting points to %s: %w", s.config.Collection, err)
	}
	s.seq += int64(len(records))

	span.SetAttributes(attribute.Int("inserted", len(ids)))
	span.SetStatus(codes.Ok, "success")
	return ids, nil
}

// initSeq loads the highest stored sequence number once. Callers hold mu.
func (s *QdrantStore) initSeq(ctx context.Context) error {
	if s.seqInit {
		return nil
	}
	entries, err := s.scrollAll(ctx)
	if err != nil {
		return fmt.Errorf("reading sequence numbers: %w", err)
	}
	for _, e := range entries {
		if e.Seq > s.seq {
			s.seq = e.Seq
		}
	}
	s.seqInit = true
	return nil
}

// scrollAll returns every point in insertion order, or nil when the
// collection does not exist.
func (s *QdrantStore) scrollAll(ctx context.Context) ([]Entry, error) {
	n, err := s.count(ctx)
	if err != nil || n == 0 {
		return nil, err
	}

	var points []*qdrant.RetrievedPoint
	err = s.retryOperation(ctx, "scroll", func() error {
		res, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.config.Collection,
			Limit:          qdrant.PtrOf(uint32(n)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		points = res
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(points))
	for _, p := range points {
		entries = append(entries, fromPayload(p.GetId().GetUuid(), p.GetPayload(), 0))
	}
	sortBySeq(entries)
	return entries, nil
}

func (s *QdrantStore) count(ctx context.Context) (int, error) {
	var n uint64
	err := s.retryOperation(ctx, "count", func() error {
		res, err := s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.config.Collection,
			Exact:          qdrant.PtrOf(true),
		})
		n = res
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return int(n), nil
}

// Search implements Store. Qdrant orders equal scores arbitrarily, so
// SearchOverfetch extra candidates are fetched and re-ranked by sequence.
func (s *QdrantStore) Search(ctx context.Context, embedding []float32, k int) (entries []Entry, err error) {
	defer observe(providerQdrant, "search", time.Now(), &err)
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidK, k)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: empty query embedding", ErrDimensionMismatch)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var points []*qdrant.ScoredPoint
	err = s.retryOperation(ctx, "search", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(embedding...),
			Limit:          qdrant.PtrOf(uint64(k + s.config.SearchOverfetch)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		points = res
		return err
	})
	if err != nil {
		if isNotFound(err) {
			span.SetStatus(codes.Ok, "collection absent")
			return []Entry{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching %s: %w", s.config.Collection, err)
	}

	entries = make([]Entry, 0, len(points))
	for _, p := range points {
		entries = append(entries, fromPayload(p.GetId().GetUuid(), p.GetPayload(), p.GetScore()))
	}
	rankEntries(entries)
	if len(entries) > k {
		entries = entries[:k]
	}

	span.SetAttributes(attribute.Int("results_count", len(entries)))
	span.SetStatus(codes.Ok, "success")
	return entries, nil
}

// Delete implements Store.
func (s *QdrantStore) Delete(ctx context.Context, id string) (found bool, err error) {
	defer observe(providerQdrant, "delete", time.Now(), &err)
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	// Every stored id is a UUID, anything else cannot exist.
	if _, perr := uuid.Parse(id); perr != nil {
		return false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var points []*qdrant.RetrievedPoint
	err = s.retryOperation(ctx, "get", func() error {
		res, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.config.Collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
		})
		points = res
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("looking up %s: %w", id, err)
	}
	if len(points) == 0 {
		return false, nil
	}

	if err := s.deleteIDs(ctx, []string{id}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	span.SetStatus(codes.Ok, "success")
	return true, nil
}

func (s *QdrantStore) deleteIDs(ctx context.Context, ids []string) error {
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}
	return s.retryOperation(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{Ids: pointIDs},
				},
			},
		})
		return err
	})
}

// DeleteAll implements Store by enumerating every id and deleting in batches.
func (s *QdrantStore) DeleteAll(ctx context.Context) (err error) {
	defer observe(providerQdrant, "delete_all", time.Now(), &err)
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.DeleteAll")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.scrollAll(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("enumerating %s: %w", s.config.Collection, err)
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		if err := s.deleteIDs(ctx, ids[start:end]); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("deleting batch from %s: %w", s.config.Collection, err)
		}
	}

	span.SetAttributes(attribute.Int("deleted", len(ids)))
	span.SetStatus(codes.Ok, "success")
	s.logger.Info("collection cleared", zap.String("collection", s.config.Collection), zap.Int("deleted", len(ids)))
	return nil
}

// List implements Store.
func (s *QdrantStore) List(ctx context.Context) (entries []Entry, err error) {
	defer observe(providerQdrant, "list", time.Now(), &err)
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.List")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err = s.scrollAll(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("listing %s: %w", s.config.Collection, err)
	}
	for i := range entries {
		entries[i].Text = Preview(entries[i].Text)
	}
	if entries == nil {
		entries = []Entry{}
	}
	span.SetStatus(codes.Ok, "success")
	return entries, nil
}

// Count implements Store.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	n, err := s.count(ctx)
	if err == nil {
		Entries.WithLabelValues(providerQdrant).Set(float64(n))
	}
	return n, err
}

// Info implements Store.
func (s *QdrantStore) Info(ctx context.Context) (*CollectionInfo, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &CollectionInfo{
		Name:      s.config.Collection,
		Provider:  providerQdrant,
		Location:  fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Count:     n,
		Dimension: int(s.config.VectorSize),
	}, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func toPayload(r Record, seq int64) map[string]*qdrant.Value {
	str := func(v string) *qdrant.Value { return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}} }
	num := func(v int64) *qdrant.Value { return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: v}} }
	m := r.Metadata
	return map[string]*qdrant.Value{
		keyText:         str(r.Text),
		keyFilename:     str(m.Filename),
		keyFileType:     str(m.FileType),
		keyFormat:       str(m.Format),
		keySource:       str(m.Source),
		keyChunkIndex:   num(int64(m.ChunkIndex)),
		keyTotalChunks:  num(int64(m.TotalChunks)),
		keyChunkSize:    num(int64(m.ChunkSize)),
		keyChunkOverlap: num(int64(m.ChunkOverlap)),
		keySeq:          num(seq),
	}
}

func fromPayload(id string, p map[string]*qdrant.Value, score float32) Entry {
	str := func(k string) string { return p[k].GetStringValue() }
	num := func(k string) int64 { return p[k].GetIntegerValue() }
	return Entry{
		ID:   id,
		Text: str(keyText),
		Metadata: Metadata{
			Filename:     str(keyFilename),
			FileType:     str(keyFileType),
			Format:       str(keyFormat),
			Source:       str(keySource),
			ChunkIndex:   int(num(keyChunkIndex)),
			TotalChunks:  int(num(keyTotalChunks)),
			ChunkSize:    int(num(keyChunkSize)),
			ChunkOverlap: int(num(keyChunkOverlap)),
		},
		Score: score,
		Seq:   num(keySeq),
	}
}
