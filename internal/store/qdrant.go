package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/memento-project/memento/internal/embedder"
	"github.com/memento-project/memento/internal/models"
)

const (
	qdrantDialTimeout  = 10 * time.Second
	qdrantReadTimeout  = 10 * time.Second
	qdrantWriteTimeout = 30 * time.Second

	// scrollPageSize is the page size used when walking a collection in
	// insertion order.
	scrollPageSize = 1000
)

// QdrantBackend implements Backend on Qdrant's gRPC API. Text queries are
// embedded through the configured Embedder before the ANN search.
//
// Qdrant point ids must be UUIDs, while memory ids are opaque client strings;
// the backend maps each memory id to a deterministic UUIDv5 and keeps the
// original id in the payload.
type QdrantBackend struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	emb         embedder.Embedder
	logger      *slog.Logger

	// seq issues insertion sequence numbers. Seeded with wall-clock
	// nanoseconds so restarts keep the numbers monotonic.
	seq atomic.Int64
}

// NewQdrantBackend connects to Qdrant and verifies the connection with a
// lightweight RPC.
func NewQdrantBackend(host string, port int, useTLS bool, emb embedder.Embedder, logger *slog.Logger) (*QdrantBackend, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	opts := []grpc.DialOption{}
	if !useTLS {
		logger.Warn("qdrant connection using insecure credentials (no TLS)")
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant at %s: %w", addr, err)
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), qdrantDialTimeout)
	defer dialCancel()
	if _, err := pb.NewCollectionsClient(conn).List(dialCtx, &pb.ListCollectionsRequest{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("verifying qdrant connection at %s: %w", addr, err)
	}

	logger.Info("connected to qdrant", "addr", addr)

	b := &QdrantBackend{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		emb:         emb,
		logger:      logger,
	}
	b.seq.Store(time.Now().UnixNano())
	return b, nil
}

func (q *QdrantBackend) exists(ctx context.Context, coll string) (bool, error) {
	rctx, cancel := context.WithTimeout(ctx, qdrantReadTimeout)
	defer cancel()
	resp, err := q.collections.List(rctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("listing collections: %w", err)
	}
	for _, c := range resp.GetCollections() {
		if c.GetName() == coll {
			return true, nil
		}
	}
	return false, nil
}

func (q *QdrantBackend) Ensure(ctx context.Context, coll string) error {
	ok, err := q.exists(ctx, coll)
	if err != nil || ok {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, qdrantWriteTimeout)
	defer cancel()
	_, err = q.collections.Create(wctx, &pb.CreateCollection{
		CollectionName: coll,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.emb.Dimension()),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", coll, err)
	}
	q.logger.Info("created collection", "name", coll, "dimension", q.emb.Dimension())
	return nil
}

func (q *QdrantBackend) Upsert(ctx context.Context, coll string, mem models.Memory) error {
	vec, err := q.emb.Embed(ctx, mem.Content)
	if err != nil {
		return fmt.Errorf("embedding memory %s: %w", mem.ID, err)
	}

	// Age is a sequence number rewritten on every upsert, so a replaced
	// entry takes the age of the new insert.
	payload := memoryToPayload(mem)
	payload["seq"] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: q.seq.Add(1)}}

	wctx, cancel := context.WithTimeout(ctx, qdrantWriteTimeout)
	defer cancel()
	_, err = q.points.Upsert(wctx, &pb.UpsertPoints{
		CollectionName: coll,
		Points: []*pb.PointStruct{
			{
				Id:      pointID(mem.ID),
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}}},
				Payload: payload,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upserting point %s: %w", mem.ID, err)
	}
	return nil
}

func (q *QdrantBackend) Delete(ctx context.Context, coll string, id string) error {
	ok, err := q.exists(ctx, coll)
	if err != nil || !ok {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, qdrantWriteTimeout)
	defer cancel()
	_, err = q.points.Delete(wctx, &pb.DeletePoints{
		CollectionName: coll,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{pointID(id)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting point %s: %w", id, err)
	}
	return nil
}

func (q *QdrantBackend) Query(ctx context.Context, coll, text string, n int) ([]models.QueriedMemory, error) {
	ok, err := q.exists(ctx, coll)
	if err != nil || !ok {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	vec, err := q.emb.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, qdrantReadTimeout)
	defer cancel()
	resp, err := q.points.Search(rctx, &pb.SearchPoints{
		CollectionName: coll,
		Vector:         vec,
		Limit:          uint64(n),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", coll, err)
	}

	results := make([]models.QueriedMemory, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		mem, err := payloadToMemory(point.GetPayload())
		if err != nil {
			q.logger.Warn("parsing search result", "error", err)
			continue
		}
		results = append(results, models.QueriedMemory{
			Memory: mem,
			// Cosine similarity in [−1, 1] becomes a distance with 0 = identical.
			Distance: 1 - float64(point.GetScore()),
		})
	}
	return results, nil
}

func (q *QdrantBackend) ScanOldest(ctx context.Context, coll string, offset, limit int) ([]models.Memory, error) {
	ok, err := q.exists(ctx, coll)
	if err != nil || !ok {
		return nil, err
	}

	// Scroll the whole collection and order client-side on the insertion
	// sequence. Collections are capped (STM ~500, LTM ~5000), so a full
	// scroll stays cheap.
	var all []agedPoint
	var cursor *pb.PointId
	for {
		rctx, cancel := context.WithTimeout(ctx, qdrantReadTimeout)
		pageSize := uint32(scrollPageSize)
		req := &pb.ScrollPoints{
			CollectionName: coll,
			Limit:          &pageSize,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		}
		if cursor != nil {
			req.Offset = cursor
		}
		resp, err := q.points.Scroll(rctx, req)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("scrolling %s: %w", coll, err)
		}
		for _, point := range resp.GetResult() {
			mem, err := payloadToMemory(point.GetPayload())
			if err != nil {
				q.logger.Warn("parsing scroll result", "error", err)
				continue
			}
			all = append(all, agedPoint{seq: getIntValue(point.GetPayload(), "seq"), mem: mem})
		}
		cursor = resp.GetNextPageOffset()
		if cursor == nil {
			break
		}
	}

	orderByInsertion(all)

	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit >= 0 && len(all) > limit {
		all = all[:limit]
	}
	mems := make([]models.Memory, 0, len(all))
	for _, p := range all {
		mems = append(mems, p.mem)
	}
	return mems, nil
}

// agedPoint pairs a scanned memory with its insertion sequence number.
type agedPoint struct {
	seq int64
	mem models.Memory
}

// orderByInsertion sorts scanned points oldest insert first. Points written
// before sequence numbers existed carry seq 0 and fall back to creation time.
func orderByInsertion(points []agedPoint) {
	sort.SliceStable(points, func(i, j int) bool {
		if points[i].seq != points[j].seq {
			return points[i].seq < points[j].seq
		}
		if points[i].mem.Time != points[j].mem.Time {
			return points[i].mem.Time < points[j].mem.Time
		}
		return points[i].mem.ID < points[j].mem.ID
	})
}

func (q *QdrantBackend) Count(ctx context.Context, coll string) (int, error) {
	ok, err := q.exists(ctx, coll)
	if err != nil || !ok {
		return 0, err
	}
	rctx, cancel := context.WithTimeout(ctx, qdrantReadTimeout)
	defer cancel()
	exact := true
	resp, err := q.points.Count(rctx, &pb.CountPoints{
		CollectionName: coll,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", coll, err)
	}
	return int(resp.GetResult().GetCount()), nil
}

func (q *QdrantBackend) Drop(ctx context.Context, coll string) error {
	ok, err := q.exists(ctx, coll)
	if err != nil || !ok {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, qdrantWriteTimeout)
	defer cancel()
	if _, err := q.collections.Delete(wctx, &pb.DeleteCollection{CollectionName: coll}); err != nil {
		return fmt.Errorf("dropping collection %s: %w", coll, err)
	}
	return nil
}

func (q *QdrantBackend) Collections(ctx context.Context) ([]string, error) {
	rctx, cancel := context.WithTimeout(ctx, qdrantReadTimeout)
	defer cancel()
	resp, err := q.collections.List(rctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	names := make([]string, 0, len(resp.GetCollections()))
	for _, c := range resp.GetCollections() {
		names = append(names, c.GetName())
	}
	sort.Strings(names)
	return names, nil
}

func (q *QdrantBackend) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// --- helpers ---

// pointID derives a stable UUID for an arbitrary memory id.
func pointID(id string) *pb.PointId {
	u := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: u.String()}}
}

// Payload keys mirror the compact metadata names used on the wire: t = time,
// u = user, s = score, l = lifetime.
func memoryToPayload(m models.Memory) map[string]*pb.Value {
	payload := map[string]*pb.Value{
		"id":      {Kind: &pb.Value_StringValue{StringValue: m.ID}},
		"content": {Kind: &pb.Value_StringValue{StringValue: m.Content}},
		"t":       {Kind: &pb.Value_IntegerValue{IntegerValue: m.Time}},
	}
	if m.User != nil {
		payload["u"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: *m.User}}
	}
	if m.Score != nil {
		payload["s"] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: *m.Score}}
	}
	if m.Lifetime != nil {
		payload["l"] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: *m.Lifetime}}
	}
	return payload
}

func payloadToMemory(payload map[string]*pb.Value) (models.Memory, error) {
	id := getStringValue(payload, "id")
	if id == "" {
		return models.Memory{}, fmt.Errorf("payload missing id")
	}
	m := models.Memory{
		ID:      id,
		Content: getStringValue(payload, "content"),
		Time:    getIntValue(payload, "t"),
	}
	if v, ok := payload["u"]; ok {
		m.User = models.StrPtr(v.GetStringValue())
	}
	if v, ok := payload["s"]; ok {
		m.Score = models.FloatPtr(v.GetDoubleValue())
	}
	if v, ok := payload["l"]; ok {
		m.Lifetime = models.IntPtr(v.GetIntegerValue())
	}
	return m, nil
}

func getStringValue(payload map[string]*pb.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func getIntValue(payload map[string]*pb.Value, key string) int64 {
	if v, ok := payload[key]; ok {
		return v.GetIntegerValue()
	}
	return 0
}
