package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"twinchat/internal/corpus"
)

// mockEngine assigns fixed vectors by text.
type mockEngine struct {
	vectors map[string][]float32
	err     error

	mu         sync.Mutex
	batchCalls [][]string
}

func (m *mockEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func (m *mockEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.batchCalls = append(m.batchCalls, texts)
	m.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *mockEngine) Dimensions() int { return 4 }
func (m *mockEngine) Name() string    { return "mock" }

func testMsgs(texts ...string) []corpus.Message {
	msgs := make([]corpus.Message, len(texts))
	for i, t := range texts {
		msgs[i] = corpus.Message{ID: fmt.Sprintf("msg_%d", i), Text: t}
	}
	return msgs
}

func newTestIndex(t *testing.T, engine *mockEngine, batchSize int) *Index {
	t.Helper()
	idx, err := Open(":memory:", engine, batchSize, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestBuildAndQuery(t *testing.T) {
	engine := &mockEngine{vectors: map[string][]float32{
		"кот":    {1, 0, 0, 0},
		"собака": {0.9, 0.1, 0, 0},
		"машина": {0, 0, 1, 0},
	}}
	idx := newTestIndex(t, engine, 100)

	ctx := context.Background()
	if err := idx.Build(ctx, testMsgs("кот", "собака", "машина")); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	results, err := idx.Query(ctx, "кот", 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].Document.Text != "кот" {
		t.Errorf("Expected best match кот, got %q", results[0].Document.Text)
	}
	if results[1].Document.Text != "собака" {
		t.Errorf("Expected second match собака, got %q", results[1].Document.Text)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("Results not ordered by score: %f < %f", results[0].Score, results[1].Score)
	}
}

func TestQueryEmptyIndex(t *testing.T) {
	idx := newTestIndex(t, &mockEngine{}, 100)

	results, err := idx.Query(context.Background(), "что-нибудь", 3)
	if err != nil {
		t.Fatalf("Query on empty index must not fail: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected empty result set, got %d", len(results))
	}
}

func TestBuildReplacesWholesale(t *testing.T) {
	engine := &mockEngine{vectors: map[string][]float32{
		"старое": {1, 0, 0, 0},
		"новое":  {1, 0, 0, 0},
	}}
	idx := newTestIndex(t, engine, 100)
	ctx := context.Background()

	if err := idx.Build(ctx, testMsgs("старое")); err != nil {
		t.Fatalf("First build failed: %v", err)
	}
	if err := idx.Build(ctx, testMsgs("новое")); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	results, err := idx.Query(ctx, "старое", 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	for _, r := range results {
		if r.Document.Text == "старое" {
			t.Error("Old document survived the rebuild")
		}
	}

	stats, err := idx.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Documents != 1 {
		t.Errorf("Expected 1 document after rebuild, got %d", stats.Documents)
	}
	if stats.Engine != "mock" {
		t.Errorf("Expected engine mock, got %q", stats.Engine)
	}
}

func TestBuildBatching(t *testing.T) {
	engine := &mockEngine{}
	idx := newTestIndex(t, engine, 2)

	if err := idx.Build(context.Background(), testMsgs("а", "б", "в", "г", "д")); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(engine.batchCalls) != 3 {
		t.Fatalf("Expected 3 batches of size<=2, got %d", len(engine.batchCalls))
	}
	if len(engine.batchCalls[0]) != 2 || len(engine.batchCalls[2]) != 1 {
		t.Errorf("Unexpected batch sizes: %v", engine.batchCalls)
	}
}

func TestBuildEmbedFailureKeepsOldIndex(t *testing.T) {
	engine := &mockEngine{}
	idx := newTestIndex(t, engine, 100)
	ctx := context.Background()

	if err := idx.Build(ctx, testMsgs("существующий документ")); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	engine.err = errors.New("embedding backend down")
	if err := idx.Build(ctx, testMsgs("новый документ")); err == nil {
		t.Fatal("Expected build failure when embedding fails")
	}
	engine.err = nil

	// The prior index must still be queryable.
	results, err := idx.Query(ctx, "существующий документ", 1)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 || results[0].Document.Text != "существующий документ" {
		t.Errorf("Prior index lost after failed rebuild: %v", results)
	}
}

func TestQueryDefaultK(t *testing.T) {
	engine := &mockEngine{}
	idx := newTestIndex(t, engine, 100)
	ctx := context.Background()

	if err := idx.Build(ctx, testMsgs("а", "б", "в", "г", "д")); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	results, err := idx.Query(ctx, "а", 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) > 3 {
		t.Errorf("Expected default k of 3, got %d results", len(results))
	}
}

func TestConcurrentReadsDuringBuild(t *testing.T) {
	engine := &mockEngine{}
	idx := newTestIndex(t, engine, 1)
	ctx := context.Background()

	if err := idx.Build(ctx, testMsgs("первый", "второй")); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			if _, err := idx.Query(ctx, "первый", 2); err != nil {
				t.Errorf("Query during rebuild failed: %v", err)
				return
			}
		}
	}()

	if err := idx.Build(ctx, testMsgs("третий", "четвертый", "пятый")); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	wg.Wait()

	stats, _ := idx.Stats(ctx)
	if stats.Documents != 3 {
		t.Errorf("Expected 3 documents after rebuild, got %d", stats.Documents)
	}
}
