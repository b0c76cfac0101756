// Package retrieval maintains a similarity index over historical messages
// backed by SQLite. The index is rebuilt wholesale and swapped in
// atomically; readers during a rebuild keep seeing the prior index.
package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"twinchat/internal/corpus"
	"twinchat/internal/embedding"
)

// Document is one indexed historical message.
type Document struct {
	ID       int64
	SourceID string
	Text     string
	Length   int
}

// Result is a retrieved document with its similarity score, higher is
// more similar.
type Result struct {
	Document Document
	Score    float64
}

// Index is the persistent similarity index.
type Index struct {
	db        *sql.DB
	engine    embedding.Engine
	batchSize int
	logger    *zap.Logger

	mu        sync.RWMutex
	vectorExt bool
}

// Open opens (or creates) the index database at path.
func Open(path string, engine embedding.Engine, batchSize int, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 500
	}

	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("Failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("Failed to set sqlite journal_mode=WAL", zap.Error(err))
	}

	idx := &Index{
		db:        db,
		engine:    engine,
		batchSize: batchSize,
		logger:    logger,
	}
	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	idx.detectVecExtension()
	if idx.vectorExt {
		logger.Info("sqlite-vec extension detected, ANN search enabled")
	} else {
		logger.Debug("sqlite-vec extension not available, using full-scan cosine search")
	}
	return idx, nil
}

func (idx *Index) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding TEXT,
		length INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS index_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := idx.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize index schema: %w", err)
	}
	return nil
}

// detectVecExtension checks whether the sqlite-vec vec0 virtual table
// module is loadable in this build.
func (idx *Index) detectVecExtension() {
	if _, err := idx.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_check USING vec0(embedding float[4])"); err == nil {
		idx.db.Exec("DROP TABLE IF EXISTS vec_check")
		idx.vectorExt = true
	}
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Build replaces the index with one built from the given corpus.
// Documents are embedded in batches to bound peak memory, written to a
// shadow table, and swapped in atomically. Readers keep the old index
// until the swap commits. Rebuilding is idempotent.
func (idx *Index) Build(ctx context.Context, msgs []corpus.Message) error {
	start := time.Now()

	if _, err := idx.db.ExecContext(ctx, "DROP TABLE IF EXISTS documents_build"); err != nil {
		return fmt.Errorf("failed to clear shadow table: %w", err)
	}
	if _, err := idx.db.ExecContext(ctx, `
		CREATE TABLE documents_build (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding TEXT,
			length INTEGER NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create shadow table: %w", err)
	}

	dims := 0
	for i := 0; i < len(msgs); i += idx.batchSize {
		end := i + idx.batchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		batchDims, err := idx.insertBatch(ctx, msgs[i:end])
		if err != nil {
			idx.db.Exec("DROP TABLE IF EXISTS documents_build")
			return err
		}
		if dims == 0 {
			dims = batchDims
		}
		idx.logger.Debug("Indexed batch",
			zap.Int("from", i), zap.Int("to", end), zap.Int("total", len(msgs)))
	}

	// Atomic swap: the new table replaces the old one in a single
	// transaction while writers hold the lock.
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin swap: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DROP TABLE documents"); err != nil {
		return fmt.Errorf("failed to drop old index: %w", err)
	}
	if _, err := tx.Exec("ALTER TABLE documents_build RENAME TO documents"); err != nil {
		return fmt.Errorf("failed to swap index: %w", err)
	}
	if idx.vectorExt {
		if _, err := tx.Exec("DROP TABLE IF EXISTS vec_documents"); err != nil {
			return fmt.Errorf("failed to drop old vector table: %w", err)
		}
		if dims > 0 {
			if _, err := tx.Exec(fmt.Sprintf(
				"CREATE VIRTUAL TABLE vec_documents USING vec0(embedding float[%d] distance_metric=cosine)", dims)); err != nil {
				return fmt.Errorf("failed to create vector table: %w", err)
			}
			if _, err := tx.Exec(
				"INSERT INTO vec_documents (rowid, embedding) SELECT id, embedding FROM documents WHERE embedding IS NOT NULL"); err != nil {
				return fmt.Errorf("failed to populate vector table: %w", err)
			}
		}
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO index_meta (key, value) VALUES ('built_at', ?), ('doc_count', ?), ('engine', ?)",
		time.Now().Format(time.RFC3339), fmt.Sprint(len(msgs)), idx.engineName()); err != nil {
		return fmt.Errorf("failed to record index metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit swap: %w", err)
	}

	idx.logger.Info("Rebuilt retrieval index",
		zap.Int("documents", len(msgs)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// insertBatch embeds and stores one batch, reporting the embedding
// dimensionality observed.
func (idx *Index) insertBatch(ctx context.Context, batch []corpus.Message) (int, error) {
	texts := corpus.Texts(batch)

	var vectors [][]float32
	if idx.engine != nil {
		var err error
		vectors, err = idx.engine.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("failed to embed batch: %w", err)
		}
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin batch insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		"INSERT INTO documents_build (source_id, content, embedding, length) VALUES (?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	dims := 0
	for i, m := range batch {
		var embJSON interface{}
		if vectors != nil {
			data, err := json.Marshal(vectors[i])
			if err != nil {
				return 0, fmt.Errorf("failed to serialize embedding: %w", err)
			}
			embJSON = string(data)
			if dims == 0 {
				dims = len(vectors[i])
			}
		}
		if _, err := stmt.Exec(m.ID, m.Text, embJSON, len([]rune(m.Text))); err != nil {
			return 0, fmt.Errorf("failed to insert document: %w", err)
		}
	}
	return dims, tx.Commit()
}

// Query returns up to k documents nearest to the query text by embedding
// similarity, best first. An empty or missing index yields an empty
// result set, never an error.
func (idx *Index) Query(ctx context.Context, text string, k int) ([]Result, error) {
	if k <= 0 {
		k = 3
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	count, err := idx.docCount(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	if idx.engine == nil {
		return nil, nil
	}

	queryVec, err := idx.engine.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	if idx.vectorExt {
		results, err := idx.knnVec(ctx, queryVec, k)
		if err == nil {
			return results, nil
		}
		// An index built before the extension was available has no
		// vector table; fall through to the full scan.
		idx.logger.Debug("vec0 search unavailable, falling back to full scan", zap.Error(err))
	}
	return idx.scanCosine(ctx, queryVec, k)
}

// knnVec runs a vec0 nearest-neighbor search. Cosine distance maps to the
// similarity score as 1 - distance.
func (idx *Index) knnVec(ctx context.Context, queryVec []float32, k int) ([]Result, error) {
	query, err := json.Marshal(queryVec)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query vector: %w", err)
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT d.id, d.source_id, d.content, d.length, v.distance
		FROM vec_documents v JOIN documents d ON d.id = v.rowid
		WHERE v.embedding MATCH ? ORDER BY v.distance LIMIT ?`,
		string(query), k)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var doc Document
		var distance float64
		if err := rows.Scan(&doc.ID, &doc.SourceID, &doc.Text, &doc.Length, &distance); err != nil {
			continue
		}
		results = append(results, Result{Document: doc, Score: 1 - distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector search scan failed: %w", err)
	}
	return results, nil
}

// scanCosine ranks every stored document by cosine similarity. The corpus
// is small (thousands of short messages), so a full scan stays cheap.
func (idx *Index) scanCosine(ctx context.Context, queryVec []float32, k int) ([]Result, error) {
	rows, err := idx.db.QueryContext(ctx,
		"SELECT id, source_id, content, embedding, length FROM documents WHERE embedding IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("index query failed: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var doc Document
		var embJSON string
		if err := rows.Scan(&doc.ID, &doc.SourceID, &doc.Text, &embJSON, &doc.Length); err != nil {
			continue
		}

		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			continue
		}

		score, err := embedding.CosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		results = append(results, Result{Document: doc, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index scan failed: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (idx *Index) docCount(ctx context.Context) (int, error) {
	var count int
	err := idx.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// Stats describes the current index for status reporting.
type Stats struct {
	Documents int
	BuiltAt   string
	Engine    string
}

// Stats returns index metadata recorded at the last build.
func (idx *Index) Stats(ctx context.Context) (Stats, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var s Stats
	var err error
	s.Documents, err = idx.docCount(ctx)
	if err != nil {
		return s, err
	}

	rows, err := idx.db.QueryContext(ctx, "SELECT key, value FROM index_meta")
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			continue
		}
		switch k {
		case "built_at":
			s.BuiltAt = v
		case "engine":
			s.Engine = v
		}
	}
	return s, rows.Err()
}

func (idx *Index) engineName() string {
	if idx.engine == nil {
		return "none"
	}
	return idx.engine.Name()
}
