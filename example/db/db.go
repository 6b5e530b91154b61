package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/synoptiq/go-chain"
)

// --- 1. Domain types ---

// Scan is one pointing of one station.
type Scan struct {
	ID      int
	Station string
	Source  string
	Frames  int
}

// Frame is one block of samples from a scan.
type Frame struct {
	ScanID  int
	Seq     int
	Samples []float64
}

// Detection is the mean power of a frame.
type Detection struct {
	ScanID int
	Seq    int
	Power  float64
}

// --- 2. The dependency interface ---

type DetectionRepository interface {
	InsertDetections(ctx context.Context, batch []Detection) error
	CountDetections(ctx context.Context, scanID int) (int, error)
}

// --- 3a. SQLite implementation ---

type SQLiteDetectionRepository struct {
	db *sql.DB
}

func NewSQLiteDetectionRepository(db *sql.DB) *SQLiteDetectionRepository {
	if db == nil {
		panic("sql.DB cannot be nil")
	}
	return &SQLiteDetectionRepository{db: db}
}

func (r *SQLiteDetectionRepository) InsertDetections(ctx context.Context, batch []Detection) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO detections (scan_id, seq, power) VALUES (?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range batch {
		if _, err := stmt.ExecContext(ctx, d.ScanID, d.Seq, d.Power); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert detection %d/%d: %w", d.ScanID, d.Seq, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteDetectionRepository) CountDetections(ctx context.Context, scanID int) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM detections WHERE scan_id = ?", scanID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count detections for scan %d: %w", scanID, err)
	}
	return n, nil
}

// --- 3b. Mock implementation ---

type MockDetectionRepository struct {
	mu      sync.Mutex
	stored  map[int][]Detection
	batches int

	InsertDetectionsFunc func(ctx context.Context, batch []Detection) error
}

func NewMockDetectionRepository() *MockDetectionRepository {
	m := &MockDetectionRepository{stored: make(map[int][]Detection)}
	m.InsertDetectionsFunc = func(_ context.Context, batch []Detection) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.batches++
		for _, d := range batch {
			m.stored[d.ScanID] = append(m.stored[d.ScanID], d)
		}
		return nil
	}
	return m
}

func (m *MockDetectionRepository) InsertDetections(ctx context.Context, batch []Detection) error {
	return m.InsertDetectionsFunc(ctx, batch)
}

func (m *MockDetectionRepository) CountDetections(_ context.Context, scanID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stored[scanID]), nil
}

func (m *MockDetectionRepository) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// --- 4. Stages ---

// playback emits the frames of every scan in order.
func playback(scans []Scan) chain.ProducerFunc[Frame, struct{}] {
	return func(out *chain.Queue[Frame], _ *chain.Sync[struct{}]) error {
		for _, scan := range scans {
			for seq := 0; seq < scan.Frames; seq++ {
				samples := make([]float64, 64)
				for i := range samples {
					samples[i] = math.Sin(float64(scan.ID*seq+i)) * float64(scan.ID)
				}
				if !out.Push(Frame{ScanID: scan.ID, Seq: seq, Samples: samples}) {
					return nil
				}
			}
		}
		return nil
	}
}

func detect(in *chain.Queue[Frame], out *chain.Queue[Detection], _ *chain.Sync[struct{}]) error {
	for {
		frame, ok := in.Pop()
		if !ok {
			return nil
		}
		var power float64
		for _, v := range frame.Samples {
			power += v * v
		}
		if !out.Push(Detection{ScanID: frame.ScanID, Seq: frame.Seq, Power: power / float64(len(frame.Samples))}) {
			return nil
		}
	}
}

// catalogWriter batches detections into the repository. The last partial
// batch is written when the stage state is destroyed.
type catalogWriter struct {
	repo      DetectionRepository
	batchSize int
	batch     []Detection
	written   int
}

func (w *catalogWriter) flush(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}
	if err := w.repo.InsertDetections(ctx, w.batch); err != nil {
		return err
	}
	w.written += len(w.batch)
	w.batch = w.batch[:0]
	return nil
}

func catalogState(repo DetectionRepository, batchSize int) chain.State[*catalogWriter] {
	return chain.State[*catalogWriter]{
		New: func() (*catalogWriter, error) {
			return &catalogWriter{repo: repo, batchSize: batchSize}, nil
		},
		Destroy: func(w *catalogWriter) error {
			return w.flush(context.Background())
		},
	}
}

func catalog(in *chain.Queue[Detection], s *chain.Sync[*catalogWriter]) error {
	for {
		d, ok := in.Pop()
		if !ok {
			return nil
		}

		s.Lock()
		w := s.State()
		w.batch = append(w.batch, d)
		var err error
		if len(w.batch) >= w.batchSize {
			err = w.flush(s.Context())
		}
		s.Unlock()

		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
	}
}

// NewCatalogChain builds playback → detect → catalog.
func NewCatalogChain(scans []Scan, repo DetectionRepository, detectors int) (*chain.Chain, error) {
	c := chain.New(chain.WithName("catalog"))

	if _, err := chain.AddProducer(c, playback(scans), chain.Stateless(), chain.WithStageName("playback")); err != nil {
		return nil, err
	}
	if _, err := chain.AddStep(c, 16, detect, chain.Stateless(),
		chain.WithStageName("detect"), chain.WithThreads(detectors)); err != nil {
		return nil, err
	}
	// Single writer: SQLite serializes writes anyway.
	if _, err := chain.AddConsumer(c, 16, catalog, catalogState(repo, 8), chain.WithStageName("catalog")); err != nil {
		return nil, err
	}
	if err := c.Finalize(); err != nil {
		_ = c.Release()
		return nil, err
	}
	return c, nil
}

// --- Database setup helper ---

const dbFile = "./chain_catalog_example.db"

func setupDatabase(ctx context.Context) (*sql.DB, error) {
	_ = os.Remove(dbFile)
	db, err := sql.Open("sqlite3", dbFile+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createTableSQL := `
	CREATE TABLE detections (
		scan_id INTEGER NOT NULL,
		seq     INTEGER NOT NULL,
		power   REAL NOT NULL,
		PRIMARY KEY (scan_id, seq)
	);`
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create detections table: %w", err)
	}

	fmt.Println("✅ SQLite database initialized.")
	return db, nil
}

// --- 5. Example usage ---

func main() {
	fmt.Println("🚀 Chain Catalog Example (SQLite consumer)")
	fmt.Println("==========================================")

	ctx := context.Background()

	db, err := setupDatabase(ctx)
	if err != nil {
		log.Fatalf("Database setup failed: %v", err)
	}
	defer db.Close()
	defer os.Remove(dbFile)

	repo := NewSQLiteDetectionRepository(db)
	scans := []Scan{
		{ID: 1, Station: "Ef", Source: "3C273", Frames: 40},
		{ID: 2, Station: "Wb", Source: "3C273", Frames: 25},
		{ID: 3, Station: "On", Source: "M87", Frames: 33},
	}

	c, err := NewCatalogChain(scans, repo, 4)
	if err != nil {
		log.Fatalf("Chain setup failed: %v", err)
	}
	defer c.Release()

	startTime := time.Now()
	if err := c.Run(ctx); err != nil {
		log.Fatalf("Run failed: %v", err)
	}
	if err := c.Wait(); err != nil {
		var destroyErr *chain.DestroyError
		if errors.As(err, &destroyErr) {
			fmt.Printf("❌ Final flush failed in stage %s: %v\n", destroyErr.StageName, destroyErr.OriginalError)
		} else {
			fmt.Printf("❌ Run failed: %v\n", err)
		}
		return
	}
	fmt.Printf("Processing finished in %v\n", time.Since(startTime))

	fmt.Println("\nVerifying SQLite DB state:")
	for _, scan := range scans {
		n, err := repo.CountDetections(ctx, scan.ID)
		if err != nil {
			log.Printf("Warning: %v", err)
			continue
		}
		fmt.Printf("  - scan %d (%s on %s): %d/%d detections stored\n", scan.ID, scan.Station, scan.Source, n, scan.Frames)
	}
}
