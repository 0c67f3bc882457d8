// Package loadtest measures the local store under concurrent readers.
//
// A populated store is queried by many goroutines while an optional writer
// keeps committing edits. Reads run on their own pooled connections, so read
// latency should stay flat whether or not the single writer is busy.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldmark/farmsync/internal/farm"
	"github.com/fieldmark/farmsync/internal/localdb/db"
	"github.com/fieldmark/farmsync/internal/localdb/schema"
)

// insertChunk is how many records each populating transaction writes.
const insertChunk = 500

// TestStore is a populated store for load testing.
type TestStore struct {
	DB        *db.DB
	AnimalIDs []string
	BatchIDs  []string

	// SyncedPct is the share of animals inserted as pulled from the server.
	SyncedPct float64
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration
}

// Report is the outcome of RunConcurrentReads.
type Report struct {
	Reads       *LatencyStats
	Commits     int64
	WriteErrors int64
	Elapsed     time.Duration
}

var sexes = []string{"male", "female"}

// CreateTestStore opens a store at path and fills it with numAnimals animals
// spread over batches of about fifty. syncedPct of the animals are inserted
// as already synced; the rest are local creations.
func CreateTestStore(path string, numAnimals int, syncedPct float64) (*TestStore, error) {
	store, err := db.Open(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ts := &TestStore{DB: store, SyncedPct: syncedPct}
	numBatches := numAnimals/50 + 1
	ctx := context.Background()

	err = store.Update(ctx, func(tx *db.Tx) error {
		for i := 0; i < numBatches; i++ {
			batch := farm.Batch{
				Code:         fmt.Sprintf("L-%d", i),
				Species:      farm.Ptr("porcine"),
				InitialCount: farm.Ptr(50.0),
				CurrentCount: farm.Ptr(50.0),
			}
			rec, err := tx.Create(farm.BatchesTable, func(r *db.Record) {
				r.ID = fmt.Sprintf("batch-%04d", i)
				r.Fields = batch.Fields()
			})
			if err != nil {
				return err
			}
			ts.BatchIDs = append(ts.BatchIDs, rec.ID)
		}
		return nil
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to insert batches: %w", err)
	}

	rng := rand.New(rand.NewPCG(42, 0))
	base := time.Now().Add(-30 * 24 * time.Hour)
	for start := 0; start < numAnimals; start += insertChunk {
		end := min(start+insertChunk, numAnimals)
		err := store.Update(ctx, func(tx *db.Tx) error {
			for i := start; i < end; i++ {
				id := fmt.Sprintf("animal-%06d", i)
				animal := farm.Animal{
					InternalCode: fmt.Sprintf("PQ-%06d", i),
					Sex:          farm.Ptr(sexes[i%len(sexes)]),
					BatchID:      farm.Ptr(ts.BatchIDs[i%numBatches]),
					WeightKg:     farm.Ptr(20 + rng.Float64()*300),
					BirthDate:    farm.Ptr(base.Add(time.Duration(i) * time.Minute)),
				}
				fields := animal.Fields()
				if rng.Float64() < syncedPct {
					at := base.Add(time.Duration(i) * time.Second)
					if _, err := tx.MarkSyncedFromPull(farm.AnimalsTable, &db.Record{ID: id, Fields: fields, CreatedAt: at, UpdatedAt: at}); err != nil {
						return err
					}
				} else if _, err := tx.Create(farm.AnimalsTable, func(r *db.Record) {
					r.ID = id
					r.Fields = fields
				}); err != nil {
					return err
				}
				ts.AnimalIDs = append(ts.AnimalIDs, id)
			}
			return nil
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to insert animals: %w", err)
		}
	}
	return ts, nil
}

// Close closes the store.
func (ts *TestStore) Close() error {
	if ts.DB != nil {
		return ts.DB.Close()
	}
	return nil
}

// RunConcurrentReads starts numReaders goroutines, each running
// queriesPerReader batch lookups. With withWriter set, one goroutine keeps
// updating random animals until the readers finish.
func (ts *TestStore) RunConcurrentReads(numReaders, queriesPerReader int, withWriter bool) (*Report, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	report := &Report{}
	var commits, writeErrors atomic.Int64
	writerDone := make(chan struct{})
	if withWriter {
		go func() {
			defer close(writerDone)
			ts.writeLoop(ctx, &commits, &writeErrors)
		}()
	} else {
		close(writerDone)
	}

	var wg sync.WaitGroup
	results := make(chan []time.Duration, numReaders)
	var errorCount atomic.Int64
	began := time.Now()

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(reader), 1))
			durations := make([]time.Duration, 0, queriesPerReader)
			for j := 0; j < queriesPerReader; j++ {
				batch := ts.BatchIDs[rng.IntN(len(ts.BatchIDs))]
				start := time.Now()
				_, err := ts.DB.All(ctx, "animals", db.Where(db.Eq("batchId", batch)))
				durations = append(durations, time.Since(start))
				if err != nil {
					errorCount.Add(1)
				}
			}
			results <- durations
		}(i)
	}

	wg.Wait()
	report.Elapsed = time.Since(began)
	cancel()
	<-writerDone
	close(results)

	var all []time.Duration
	for d := range results {
		all = append(all, d...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no queries completed")
	}

	report.Reads = computeLatencyStats(all)
	report.Reads.Errors = int(errorCount.Load())
	report.Commits = commits.Load()
	report.WriteErrors = writeErrors.Load()
	return report, nil
}

func (ts *TestStore) writeLoop(ctx context.Context, commits, errs *atomic.Int64) {
	rng := rand.New(rand.NewPCG(7, 7))
	for ctx.Err() == nil {
		id := ts.AnimalIDs[rng.IntN(len(ts.AnimalIDs))]
		weight := 20 + rng.Float64()*300
		err := ts.DB.Update(ctx, func(tx *db.Tx) error {
			rec, err := tx.Find("animals", id)
			if err != nil {
				return err
			}
			_, err = tx.Update(rec, func(f schema.Fields) { f["weightKg"] = weight })
			return err
		})
		switch {
		case err == nil:
			commits.Add(1)
		case ctx.Err() == nil:
			errs.Add(1)
		}
	}
}

// VerifyConsistency runs readers against a concurrent writer for duration
// and checks that no reader sees a partial or malformed state: the number
// of live animals never changes and every record is well formed.
func (ts *TestStore) VerifyConsistency(numReaders int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	want := len(ts.AnimalIDs)
	var commits, writeErrors atomic.Int64
	var wg sync.WaitGroup
	errs := make(chan error, numReaders+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ts.writeLoop(ctx, &commits, &writeErrors)
	}()

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			for ctx.Err() == nil {
				recs, err := ts.DB.All(ctx, "animals", db.Query{})
				if err != nil {
					if ctx.Err() == nil {
						errs <- fmt.Errorf("reader %d failed: %w", reader, err)
					}
					return
				}
				if len(recs) != want {
					errs <- fmt.Errorf("reader %d saw %d animals, want %d", reader, len(recs), want)
					return
				}
				for _, r := range recs {
					if r.ID == "" || !r.SyncStatus.IsValid() || r.UpdatedAt.Before(r.CreatedAt) {
						errs <- fmt.Errorf("reader %d saw malformed record %+v", reader, r)
						return
					}
					if _, err := farm.AnimalFromRecord(r); err != nil {
						errs <- fmt.Errorf("reader %d: %w", reader, err)
						return
					}
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	if err, ok := <-errs; ok {
		return err
	}
	if n := writeErrors.Load(); n > 0 {
		return fmt.Errorf("%d writes failed", n)
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(sorted)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(sorted),
		Durations:    sorted,
	}
}

// Print writes the statistics to w.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
