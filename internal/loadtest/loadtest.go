// Package loadtest exercises a store with concurrent writers and readers.
//
// Writers increment counters on random entities through the commit
// pipeline, so every write contends for the store's write lock and is
// captured as a change record. Readers list and load entities meanwhile.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tidemark-sync/tidemark/internal/config"
	"github.com/tidemark-sync/tidemark/internal/schema"
	"github.com/tidemark-sync/tidemark/internal/store"
	"github.com/tidemark-sync/tidemark/internal/txn"
)

// Entity types created by the fixture.
const (
	FolderType = "bench_folder"
	NoteType   = "bench_note"
)

// Registry returns the entity types the fixture populates.
func Registry() *schema.Registry {
	reg := schema.NewRegistry()
	reg.MustRegister(
		schema.Descriptor{
			Name: FolderType, Key: schema.KeyGUID,
			Properties:   []schema.Property{{Name: "name", Type: schema.Text}},
			Capabilities: schema.Syncable,
		},
		schema.Descriptor{
			Name: NoteType, Key: schema.KeyGUID,
			Properties: []schema.Property{
				{Name: "title", Type: schema.Text},
				{Name: "views", Type: schema.Integer, Default: 0},
				{Name: "folder", Type: schema.Text, References: FolderType},
			},
			Capabilities: schema.Syncable,
		},
	)
	return reg
}

// Fixture is a populated store.
type Fixture struct {
	Store   *store.Store
	NoteIDs []string
	Folders int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
}

// CreateFixture opens a store in dir and fills it with numNotes notes spread
// over folders of ten.
func CreateFixture(ctx context.Context, dir string, numNotes int, logger *zap.Logger) (*Fixture, error) {
	settings := config.Default()
	settings.DatabasePath = filepath.Join(dir, "loadtest.db")
	s, err := store.Open(ctx, settings, store.Options{Registry: Registry(), Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	fx := &Fixture{Store: s, NoteIDs: make([]string, 0, numNotes)}
	for start := 0; start < numNotes; start += 100 {
		end := min(start+100, numNotes)
		err := s.Transaction(ctx, func(b *txn.Batch) error {
			folder, err := s.New(FolderType)
			if err != nil {
				return err
			}
			if err := folder.Set("name", fmt.Sprintf("folder-%d", start/100)); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				note, err := s.New(NoteType)
				if err != nil {
					return err
				}
				if err := note.Set("title", fmt.Sprintf("note %05d", i)); err != nil {
					return err
				}
				if err := note.SetRef("folder", folder); err != nil {
					return err
				}
				if err := b.Commit(note, true); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to populate notes %d-%d: %w", start, end, err)
		}
		fx.Folders++
	}

	notes, err := s.List(ctx, NoteType, "")
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	for _, n := range notes {
		fx.NoteIDs = append(fx.NoteIDs, n.Key().String())
	}
	sort.Strings(fx.NoteIDs)
	return fx, nil
}

// Close closes the fixture store.
func (fx *Fixture) Close() error {
	return fx.Store.Close()
}

// RunConcurrentCommits starts writers goroutines that each increment the
// views of perWriter random notes. It returns commit latencies.
func (fx *Fixture) RunConcurrentCommits(ctx context.Context, writers, perWriter int) (*LatencyStats, error) {
	return fx.run(ctx, writers, perWriter, func(ctx context.Context, rng *rand.Rand) error {
		id := fx.NoteIDs[rng.Intn(len(fx.NoteIDs))]
		note, err := fx.Store.Get(ctx, NoteType, id)
		if err != nil {
			return err
		}
		if err := note.Increment("views", 1); err != nil {
			return err
		}
		return fx.Store.Commit(ctx, note)
	})
}

// RunConcurrentReads starts readers goroutines that each load perReader
// random notes. It returns read latencies.
func (fx *Fixture) RunConcurrentReads(ctx context.Context, readers, perReader int) (*LatencyStats, error) {
	return fx.run(ctx, readers, perReader, func(ctx context.Context, rng *rand.Rand) error {
		id := fx.NoteIDs[rng.Intn(len(fx.NoteIDs))]
		_, err := fx.Store.Get(ctx, NoteType, id)
		return err
	})
}

func (fx *Fixture) run(ctx context.Context, workers, each int, op func(context.Context, *rand.Rand) error) (*LatencyStats, error) {
	if len(fx.NoteIDs) == 0 {
		return nil, fmt.Errorf("fixture has no notes")
	}
	var mu sync.Mutex
	var all []time.Duration
	errorCount := 0

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		seed := int64(42 + w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			durations := make([]time.Duration, 0, each)
			failed := 0
			for j := 0; j < each; j++ {
				if ctx.Err() != nil {
					break
				}
				start := time.Now()
				if err := op(ctx, rng); err != nil {
					failed++
					continue
				}
				durations = append(durations, time.Since(start))
			}
			mu.Lock()
			all = append(all, durations...)
			errorCount += failed
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(all) == 0 {
		return nil, fmt.Errorf("no successful operations completed")
	}
	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, nil
}

// TotalViews sums the views of every note.
func (fx *Fixture) TotalViews(ctx context.Context) (int64, error) {
	notes, err := fx.Store.List(ctx, NoteType, "")
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range notes {
		v, _ := n.Get("views").(int64)
		total += v
	}
	return total, nil
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(sorted)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(sorted),
	}
}

// Print writes the statistics in a fixed layout.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "  Operations:   %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:       %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:          %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", s.P95)
	fmt.Fprintf(w, "  P99:          %v\n", s.P99)
	fmt.Fprintf(w, "  Max:          %v\n", s.Max)
}
