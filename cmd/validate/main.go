// Command validate checks the integrity of an output container: block
// checksums and index structure, every live record against its catalog entry,
// and optionally that the records named by a job's latest manifest are present.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -container data/mock/basins.gts \
//	  -db gridetl.db -job mock-basins-6h
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/couchcryptid/grid-met-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/grid-met-etl/internal/domain"
	"github.com/couchcryptid/grid-met-etl/internal/pipeline"
	"github.com/couchcryptid/grid-met-etl/internal/store"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
	notes  []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) notef(format string, args ...any) {
	p.notes = append(p.notes, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	container := flag.String("container", "", "path to the output container")
	dbPath := flag.String("db", "", "checkpoint database holding run manifests (optional)")
	jobID := flag.String("job", "", "job whose latest manifest is checked against the container (requires -db)")
	prefix := flag.String("prefix", "", "only check records whose path starts with prefix")
	flag.Parse()

	if *container == "" || (*jobID != "" && *dbPath == "") {
		flag.Usage()
		os.Exit(1)
	}

	os.Exit(run(*container, *dbPath, *jobID, *prefix))
}

func run(container, dbPath, jobID, prefix string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	fmt.Println("=== Container Integrity Validation ===")
	fmt.Println()

	structure, rep, err := validateStructure(container)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: verify container: %v\n", err)
		return 1
	}
	phases := []*phase{structure}

	// Opening truncates an uncommitted tail, so records are only checked
	// when the file is clean.
	var entries []store.Entry
	if rep.OK() && rep.TailBytes == 0 {
		st, err := store.Open(container, store.Options{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: open container: %v\n", err)
			return 1
		}
		defer st.Close()

		entries = st.Catalog(prefix)
		phases = append(phases, validateRecords(ctx, st, entries))
		if jobID != "" {
			phases = append(phases, validateManifest(ctx, dbPath, jobID, st))
		}
	} else {
		structure.notef("record checks skipped: container has problems or an uncommitted tail")
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Blocks: %d (%d payload, %d index, %d tombstone), %d live records, %d orphans, %d tail bytes\n",
		rep.Blocks, rep.Payloads, rep.Indexes, rep.Tombstones, rep.Live, rep.Orphans, rep.TailBytes)

	for _, p := range phases {
		for _, n := range p.notes {
			fmt.Printf("  note (%s): %s\n", p.name, n)
		}
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

func validateStructure(path string) (*phase, store.Report, error) {
	p := &phase{name: "Container structure"}
	rep, err := store.Verify(path)
	if err != nil {
		return nil, rep, err
	}
	for _, prob := range rep.Problems {
		p.errorf("%s", prob)
	}
	if rep.Orphans > 0 {
		p.notef("%d payload blocks were never committed; compaction drops them", rep.Orphans)
	}
	return p, rep, nil
}

// validateRecords re-reads every catalog entry and checks it against its
// index metadata and the record invariants.
func validateRecords(ctx context.Context, st *store.Store, entries []store.Entry) *phase {
	p := &phase{name: "Record contents"}
	if len(entries) == 0 {
		p.notef("no records")
	}
	for _, e := range entries {
		rec, err := st.Read(ctx, e.Path, time.Time{}, time.Time{})
		if err != nil {
			p.errorf("%s: %v", e.Path, err)
			continue
		}
		if rec.Kind != e.Kind {
			p.errorf("%s: catalog kind %s, record kind %s", e.Path, e.Kind, rec.Kind)
		}
		if n := rec.Len(); n != e.Count {
			p.errorf("%s: catalog count %d, record has %d", e.Path, e.Count, n)
		}
		switch rec.Kind {
		case store.KindSeries:
			checkSeries(p, e.Path, rec.Series)
		case store.KindGrids:
			checkGrids(p, e.Path, rec.Grids)
		}
	}
	return p
}

func checkSeries(p *phase, path string, ts domain.TimeSeries) {
	if err := ts.Validate(); err != nil {
		p.errorf("%s: %v", path, err)
	}
	missing := 0
	for i, pt := range ts.Points {
		if math.IsNaN(pt.Value) {
			missing++
		}
		if ts.Interval > 0 && i > 0 && pt.Time.Sub(ts.Points[i-1].Time) != ts.Interval {
			p.errorf("%s: gap between %s and %s does not match interval %s",
				path, ts.Points[i-1].Time.Format(time.RFC3339), pt.Time.Format(time.RFC3339), ts.Interval)
			break
		}
	}
	if missing > 0 {
		p.notef("%s: %d of %d values missing", path, missing, len(ts.Points))
	}
}

func checkGrids(p *phase, path string, gs domain.GridSeries) {
	for i, g := range gs {
		if err := g.Validate(); err != nil {
			p.errorf("%s: grid %d: %v", path, i, err)
		}
		if i > 0 && !g.Time.Start.After(gs[i-1].Time.Start) {
			p.errorf("%s: grid %d does not start after grid %d", path, i, i-1)
		}
	}
}

// validateManifest checks that every record the latest run of a job wrote
// is still in the container.
func validateManifest(ctx context.Context, dbPath, jobID string, st *store.Store) *phase {
	p := &phase{name: "Job manifest " + jobID}
	db, err := sqlite.Open(dbPath)
	if err != nil {
		p.errorf("%v", err)
		return p
	}
	defer db.Close()

	ms, err := db.Manifests(ctx, jobID)
	if err != nil {
		p.errorf("%v", err)
		return p
	}
	if len(ms) == 0 {
		p.errorf("no runs recorded")
		return p
	}
	latest := ms[0]
	p.notef("run %s: outcome %s, %d ok, %d failed, %d skipped",
		latest.RunID, latest.Outcome(),
		latest.Count(pipeline.StatusOK), latest.Count(pipeline.StatusFailed), latest.Count(pipeline.StatusSkipped))
	for _, path := range latest.Records {
		if len(st.Catalog(path)) == 0 {
			p.errorf("record %s missing from container", path)
		}
	}
	for _, s := range latest.Steps {
		if s.Status == pipeline.StatusFailed {
			p.notef("step %d (%s) failed: %s", s.Index, s.Time.Format(time.RFC3339), s.Error)
		}
	}
	return p
}
