// Package flatten converts scraped store dumps into the flat CSV the
// pipeline ingests: one row per priced product per store, with category and
// store details looked up from the site menu and the store directory.
package flatten

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"pricesync/internal/logger"
	"pricesync/pkg/records"
)

// Options configures a conversion.
type Options struct {
	// ProductsDir holds one "*.json" dump per store. Files whose name
	// contains "_MENU" are ignored.
	ProductsDir string
	StoresFile  string
	// MenuFile defaults to ProductsDir/_MENU_SITE.json.
	MenuFile string
	Out      string
	Chain    string
	// Workers bounds concurrent decoding. Defaults to GOMAXPROCS.
	Workers int
}

// Stats summarizes a conversion.
type Stats struct {
	Files   int
	Failed  int
	Rows    int64
	Skipped int64
}

// Run converts every dump of opt.ProductsDir into opt.Out. Files are decoded
// concurrently and written in sorted file order. A dump that cannot be read
// is logged and counted in Stats.Failed; the output is still produced.
func Run(ctx context.Context, opt Options, log *logger.Logger) (Stats, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if opt.ProductsDir == "" || opt.Out == "" {
		return Stats{}, errors.New("flatten: products dir and output file are required")
	}
	if opt.MenuFile == "" {
		opt.MenuFile = filepath.Join(opt.ProductsDir, "_MENU_SITE.json")
	}
	workers := opt.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}

	cats, err := LoadCategories(opt.MenuFile)
	if err != nil {
		return Stats{}, err
	}
	stores, err := LoadStores(opt.StoresFile)
	if err != nil {
		return Stats{}, err
	}
	log.Info("flatten: lookups loaded", "categories", len(cats), "stores", len(stores))
	cat := Catalog{Categories: cats, Stores: stores, Chain: opt.Chain}

	files, err := dumpFiles(opt.ProductsDir)
	if err != nil {
		return Stats{}, err
	}
	log.Info("flatten: converting", "files", len(files), "out", opt.Out)

	tmp, err := os.CreateTemp(filepath.Dir(opt.Out), ".flatten-*.csv")
	if err != nil {
		return Stats{}, fmt.Errorf("flatten: create output: %w", err)
	}
	defer os.Remove(tmp.Name())

	stats, err := convert(ctx, files, cat, workers, tmp, log)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("flatten: close output: %w", cerr)
	}
	if err != nil {
		return stats, err
	}
	if err := os.Rename(tmp.Name(), opt.Out); err != nil {
		return stats, fmt.Errorf("flatten: rename output: %w", err)
	}
	log.Info("flatten: done", "files", stats.Files, "failed", stats.Failed,
		"rows", stats.Rows, "skipped", stats.Skipped)
	return stats, nil
}

func dumpFiles(dir string) ([]string, error) {
	all, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("flatten: list %s: %w", dir, err)
	}
	out := all[:0]
	for _, f := range all {
		if !strings.Contains(filepath.Base(f), "_MENU") {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out, nil
}

// convert decodes files in windows of workers*4 and writes each window in
// file order, so memory is bounded by the window rather than the dataset.
func convert(ctx context.Context, files []string, cat Catalog, workers int, out *os.File, log *logger.Logger) (Stats, error) {
	var stats Stats
	w := csv.NewWriter(out)
	if err := w.Write(records.Columns); err != nil {
		return stats, err
	}

	window := workers * 4
	for start := 0; start < len(files); start += window {
		end := min(start+window, len(files))
		dumps := make([]*Dump, end-start)
		var failed atomic.Int32

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, path := range files[start:end] {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				d, err := readDumpFile(path, cat)
				if err != nil {
					failed.Add(1)
					log.Warn("flatten: skip unreadable dump", "file", path, "err", err)
					return nil
				}
				dumps[i] = &d
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}

		stats.Failed += int(failed.Load())
		for i, d := range dumps {
			if d == nil {
				continue
			}
			for _, r := range d.Rows {
				if err := w.Write(r.Fields()); err != nil {
					return stats, fmt.Errorf("flatten: write: %w", err)
				}
			}
			stats.Files++
			stats.Rows += int64(len(d.Rows))
			stats.Skipped += int64(d.Skipped)
			log.Debug("flatten: store converted", "file", files[start+i],
				"store", d.StoreName, "rows", len(d.Rows))
		}
	}
	w.Flush()
	return stats, w.Error()
}

func readDumpFile(path string, cat Catalog) (Dump, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dump{}, err
	}
	defer f.Close()
	return ReadDump(f, cat)
}
