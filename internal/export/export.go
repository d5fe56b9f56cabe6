package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lychee-technology/occams"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CodebookFile is the name of the shared codebook written next to the
// per-schema reports.
const CodebookFile = "codebook.csv"

// VersionLister lists the published versions of a schema name.
type VersionLister interface {
	ListVersions(ctx context.Context, name string) ([]*occams.Schema, error)
}

// Uploader copies a produced file to remote storage under key.
type Uploader interface {
	Upload(ctx context.Context, path, key string) error
}

// Options shape an export run.
type Options struct {
	Dir               string
	UseChoiceLabels   bool
	ExpandCollections bool
	// Concurrency bounds the reports built at once; <= 0 means one per schema.
	Concurrency int
}

// Exporter writes one CSV per schema name plus a shared codebook.
type Exporter struct {
	reports  occams.ReportBuilder
	versions VersionLister
	uploader Uploader
	opts     Options
}

// NewExporter builds an exporter. uploader may be nil.
func NewExporter(reports occams.ReportBuilder, versions VersionLister, uploader Uploader, opts Options) *Exporter {
	return &Exporter{reports: reports, versions: versions, uploader: uploader, opts: opts}
}

// Export builds the report of every published version of each name and
// returns the written file paths, codebook last.
func (e *Exporter) Export(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, occams.NewValidationError("schemas", "at least one schema name is required")
	}
	if err := os.MkdirAll(e.opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	files := make([]string, len(names))
	codebooks := make([][]occams.CodebookEntry, len(names))

	g, gctx := errgroup.WithContext(ctx)
	if e.opts.Concurrency > 0 {
		g.SetLimit(e.opts.Concurrency)
	}
	for i, name := range names {
		g.Go(func() error {
			path, entries, err := e.exportOne(gctx, name)
			if err != nil {
				return fmt.Errorf("export %s: %w", name, err)
			}
			files[i] = path
			codebooks[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []occams.CodebookEntry
	for _, entries := range codebooks {
		all = append(all, entries...)
	}
	codebookPath := filepath.Join(e.opts.Dir, CodebookFile)
	if err := writeFile(codebookPath, func(f *os.File) error { return WriteCodebook(f, all) }); err != nil {
		return nil, err
	}
	files = append(files, codebookPath)

	if e.uploader != nil {
		if err := e.upload(ctx, files); err != nil {
			return nil, err
		}
	}
	return files, nil
}

func (e *Exporter) exportOne(ctx context.Context, name string) (string, []occams.CodebookEntry, error) {
	start := time.Now()
	versions, err := e.versions.ListVersions(ctx, name)
	if err != nil {
		return "", nil, err
	}
	req := occams.ReportRequest{
		SchemaName:        name,
		UseChoiceLabels:   e.opts.UseChoiceLabels,
		ExpandCollections: e.opts.ExpandCollections,
	}
	for _, v := range versions {
		if v.PublishDate != nil {
			req.Versions = append(req.Versions, *v.PublishDate)
		}
	}

	rs, err := e.reports.BuildReport(ctx, req)
	if err != nil {
		return "", nil, err
	}
	entries, err := e.reports.Codebook(ctx, req)
	if err != nil {
		return "", nil, err
	}
	path := filepath.Join(e.opts.Dir, occams.NormalizeName(name)+".csv")
	if err := writeFile(path, func(f *os.File) error { return WriteReport(f, rs) }); err != nil {
		return "", nil, err
	}
	zap.S().Infow("report exported", "schema", name, "versions", len(req.Versions),
		"rows", len(rs.Rows), "file", path, "elapsed", time.Since(start))
	return path, entries, nil
}

func (e *Exporter) upload(ctx context.Context, files []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, path := range files {
		g.Go(func() error {
			return e.uploader.Upload(gctx, path, filepath.Base(path))
		})
	}
	return g.Wait()
}

func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
