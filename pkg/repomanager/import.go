package repomanager

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/serpent-os/federation/pkg/artifacts"
	"github.com/serpent-os/federation/pkg/audit"
	"github.com/serpent-os/federation/pkg/stone"
)

// Package is one file to import, as presented on vessel/build (spec §6).
type Package struct {
	URL    string
	SHA256 string
}

// ImportRequest is the message this package processes, carried to the
// worker loop by a Queue.
type ImportRequest struct {
	TaskID   int64
	Endpoint string
	Packages []Package
}

// Notifier reports an import's outcome back to the Hub (spec §4.8 step 8).
type Notifier interface {
	ImportSucceeded(ctx context.Context, taskID int64) error
	ImportFailed(ctx context.Context, taskID int64) error
}

// Downloader fetches a package file to a local path. The production
// implementation is an http.Client GET; tests substitute a fake.
type Downloader interface {
	Download(ctx context.Context, url, destPath string) error
}

// HTTPDownloader fetches over plain HTTP(S).
type HTTPDownloader struct {
	HTTP *http.Client
}

func (d HTTPDownloader) Download(ctx context.Context, url, destPath string) error {
	client := d.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("repomanager: build download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("repomanager: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("repomanager: download %s: status %d", url, resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("repomanager: create staging file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("repomanager: write staging file: %w", err)
	}
	return out.Close()
}

// Pipeline drives the import of one ImportRequest end to end (spec §4.8).
// Callers are expected to process requests one at a time from a single
// worker loop (spec §5 ordering guarantee b: "a second import waits until
// the first commits").
type Pipeline struct {
	DB          *sql.DB
	Collections *CollectionStore
	Meta        *MetaStore
	Store       artifacts.Store
	Codec       stone.Codec
	Download    Downloader
	StagingDir  string
	IndexPath   string // e.g. state/public/volatile/x86_64/stone.index
	IndexBase   string // public URI prefix the index's meta URIs are served from
	Notify      Notifier
	Log         *slog.Logger
}

// Run executes the full pipeline. Any step failure rolls back and reports
// ImportFailed; success reports ImportSucceeded.
func (p *Pipeline) Run(ctx context.Context, req ImportRequest) {
	log := p.log()
	if err := p.run(ctx, req); err != nil {
		log.Error("repomanager: import failed", "task_id", req.TaskID, "error", err)
		if nerr := p.Notify.ImportFailed(ctx, req.TaskID); nerr != nil {
			log.Error("repomanager: failed to report import failure", "task_id", req.TaskID, "error", nerr)
		}
		return
	}
	if nerr := p.Notify.ImportSucceeded(ctx, req.TaskID); nerr != nil {
		log.Error("repomanager: failed to report import success", "task_id", req.TaskID, "error", nerr)
	}
}

func (p *Pipeline) log() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

func (p *Pipeline) run(ctx context.Context, req ImportRequest) error {
	staged, err := p.downloadAll(ctx, req.Packages)
	if err != nil {
		return err
	}

	tx, err := BeginTx(ctx, p.DB)
	if err != nil {
		return fmt.Errorf("repomanager: begin import transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, stagedPkg := range staged {
		if err := p.ingestOne(ctx, tx, stagedPkg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repomanager: commit import transaction: %w", err)
	}
	committed = true

	return p.reindex(ctx)
}

type stagedPackage struct {
	path string
}

// downloadAll concurrently fetches every package into the staging
// directory keyed by its declared sha256, and verifies the full-file hash
// matches (spec §4.8 step 1). A single mismatch rejects the whole import.
func (p *Pipeline) downloadAll(ctx context.Context, packages []Package) ([]stagedPackage, error) {
	if err := os.MkdirAll(p.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("repomanager: prepare staging dir: %w", err)
	}

	type result struct {
		idx int
		pkg stagedPackage
		err error
	}

	results := make(chan result, len(packages))
	for i, pkg := range packages {
		go func(i int, pkg Package) {
			path, err := p.downloadOne(ctx, pkg)
			results <- result{idx: i, pkg: stagedPackage{path: path}, err: err}
		}(i, pkg)
	}

	staged := make([]stagedPackage, len(packages))
	var firstErr error
	for range packages {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		staged[r.idx] = r.pkg
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return staged, nil
}

func (p *Pipeline) downloadOne(ctx context.Context, pkg Package) (string, error) {
	if len(pkg.SHA256) < 6 {
		return "", fmt.Errorf("repomanager: package sha256 too short: %q", pkg.SHA256)
	}
	destDir := filepath.Join(p.StagingDir, pkg.SHA256[:2], pkg.SHA256[2:4])
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("repomanager: prepare staging subdir: %w", err)
	}
	destPath := filepath.Join(destDir, pkg.SHA256)

	if err := p.Download.Download(ctx, pkg.URL, destPath); err != nil {
		return "", err
	}

	sum, err := sha256File(destPath)
	if err != nil {
		return "", err
	}
	if sum != pkg.SHA256 {
		return "", fmt.Errorf("repomanager: downloaded file sha256 mismatch for %s: got %s want %s", pkg.URL, sum, pkg.SHA256)
	}
	return destPath, nil
}

// ingestOne runs the parse/gate/place/record steps for one staged file
// within tx (spec §4.8 steps 2-5).
func (p *Pipeline) ingestOne(ctx context.Context, tx *sql.Tx, staged stagedPackage) error {
	header, err := p.Codec.ReadHeader(staged.path)
	if err != nil {
		return fmt.Errorf("repomanager: read stone header: %w", err)
	}
	if header.Type != stone.FileTypeBinary {
		return fmt.Errorf("repomanager: %w: %s", stone.ErrNotBinary, staged.path)
	}

	meta, err := p.Codec.ParseMeta(staged.path)
	if err != nil {
		return fmt.Errorf("repomanager: parse meta: %w", err)
	}

	if err := p.Collections.CheckAndUpsert(ctx, tx, Collection{
		Name:          meta.Name,
		SourceID:      meta.SourceID,
		PackageID:     meta.Name,
		BuildRelease:  meta.BuildRelease,
		SourceRelease: meta.SourceRelease,
	}); err != nil {
		return err
	}

	fileName := filepath.Base(meta.URI)
	if fileName == "" || fileName == "." {
		fileName = meta.Name + ".stone"
	}
	poolPath := artifacts.PoolPath(meta.SourceID, fileName)

	data, err := os.ReadFile(staged.path)
	if err != nil {
		return fmt.Errorf("repomanager: read staged file: %w", err)
	}
	if err := p.Store.Put(ctx, poolPath, data, meta.SHA256); err != nil {
		return fmt.Errorf("repomanager: place package: %w", err)
	}

	meta.URI = poolPath
	if err := p.Meta.Put(ctx, tx, meta.Name, meta); err != nil {
		return err
	}

	return nil
}

// reindex rewrites the repo index from scratch, sorted by (source_id,
// name), rewriting each meta's URI relative to the index (spec §4.8 step
// 7). It runs in its own transaction, after the import transaction has
// already committed.
func (p *Pipeline) reindex(ctx context.Context) error {
	tx, err := BeginTx(ctx, p.DB)
	if err != nil {
		return fmt.Errorf("repomanager: begin reindex transaction: %w", err)
	}
	defer tx.Rollback()

	collections, err := p.Collections.All(ctx, tx)
	if err != nil {
		return err
	}
	sort.Slice(collections, func(i, j int) bool {
		if collections[i].SourceID != collections[j].SourceID {
			return collections[i].SourceID < collections[j].SourceID
		}
		return collections[i].Name < collections[j].Name
	})

	metas := make([]stone.Meta, 0, len(collections))
	for _, c := range collections {
		meta, err := p.Meta.Get(ctx, tx, c.PackageID)
		if err != nil {
			return err
		}
		if p.IndexBase != "" {
			meta.URI = strings.TrimRight(p.IndexBase, "/") + "/" + strings.TrimLeft(meta.URI, "/")
		}
		metas = append(metas, meta)
	}

	if err := os.MkdirAll(filepath.Dir(p.IndexPath), 0o755); err != nil {
		return fmt.Errorf("repomanager: prepare index dir: %w", err)
	}
	if err := writeIndex(p.IndexPath, metas); err != nil {
		return err
	}
	if fp, ferr := audit.Fingerprint(metas); ferr == nil {
		p.log().Info("repomanager: reindexed", "packages", len(metas), "fingerprint", fp)
	}

	return tx.Commit()
}

func writeIndex(path string, metas []stone.Meta) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("repomanager: create index file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, meta := range metas {
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("repomanager: write index entry: %w", err)
		}
	}
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("repomanager: open %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("repomanager: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
