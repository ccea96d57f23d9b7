// Package builder implements the Builder service's recipe pipeline: mirror
// the recipe repository, check out the requested commit into a worktree,
// invoke the external recipe-build tool, classify its output assets, and
// report success or failure back to the Hub (spec §4.7).
package builder

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/serpent-os/federation/pkg/git"
)

// ErrBuildInProgress is returned when a build is requested while another
// is already running; the HTTP handler translates this to 503 (spec §4.7
// "a second concurrent request is rejected with 503").
var ErrBuildInProgress = fmt.Errorf("builder: a build is already in progress")

// Remote is an upstream binary-package source to configure for a build
// (spec §6 PackageBuild.collections).
type Remote struct {
	Name     string
	IndexURI string
	Priority int
}

// Request is the decoded avalanche/build payload.
type Request struct {
	BuildID      string
	URI          string
	CommitRef    string
	RelativePath string
	Architecture string
	Collections  []Remote
}

// Collectable is one classified output asset (spec §6).
type Collectable struct {
	Kind   string
	URI    string
	SHA256 string
}

// Reporter notifies the Hub of a build's outcome (spec §4.7 step 6).
type Reporter interface {
	BuildSucceeded(ctx context.Context, buildID string, collectables []Collectable) error
	BuildFailed(ctx context.Context, buildID string) error
}

// RecipeTool invokes the external recipe-build tool against a checked-out
// worktree, writing combined stdout+stderr to logWriter. Parsing the real
// recipe format and driving the actual build is an external collaborator;
// this seam lets the pipeline stay testable without it.
type RecipeTool interface {
	Build(ctx context.Context, worktreeDir, configPath string, logWriter io.Writer) error
}

// Pipeline drives one admitted build at a time (spec §4.7: "a process-wide
// boolean compare-and-swap gates admission").
type Pipeline struct {
	CacheDir     string // mirrors live under {CacheDir}/{buildID}/clone
	ScratchDir   string // worktrees live under {ScratchDir}/{buildID}
	AssetsDir    string // published assets live under {AssetsDir}/{buildID}
	HostAddress  string // rooted for public asset URIs, e.g. https://builder.example:5000
	Tool         RecipeTool
	Reporter     Reporter
	Log          *slog.Logger

	building atomic.Bool
}

// TryAdmit performs the compare-and-swap gate. It returns false if a build
// is already running.
func (p *Pipeline) TryAdmit() bool {
	return p.building.CompareAndSwap(false, true)
}

// Release clears the in-progress flag. Callers must call this unconditionally
// once a build finishes, success or failure (spec §4.7 step 6).
func (p *Pipeline) Release() {
	p.building.Store(false)
}

// Run executes the full pipeline for req. The caller is responsible for
// having called TryAdmit first and Release after Run returns; Run itself
// never touches the admission flag so it stays testable without the
// process-wide gate.
func (p *Pipeline) Run(ctx context.Context, req Request) {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}

	collectables, err := p.build(ctx, req)
	if err != nil {
		log.Error("builder: build failed", "build_id", req.BuildID, "error", err)
		if rerr := p.Reporter.BuildFailed(ctx, req.BuildID); rerr != nil {
			log.Error("builder: failed to report build failure", "build_id", req.BuildID, "error", rerr)
		}
		return
	}

	if rerr := p.Reporter.BuildSucceeded(ctx, req.BuildID, collectables); rerr != nil {
		log.Error("builder: failed to report build success", "build_id", req.BuildID, "error", rerr)
	}
}

func (p *Pipeline) build(ctx context.Context, req Request) ([]Collectable, error) {
	cloneDir := filepath.Join(p.CacheDir, req.BuildID, "clone")
	worktreeDir := filepath.Join(p.ScratchDir, req.BuildID)
	assetsDir := filepath.Join(p.AssetsDir, req.BuildID)

	if err := mirror(ctx, req.URI, cloneDir); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(worktreeDir), 0o755); err != nil {
		return nil, fmt.Errorf("builder: prepare worktree parent: %w", err)
	}
	if err := git.AddWorktree(ctx, cloneDir, worktreeDir, req.CommitRef); err != nil {
		return nil, err
	}
	defer func() {
		if err := git.RemoveWorktree(ctx, cloneDir, worktreeDir); err != nil {
			p.log().Warn("builder: failed to remove worktree", "worktree", worktreeDir, "error", err)
		}
	}()

	if err := os.MkdirAll(assetsDir, 0o755); err != nil {
		return nil, fmt.Errorf("builder: prepare asset dir: %w", err)
	}

	configPath := filepath.Join(worktreeDir, "remotes.conf")
	if err := writeRemotesConfig(configPath, req.Collections); err != nil {
		return nil, err
	}

	logPath := filepath.Join(assetsDir, "build.log")
	if err := p.invokeTool(ctx, worktreeDir, configPath, logPath); err != nil {
		return nil, err
	}

	gzLogPath, err := gzipLog(logPath)
	if err != nil {
		return nil, err
	}

	recipeDir := worktreeDir
	if req.RelativePath != "" {
		recipeDir = filepath.Join(worktreeDir, req.RelativePath)
	}

	return p.collectAssets(assetsDir, recipeDir, gzLogPath, req)
}

func (p *Pipeline) invokeTool(ctx context.Context, worktreeDir, configPath, logPath string) error {
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("builder: create build log: %w", err)
	}
	defer logFile.Close()

	if err := p.Tool.Build(ctx, worktreeDir, configPath, logFile); err != nil {
		return fmt.Errorf("builder: recipe build: %w", err)
	}
	return nil
}

func (p *Pipeline) log() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

// mirror clones uri into cloneDir, or updates it if it already exists.
func mirror(ctx context.Context, uri, cloneDir string) error {
	if _, err := os.Stat(cloneDir); err == nil {
		return git.RemoteUpdate(ctx, cloneDir)
	}
	if err := os.MkdirAll(filepath.Dir(cloneDir), 0o755); err != nil {
		return fmt.Errorf("builder: prepare clone parent: %w", err)
	}
	return git.Mirror(ctx, uri, cloneDir)
}

// writeRemotesConfig writes the caller-supplied remotes as the upstream
// binary-package sources for the recipe build tool (spec §4.7 step 3).
func writeRemotesConfig(path string, remotes []Remote) error {
	var b strings.Builder
	for _, r := range remotes {
		fmt.Fprintf(&b, "[[remote]]\nname = %q\nindex_uri = %q\npriority = %d\n\n", r.Name, r.IndexURI, r.Priority)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("builder: write remotes config: %w", err)
	}
	return nil
}

// gzipLog compresses logPath at the highest compression level and removes
// the uncompressed original (spec §4.7 step 5).
func gzipLog(logPath string) (string, error) {
	in, err := os.Open(logPath)
	if err != nil {
		return "", fmt.Errorf("builder: open build log: %w", err)
	}
	defer in.Close()

	gzPath := logPath + ".gz"
	out, err := os.Create(gzPath)
	if err != nil {
		return "", fmt.Errorf("builder: create gzipped log: %w", err)
	}
	defer out.Close()

	gw, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		return "", fmt.Errorf("builder: gzip writer: %w", err)
	}
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		return "", fmt.Errorf("builder: gzip build log: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("builder: finalize gzipped log: %w", err)
	}

	_ = os.Remove(logPath)
	return gzPath, nil
}

// collectAssets walks recipeDir for build output, classifies each file,
// and copies (or leaves in place, for files already under assetsDir) the
// gzipped log plus every discovered asset into assetsDir, computing sha256
// and a public URI rooted at HostAddress for each (spec §4.7 step 5).
func (p *Pipeline) collectAssets(assetsDir, recipeDir, gzLogPath string, req Request) ([]Collectable, error) {
	var collectables []Collectable

	logSum, err := sha256File(gzLogPath)
	if err != nil {
		return nil, err
	}
	collectables = append(collectables, Collectable{
		Kind:   "log",
		URI:    p.publicURI(req.BuildID, filepath.Base(gzLogPath)),
		SHA256: logSum,
	})

	entries, err := os.ReadDir(recipeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return collectables, nil
		}
		return nil, fmt.Errorf("builder: scan asset directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		kind := classify(name)
		if kind == "" {
			continue
		}

		src := filepath.Join(recipeDir, name)
		dst := filepath.Join(assetsDir, name)
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
		sum, err := sha256File(dst)
		if err != nil {
			return nil, err
		}
		collectables = append(collectables, Collectable{
			Kind:   kind,
			URI:    p.publicURI(req.BuildID, name),
			SHA256: sum,
		})
	}

	return collectables, nil
}

// classify maps a file suffix to its Collectable kind (spec §4.7 step 5).
func classify(name string) string {
	switch {
	case strings.HasSuffix(name, ".bin"):
		return "binary-manifest"
	case strings.HasSuffix(name, ".jsonc"):
		return "json-manifest"
	case strings.HasSuffix(name, ".log.gz"):
		return "log"
	case strings.HasSuffix(name, ".stone"):
		return "package"
	default:
		return "unknown"
	}
}

func (p *Pipeline) publicURI(buildID, fileName string) string {
	base := strings.TrimSuffix(p.HostAddress, "/")
	return base + "/assets/" + buildID + "/" + fileName
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("builder: open %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("builder: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("builder: open asset %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("builder: create asset %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("builder: copy asset %s: %w", src, err)
	}
	return out.Close()
}

// ExecTool invokes an external binary as the recipe build tool; the real
// production seam for RecipeTool.
type ExecTool struct {
	Path string // e.g. "boulder"
	Args []string
}

func (t ExecTool) Build(ctx context.Context, worktreeDir, configPath string, logWriter io.Writer) error {
	args := append([]string{}, t.Args...)
	args = append(args, "--config", configPath)
	cmd := exec.CommandContext(ctx, t.Path, args...)
	cmd.Dir = worktreeDir
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter
	return cmd.Run()
}
