// Package workspace captures point-in-time snapshots of the target repository.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/foreman/internal/run"
)

// maxDiffEntries bounds the diff summary handed to fix prompts.
const maxDiffEntries = 200

var skipDirs = map[string]bool{
	".git":         true,
	".foreman":     true,
	"node_modules": true,
	"vendor":       true,
}

var docExts = map[string]bool{
	".md":       true,
	".markdown": true,
	".rst":      true,
	".txt":      true,
	".adoc":     true,
}

// Inspector snapshots repository state for the engine.
type Inspector interface {
	Snapshot(ctx context.Context, dir string) (run.RepoFacts, run.DocsInventory, error)
	DiffSummary(ctx context.Context, dir string) (string, error)
}

// Git inspects a directory with go-git and doublestar.
type Git struct {
	RequiredDocs []string
	DocsGlobs    []string
}

// New creates a Git inspector.
func New(requiredDocs, docsGlobs []string) *Git {
	return &Git{RequiredDocs: requiredDocs, DocsGlobs: docsGlobs}
}

// Snapshot captures repo facts and the docs inventory concurrently.
func (g *Git) Snapshot(ctx context.Context, dir string) (run.RepoFacts, run.DocsInventory, error) {
	var (
		facts run.RepoFacts
		inv   run.DocsInventory
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		facts, err = Facts(ctx, dir)
		return err
	})
	eg.Go(func() error {
		var err error
		inv, err = Inventory(dir, g.RequiredDocs, g.DocsGlobs)
		return err
	})
	if err := eg.Wait(); err != nil {
		return run.RepoFacts{}, run.DocsInventory{}, err
	}
	return facts, inv, nil
}

// DiffSummary implements Inspector.
func (g *Git) DiffSummary(ctx context.Context, dir string) (string, error) {
	return DiffSummary(ctx, dir)
}

// Facts reports git state and file composition of dir.
func Facts(ctx context.Context, dir string) (run.RepoFacts, error) {
	facts := run.RepoFacts{CapturedAt: time.Now()}

	docs := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		facts.FileCount++
		rel, _ := filepath.Rel(dir, p)
		if isDoc(filepath.ToSlash(rel)) {
			docs++
		}
		return nil
	})
	if err != nil {
		return facts, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	facts.Empty = facts.FileCount == 0
	facts.DocsOnly = facts.FileCount > 0 && docs == facts.FileCount

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return facts, nil
	}
	if err != nil {
		return facts, fmt.Errorf("failed to open repository: %w", err)
	}
	facts.IsGitRepo = true

	head, err := repo.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// unborn branch
	case err != nil:
		return facts, fmt.Errorf("failed to resolve HEAD: %w", err)
	default:
		facts.Head = head.Hash().String()
		if head.Name().IsBranch() {
			facts.Branch = head.Name().Short()
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return facts, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return facts, fmt.Errorf("failed to read status: %w", err)
	}
	facts.Dirty = !status.IsClean()
	return facts, nil
}

func isDoc(rel string) bool {
	if strings.HasPrefix(rel, "docs/") {
		return true
	}
	return docExts[strings.ToLower(path.Ext(rel))]
}

// Inventory lists documentation files matching globs and reports which
// required docs are missing or empty.
func Inventory(dir string, required, globs []string) (run.DocsInventory, error) {
	inv := run.DocsInventory{Required: append([]string(nil), required...), CapturedAt: time.Now()}

	fsys := os.DirFS(dir)
	seen := make(map[string]bool)
	for _, pattern := range globs {
		err := doublestar.GlobWalk(fsys, pattern, func(p string, d fs.DirEntry) error {
			if d.IsDir() || seen[p] {
				return nil
			}
			for _, part := range strings.Split(p, "/") {
				if skipDirs[part] {
					return nil
				}
			}
			seen[p] = true
			inv.Files = append(inv.Files, p)
			return nil
		})
		if err != nil {
			return inv, fmt.Errorf("glob %q: %w", pattern, err)
		}
	}
	sort.Strings(inv.Files)

	for _, req := range required {
		if !NonEmptyFile(filepath.Join(dir, req)) {
			inv.Missing = append(inv.Missing, req)
		}
	}
	return inv, nil
}

// NonEmptyFile reports whether p is a regular file with content.
func NonEmptyFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// DiffSummary lists changed paths in the worktree, one per line, in
// porcelain-like "XY path" form.
func DiffSummary(ctx context.Context, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "(not a git repository; no diff available)", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("failed to read status: %w", err)
	}
	if status.IsClean() {
		return "(no changes)", nil
	}

	paths := make([]string, 0, len(status))
	for p, fst := range status {
		if fst.Staging == git.Unmodified && fst.Worktree == git.Unmodified {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for i, p := range paths {
		if i == maxDiffEntries {
			fmt.Fprintf(&b, "... and %d more\n", len(paths)-maxDiffEntries)
			break
		}
		fst := status[p]
		fmt.Fprintf(&b, "%c%c %s\n", fst.Staging, fst.Worktree, p)
	}
	return b.String(), nil
}
