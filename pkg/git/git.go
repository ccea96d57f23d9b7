// Package git shells out to the git binary for the mirror/worktree/HEAD
// operations the Hub and Builder need (spec §4.5, §4.7). The subprocess
// boundary mirrors the teacher's pkg/capabilities stdio-process pattern.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Mirror clones uri into dir as a bare mirror (`git clone --mirror`).
func Mirror(ctx context.Context, uri, dir string) error {
	if err := run(ctx, "", "clone", "--mirror", "--", uri, dir); err != nil {
		return fmt.Errorf("git: mirror %s: %w", uri, err)
	}
	return nil
}

// RemoteUpdate fetches into an existing mirror at dir.
func RemoteUpdate(ctx context.Context, dir string) error {
	if err := run(ctx, dir, "remote", "update"); err != nil {
		return fmt.Errorf("git: remote update %s: %w", dir, err)
	}
	return nil
}

// AddWorktree checks out commitRef from sourceDir into worktreeDir.
func AddWorktree(ctx context.Context, sourceDir, worktreeDir, commitRef string) error {
	if err := run(ctx, sourceDir, "worktree", "add", worktreeDir, commitRef); err != nil {
		return fmt.Errorf("git: add worktree %s@%s: %w", worktreeDir, commitRef, err)
	}
	return nil
}

// RemoveWorktree removes a worktree previously added with AddWorktree.
func RemoveWorktree(ctx context.Context, sourceDir, worktreeDir string) error {
	if err := run(ctx, sourceDir, "worktree", "remove", worktreeDir); err != nil {
		return fmt.Errorf("git: remove worktree %s: %w", worktreeDir, err)
	}
	return nil
}

// RevParse resolves arg (e.g. "HEAD") to a commit hash within sourceDir.
func RevParse(ctx context.Context, sourceDir, arg string) (string, error) {
	out, err := output(ctx, sourceDir, "rev-parse", arg)
	if err != nil {
		return "", fmt.Errorf("git: rev-parse %s: %w", arg, err)
	}
	return strings.TrimSpace(out), nil
}

func run(ctx context.Context, dir string, args ...string) error {
	_, err := output(ctx, dir, args...)
	return err
}

func output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
