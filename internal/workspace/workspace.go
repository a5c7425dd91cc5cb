// Package workspace manages the tool-owned clone the agent works in: one
// branch per issue, forced resynchronization with the remote base, guarded
// commits and cleanup on every exit path.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/lucasnoah/fixall/internal/secrets"
)

var (
	// ErrDirtyWorkspace is returned when the clone has uncommitted changes
	// before a run starts.
	ErrDirtyWorkspace = errors.New("workspace has uncommitted changes")
	// ErrSecretExposure is returned when a commit would include credentials.
	ErrSecretExposure = errors.New("refusing to commit credentials")
	// ErrLocked is returned when another process holds the run lock.
	ErrLocked = errors.New("workspace is locked by another run")
	// ErrNotRepository is returned when the clone directory exists but is
	// not a git repository.
	ErrNotRepository = errors.New("clone directory is not a git repository")
)

const lockFile = "fixall.lock"

// Options configures a Manager.
type Options struct {
	Dir          string // tool clone
	ProjectDir   string // developer checkout used as the clone source when present
	Repo         string // owner/name, cloned over HTTPS when ProjectDir is absent
	Remote       string
	BaseBranch   string
	BranchPrefix string
	SkipMarker   string
}

// Manager owns the tool clone.
type Manager struct {
	git     GitRunner
	opts    Options
	scanner secrets.Scanner
	log     *zap.Logger
}

// NewManager creates a workspace manager. scanner may be nil to rely on
// file-name patterns alone.
func NewManager(git GitRunner, opts Options, scanner secrets.Scanner, log *zap.Logger) *Manager {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "fixall/issue-"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{git: git, opts: opts, scanner: scanner, log: log}
}

// Dir returns the clone directory.
func (m *Manager) Dir() string {
	return m.opts.Dir
}

// BaseBranch returns the base branch name.
func (m *Manager) BaseBranch() string {
	return m.opts.BaseBranch
}

// Branch returns the issue branch name.
func (m *Manager) Branch(issue int) string {
	return sanitizeBranch(m.opts.BranchPrefix + strconv.Itoa(issue))
}

func (m *Manager) baseRef() string {
	return m.opts.Remote + "/" + m.opts.BaseBranch
}

// EnsureClone creates the tool clone on first use. An existing checkout of
// the project is cloned with --shared; otherwise the repository is cloned
// from GitHub.
func (m *Manager) EnsureClone(ctx context.Context) error {
	if info, err := os.Stat(m.opts.Dir); err == nil {
		if !info.IsDir() || !isRepo(m.opts.Dir) {
			return fmt.Errorf("%w: %s", ErrNotRepository, m.opts.Dir)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(m.opts.Dir), 0o755); err != nil {
		return fmt.Errorf("create clone parent: %w", err)
	}
	var args []string
	if m.opts.ProjectDir != "" && isRepo(m.opts.ProjectDir) {
		src, err := filepath.Abs(m.opts.ProjectDir)
		if err != nil {
			return err
		}
		args = []string{"clone", "--shared", src, m.opts.Dir}
	} else {
		args = []string{"clone", "https://github.com/" + m.opts.Repo + ".git", m.opts.Dir}
	}
	m.log.Info("creating tool clone", zap.String("dir", m.opts.Dir), zap.String("source", args[len(args)-2]))
	if _, err := m.git.Run(ctx, "", args...); err != nil {
		return fmt.Errorf("create tool clone: %w", err)
	}
	return nil
}

func isRepo(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// Lock is the exclusive run lock on a clone.
type Lock struct {
	f *os.File
}

// Lock takes the exclusive run lock without blocking. It fails with
// ErrLocked when another process holds it.
func (m *Manager) Lock() (*Lock, error) {
	path := filepath.Join(m.opts.Dir, ".git", lockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flock(f); err != nil {
		f.Close()
		return nil, err
	}
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{f: f}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := funlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// Dirty returns the paths with uncommitted changes.
func (m *Manager) Dirty(ctx context.Context) ([]string, error) {
	out, err := m.git.Run(ctx, m.opts.Dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	return parsePorcelain(out), nil
}

// Prepare resynchronizes the base branch with the remote and creates a
// fresh issue branch from it. Any existing branch of the same name, local
// or remote, is deleted first. Closing an open change proposal for the
// branch is the caller's job and must happen before Prepare.
func (m *Manager) Prepare(ctx context.Context, issue int) (string, error) {
	if issue <= 0 {
		return "", fmt.Errorf("invalid issue number %d: must be positive", issue)
	}
	dirty, err := m.Dirty(ctx)
	if err != nil {
		return "", err
	}
	if len(dirty) > 0 {
		return "", fmt.Errorf("%w: %s", ErrDirtyWorkspace, summarizePaths(dirty, 5))
	}

	branch := m.Branch(issue)
	dir := m.opts.Dir
	steps := [][]string{
		{"fetch", m.opts.Remote},
		{"checkout", m.opts.BaseBranch},
		{"reset", "--hard", m.baseRef()},
	}
	for _, args := range steps {
		if _, err := m.git.Run(ctx, dir, args...); err != nil {
			return "", fmt.Errorf("prepare base branch: %w", err)
		}
	}

	if _, err := m.git.Run(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		if _, err := m.git.Run(ctx, dir, "branch", "-D", branch); err != nil {
			return "", fmt.Errorf("delete stale branch: %w", err)
		}
	}
	if _, err := m.git.Run(ctx, dir, "push", m.opts.Remote, "--delete", branch); err != nil {
		m.log.Debug("remote branch not deleted", zap.String("branch", branch), zap.Error(err))
	}

	if _, err := m.git.Run(ctx, dir, "checkout", "-b", branch); err != nil {
		return "", fmt.Errorf("create branch: %w", err)
	}
	m.log.Info("prepared branch", zap.String("branch", branch), zap.String("base", m.baseRef()))
	return branch, nil
}

// Commit stages every change except credential files and the skip marker
// and commits it. It returns false when there was nothing to commit.
// Credential paths or a secret in the staged diff abort with
// ErrSecretExposure and leave nothing staged.
func (m *Manager) Commit(ctx context.Context, message string) (bool, error) {
	dir := m.opts.Dir
	changed, err := m.Dirty(ctx)
	if err != nil {
		return false, err
	}
	changed = m.withoutMarker(changed)
	if len(changed) == 0 {
		return false, nil
	}
	if creds := secrets.CredentialPaths(changed); len(creds) > 0 {
		return false, fmt.Errorf("%w: %s", ErrSecretExposure, strings.Join(creds, ", "))
	}

	args := append([]string{"add", "-A", "--", "."}, secrets.ExcludePathspecs()...)
	if m.opts.SkipMarker != "" {
		args = append(args, ":(exclude)"+m.opts.SkipMarker)
	}
	if _, err := m.git.Run(ctx, dir, args...); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}

	staged, err := m.git.Run(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil {
		return false, fmt.Errorf("list staged files: %w", err)
	}
	if len(splitLines(staged)) == 0 {
		return false, nil
	}

	if m.scanner != nil {
		diff, err := m.git.Run(ctx, dir, "diff", "--cached")
		if err != nil {
			return false, fmt.Errorf("read staged diff: %w", err)
		}
		if findings := m.scanner.ScanDiff(diff); len(findings) > 0 {
			if _, err := m.git.Run(ctx, dir, "reset", "-q"); err != nil {
				m.log.Error("unstage after secret finding failed", zap.Error(err))
			}
			return false, fmt.Errorf("%w: %s", ErrSecretExposure, describeFindings(findings))
		}
	}

	if _, err := m.git.Run(ctx, dir, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// CheckCommits inspects the commits on the branch, including those the
// agent made itself, for credential files and secrets.
func (m *Manager) CheckCommits(ctx context.Context) error {
	files, err := m.FilesChanged(ctx)
	if err != nil {
		return err
	}
	if creds := secrets.CredentialPaths(files); len(creds) > 0 {
		return fmt.Errorf("%w: committed %s", ErrSecretExposure, strings.Join(creds, ", "))
	}
	if m.scanner == nil {
		return nil
	}
	diff, err := m.Diff(ctx)
	if err != nil {
		return err
	}
	if findings := m.scanner.ScanDiff(diff); len(findings) > 0 {
		return fmt.Errorf("%w: committed %s", ErrSecretExposure, describeFindings(findings))
	}
	return nil
}

// CommitsAhead counts the commits on HEAD that are not on the remote base.
func (m *Manager) CommitsAhead(ctx context.Context) (int, error) {
	out, err := m.git.Run(ctx, m.opts.Dir, "rev-list", "--count", m.baseRef()+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse commit count %q: %w", out, err)
	}
	return n, nil
}

// Diff returns the branch diff against the remote base.
func (m *Manager) Diff(ctx context.Context) (string, error) {
	out, err := m.git.Run(ctx, m.opts.Dir, "diff", m.baseRef()+"...HEAD")
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	return out, nil
}

// FilesChanged lists the files the branch changes against the remote base.
func (m *Manager) FilesChanged(ctx context.Context) ([]string, error) {
	out, err := m.git.Run(ctx, m.opts.Dir, "diff", "--name-only", m.baseRef()+"...HEAD")
	if err != nil {
		return nil, fmt.Errorf("list changed files: %w", err)
	}
	return splitLines(out), nil
}

// HeadCommit describes the HEAD commit.
type HeadCommit struct {
	Hash    string
	Message string
}

// Head reads the HEAD commit directly from the repository.
func (m *Manager) Head() (*HeadCommit, error) {
	repo, err := git.PlainOpen(m.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	c, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read HEAD commit: %w", err)
	}
	return &HeadCommit{Hash: c.Hash.String(), Message: c.Message}, nil
}

// SkipReason returns the contents of the skip marker when the agent left one.
func (m *Manager) SkipReason() (string, bool) {
	if m.opts.SkipMarker == "" {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(m.opts.Dir, m.opts.SkipMarker))
	if err != nil {
		return "", false
	}
	reason := strings.TrimSpace(string(data))
	if reason == "" {
		reason = "agent declined to fix the issue"
	}
	return reason, true
}

// Push force-pushes branch and sets its upstream.
func (m *Manager) Push(ctx context.Context, branch string) error {
	if _, err := m.git.Run(ctx, m.opts.Dir, "push", "--force", "-u", m.opts.Remote, branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// Finalize discards uncommitted changes, returns to the base branch and
// deletes the local issue branch. It is best-effort: failures are logged.
func (m *Manager) Finalize(ctx context.Context, branch string) {
	// Cleanup must run even when the run's context is cancelled.
	ctx = context.WithoutCancel(ctx)
	steps := [][]string{
		{"checkout", "--", "."},
		{"clean", "-fd"},
		{"checkout", m.opts.BaseBranch},
	}
	if branch != "" && branch != m.opts.BaseBranch {
		steps = append(steps, []string{"branch", "-D", branch})
	}
	for _, args := range steps {
		if _, err := m.git.Run(ctx, m.opts.Dir, args...); err != nil {
			m.log.Warn("workspace cleanup step failed", zap.Strings("args", args), zap.Error(err))
		}
	}
}

func (m *Manager) withoutMarker(paths []string) []string {
	if m.opts.SkipMarker == "" {
		return paths
	}
	out := paths[:0:0]
	for _, p := range paths {
		if p != m.opts.SkipMarker {
			out = append(out, p)
		}
	}
	return out
}

func describeFindings(findings []secrets.Finding) string {
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, f.String())
	}
	return summarizePaths(parts, 5)
}

func summarizePaths(paths []string, max int) string {
	if len(paths) <= max {
		return strings.Join(paths, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(paths[:max], ", "), len(paths)-max)
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

// sanitizeBranch cleans up a branch name.
func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
