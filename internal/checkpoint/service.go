// Package checkpoint snapshots the scoped working tree before task dispatch
// and restores it on rollback. Restore is idempotent and never touches the
// session's artifact history.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planexec/internal/scope"
)

const instrumentationName = "github.com/fyrsmithlabs/planexec/internal/checkpoint"

const manifestFile = "manifest.json"

// ErrNotFound is returned when a checkpoint id does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Service provides checkpoint management operations.
type Service interface {
	// Create takes a snapshot of the scoped working tree.
	Create(ctx context.Context, req *CreateRequest) (*Checkpoint, error)

	// Restore reverts the scoped working tree to the snapshot.
	Restore(ctx context.Context, checkpointID string) error

	// Get retrieves a checkpoint by id.
	Get(ctx context.Context, checkpointID string) (*Checkpoint, error)

	// List retrieves checkpoints, optionally filtered by session.
	List(ctx context.Context, sessionID string) ([]*Checkpoint, error)

	// Close closes the service.
	Close() error
}

// Config configures the checkpoint service.
type Config struct {
	// WorkDir is the repository root snapshots are taken from.
	WorkDir string

	// Dir is the snapshot storage directory, relative to WorkDir unless
	// absolute (default: .planexec/checkpoints).
	Dir string
}

// DefaultConfig returns sensible defaults rooted at workDir.
func DefaultConfig(workDir string) *Config {
	return &Config{
		WorkDir: workDir,
		Dir:     filepath.Join(".planexec", "checkpoints"),
	}
}

type service struct {
	config *Config
	logger *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	createCounter  metric.Int64Counter
	restoreCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates a checkpoint service.
func NewService(cfg *Config, logger *zap.Logger) (Service, error) {
	if cfg == nil || cfg.WorkDir == "" {
		return nil, errors.New("work dir is required")
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(".planexec", "checkpoints")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.createCounter, err = s.meter.Int64Counter(
		"planexec.checkpoint.creates_total",
		metric.WithDescription("Total number of checkpoints created"),
		metric.WithUnit("{create}"),
	)
	if err != nil {
		s.logger.Warn("failed to create create counter", zap.Error(err))
	}

	s.restoreCounter, err = s.meter.Int64Counter(
		"planexec.checkpoint.restores_total",
		metric.WithDescription("Total number of checkpoint restores"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		s.logger.Warn("failed to create restore counter", zap.Error(err))
	}
}

func (s *service) storageRoot() string {
	if filepath.IsAbs(s.config.Dir) {
		return s.config.Dir
	}
	return filepath.Join(s.config.WorkDir, s.config.Dir)
}

func (s *service) checkpointDir(id string) string {
	return filepath.Join(s.storageRoot(), id)
}

// Create takes a snapshot of every file covered by the request's scope
// paths. Failure leaves no partial checkpoint behind.
func (s *service) Create(ctx context.Context, req *CreateRequest) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.create")
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.Int("scope_paths", len(req.ScopePaths)),
	)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, errors.New("session id is required")
	}

	cp := &Checkpoint{
		ID:          uuid.New().String(),
		SessionID:   req.SessionID,
		Name:        req.Name,
		SnapshotRef: s.headRef(),
		CreatedAt:   time.Now().UTC(),
	}

	dir := s.checkpointDir(cp.ID)
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	if err := s.snapshot(cp, dir, req.ScopePaths); err != nil {
		os.RemoveAll(dir)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to snapshot working tree: %w", err)
	}

	if err := s.writeManifest(cp, dir); err != nil {
		os.RemoveAll(dir)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.createCounter != nil {
		s.createCounter.Add(ctx, 1)
	}
	s.logger.Info("created checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.String("session_id", cp.SessionID),
		zap.String("snapshot_ref", cp.SnapshotRef),
		zap.Int("files", len(cp.Entries)),
	)

	span.SetAttributes(attribute.String("checkpoint_id", cp.ID))
	return cp, nil
}

// snapshot copies scoped files into dir and fills the checkpoint manifest.
func (s *service) snapshot(cp *Checkpoint, dir string, scopePaths []string) error {
	storage := s.storageRoot()

	normalized := make([]string, 0, len(scopePaths))
	for _, entry := range scopePaths {
		n, err := scope.NormalizePath(entry)
		if err != nil {
			return fmt.Errorf("scope entry %q: %w", entry, err)
		}
		normalized = append(normalized, n)
	}
	sort.Strings(normalized)

	seen := make(map[string]bool)
	for _, entry := range normalized {
		if scope.IsPrefixEntry(entry) || entry == "" {
			cp.Prefixes = append(cp.Prefixes, entry)
			root := filepath.Join(s.config.WorkDir, filepath.FromSlash(strings.TrimSuffix(entry, "/")))
			err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					if os.IsNotExist(err) {
						return nil
					}
					return err
				}
				if d.IsDir() {
					// Never snapshot our own storage.
					if samePath(path, storage) {
						return filepath.SkipDir
					}
					return nil
				}
				rel, err := filepath.Rel(s.config.WorkDir, path)
				if err != nil {
					return err
				}
				relSlash := filepath.ToSlash(rel)
				if seen[relSlash] {
					return nil
				}
				seen[relSlash] = true
				cp.Entries = append(cp.Entries, Entry{Path: relSlash, Existed: true})
				return copyFile(path, filepath.Join(dir, "files", rel))
			})
			if err != nil {
				return err
			}
			continue
		}

		if seen[entry] {
			continue
		}
		seen[entry] = true
		abs := filepath.Join(s.config.WorkDir, filepath.FromSlash(entry))
		if _, err := os.Stat(abs); err != nil {
			if os.IsNotExist(err) {
				cp.Entries = append(cp.Entries, Entry{Path: entry, Existed: false})
				continue
			}
			return err
		}
		cp.Entries = append(cp.Entries, Entry{Path: entry, Existed: true})
		if err := copyFile(abs, filepath.Join(dir, "files", filepath.FromSlash(entry))); err != nil {
			return err
		}
	}

	sort.Slice(cp.Entries, func(i, j int) bool { return cp.Entries[i].Path < cp.Entries[j].Path })
	return nil
}

// Restore reverts the scoped working tree to the snapshot. Restoring twice
// to the same checkpoint is a no-op after the first.
func (s *service) Restore(ctx context.Context, checkpointID string) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.restore")
	defer span.End()

	span.SetAttributes(attribute.String("checkpoint_id", checkpointID))

	if err := s.checkOpen(); err != nil {
		return err
	}

	cp, err := s.Get(ctx, checkpointID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	dir := s.checkpointDir(cp.ID)
	saved := make(map[string]bool, len(cp.Entries))
	for _, e := range cp.Entries {
		if e.Existed {
			saved[e.Path] = true
		}
	}

	// Remove files created under scoped prefixes after the snapshot.
	storage := s.storageRoot()
	for _, prefix := range cp.Prefixes {
		root := filepath.Join(s.config.WorkDir, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				if samePath(path, storage) {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(s.config.WorkDir, path)
			if err != nil {
				return err
			}
			if !saved[filepath.ToSlash(rel)] {
				return os.Remove(path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to prune created files: %w", err)
		}
	}

	// Remove scoped exact paths that did not exist at snapshot time.
	for _, e := range cp.Entries {
		if e.Existed {
			continue
		}
		abs := filepath.Join(s.config.WorkDir, filepath.FromSlash(e.Path))
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", e.Path, err)
		}
	}

	// Copy saved contents back.
	for _, e := range cp.Entries {
		if !e.Existed {
			continue
		}
		src := filepath.Join(dir, "files", filepath.FromSlash(e.Path))
		dst := filepath.Join(s.config.WorkDir, filepath.FromSlash(e.Path))
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to restore %s: %w", e.Path, err)
		}
	}

	if s.restoreCounter != nil {
		s.restoreCounter.Add(ctx, 1)
	}
	s.logger.Info("restored checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.String("session_id", cp.SessionID),
		zap.Int("files", len(cp.Entries)),
	)
	return nil
}

// Get retrieves a checkpoint manifest by id.
func (s *service) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	_, span := s.tracer.Start(ctx, "checkpoint.get")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.checkpointDir(checkpointID), manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("invalid manifest for %s: %w", checkpointID, err)
	}
	return &cp, nil
}

// List retrieves checkpoints sorted newest first.
func (s *service) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.list")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.storageRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return []*Checkpoint{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint dir: %w", err)
	}

	checkpoints := make([]*Checkpoint, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cp, err := s.Get(ctx, e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint",
				zap.String("checkpoint_id", e.Name()), zap.Error(err))
			continue
		}
		if sessionID != "" && cp.SessionID != sessionID {
			continue
		}
		checkpoints = append(checkpoints, cp)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.After(checkpoints[j].CreatedAt)
	})
	return checkpoints, nil
}

// Close closes the service.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("service is closed")
	}
	return nil
}

func (s *service) writeManifest(cp *Checkpoint, dir string) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// headRef resolves the repository HEAD hash, or "" when the work dir is not
// a git repository.
func (s *service) headRef() string {
	repo, err := git.PlainOpenWithOptions(s.config.WorkDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func samePath(a, b string) bool {
	ra, err1 := filepath.Abs(a)
	rb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return a == b
	}
	return ra == rb
}
