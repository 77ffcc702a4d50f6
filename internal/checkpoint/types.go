package checkpoint

import (
	"time"
)

// Checkpoint is a named, restorable snapshot of the scoped working tree,
// taken before a dispatch wave whose scopes it has not yet captured.
type Checkpoint struct {
	// ID is the unique identifier for this checkpoint.
	ID string `json:"checkpoint_id"`

	// SessionID is the session this checkpoint belongs to.
	SessionID string `json:"session_id"`

	// Name is an optional operator-supplied label.
	Name string `json:"name,omitempty"`

	// SnapshotRef is the repository HEAD hash at snapshot time, when the
	// working directory is a git repository.
	SnapshotRef string `json:"snapshot_ref,omitempty"`

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time `json:"created_at"`

	// Prefixes are the directory-prefix scope entries covered by the
	// snapshot; restore deletes files created under them afterwards.
	Prefixes []string `json:"prefixes,omitempty"`

	// Entries record the per-path state captured by the snapshot.
	Entries []Entry `json:"entries"`
}

// Entry records one scoped path at snapshot time.
type Entry struct {
	// Path is the repository-relative file path.
	Path string `json:"path"`

	// Existed is false for scoped exact paths that did not exist yet;
	// restore removes them if a worker created them.
	Existed bool `json:"existed"`
}

// CreateRequest carries the parameters for taking a snapshot.
type CreateRequest struct {
	// SessionID is required.
	SessionID string

	// Name is an optional label.
	Name string

	// ScopePaths is the union of the plan's normalized write-scope
	// entries; only these paths are snapshotted and restored.
	ScopePaths []string
}
