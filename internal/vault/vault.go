// Package vault manages the stage-partitioned document store. A task's
// lifecycle state is encoded purely by which stage directory holds its
// document; relocation between stages is the only cross-process mutation
// primitive.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Stage names are the wire contract with the reviewer's interface.
// Renaming any of them is a breaking change.
type Stage string

const (
	StageIntake           Stage = "intake"
	StageInProgress       Stage = "in_progress"
	StageAwaitingApproval Stage = "awaiting_approval"
	StageApproved         Stage = "approved"
	StageRejected         Stage = "rejected"
	StageDone             Stage = "done"
)

// Stages lists all partitions in lifecycle order.
var Stages = []Stage{
	StageIntake,
	StageInProgress,
	StageAwaitingApproval,
	StageApproved,
	StageRejected,
	StageDone,
}

// ErrAlreadyClaimed reports that the destination path already exists:
// another process won the relocation race and owns the document.
var ErrAlreadyClaimed = errors.New("destination already exists")

// Vault is a handle on a vault root directory.
type Vault struct {
	root string
}

// Open validates the root path and returns a handle. It does not create
// anything; use EnsureLayout (or the setup command) for that.
func Open(root string) (*Vault, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root is not a directory: %s", abs)
	}
	return &Vault{root: abs}, nil
}

func (v *Vault) Root() string { return v.root }

// EnsureLayout creates the stage partitions and supporting directories.
func (v *Vault) EnsureLayout() error {
	dirs := []string{"logs", "spool", "locks"}
	for _, s := range Stages {
		dirs = append(dirs, string(s))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(v.root, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return nil
}

func (v *Vault) Dir(s Stage) string {
	return filepath.Join(v.root, string(s))
}

func (v *Vault) Path(s Stage, name string) string {
	return filepath.Join(v.Dir(s), name)
}

// List returns the .md document names in a stage, sorted for fair ordering.
// Correctness must not depend on the order; callers treat it as a multiset.
func (v *Vault) List(s Stage) ([]string, error) {
	entries, err := os.ReadDir(v.Dir(s))
	if err != nil {
		return nil, fmt.Errorf("read stage %s: %w", s, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Move relocates a document between stages. The destination link is the
// mutual-exclusion point: link(2) fails with EEXIST if another mover got
// there first, in which case ErrAlreadyClaimed is returned.
func (v *Vault) Move(name string, from, to Stage) error {
	src := v.Path(from, name)
	dst := v.Path(to, name)

	if err := os.Link(src, dst); err != nil {
		if os.IsExist(err) {
			v.reapDuplicate(src, dst)
			return fmt.Errorf("move %s %s→%s: %w", name, from, to, ErrAlreadyClaimed)
		}
		return fmt.Errorf("move %s %s→%s: %w", name, from, to, err)
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		// The document is now linked into both stages; the next Move
		// attempt reaps the leftover source via the EEXIST path.
		return fmt.Errorf("unlink source %s after move: %w", src, err)
	}
	return nil
}

// reapDuplicate completes an interrupted move. When source and destination
// are the same inode, the earlier link succeeded and only the source
// unlink is missing; a genuinely different destination document is left
// alone.
func (v *Vault) reapDuplicate(src, dst string) {
	si, err := os.Stat(src)
	if err != nil {
		return
	}
	di, err := os.Stat(dst)
	if err != nil {
		return
	}
	if os.SameFile(si, di) {
		_ = os.Remove(src)
	}
}

// WriteDoc lands a document in a stage via temp file + rename so readers
// never observe a partial write.
func (v *Vault) WriteDoc(s Stage, name string, content []byte) error {
	dir := v.Dir(s)
	tmp, err := os.CreateTemp(dir, ".vault-tmp-*.md")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, v.Path(s, name)); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// ReadDoc returns the raw content of a document in a stage.
func (v *Vault) ReadDoc(s Stage, name string) ([]byte, error) {
	data, err := os.ReadFile(v.Path(s, name))
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", s, name, err)
	}
	return data, nil
}

// FindStage scans all partitions for a document name and returns the stages
// containing it. A healthy vault yields exactly one match per document.
func (v *Vault) FindStage(name string) ([]Stage, error) {
	var found []Stage
	for _, s := range Stages {
		if _, err := os.Stat(v.Path(s, name)); err == nil {
			found = append(found, s)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s/%s: %w", s, name, err)
		}
	}
	return found, nil
}

// Counts returns the number of documents per stage.
func (v *Vault) Counts() (map[Stage]int, error) {
	counts := make(map[Stage]int, len(Stages))
	for _, s := range Stages {
		names, err := v.List(s)
		if err != nil {
			return nil, err
		}
		counts[s] = len(names)
	}
	return counts, nil
}
