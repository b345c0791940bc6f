// Package vault maps the task folder taxonomy onto a directory tree and
// provides the file operations every other component builds on.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Folder is a workflow-state directory directly under the vault root.
type Folder string

const (
	FolderInbox           Folder = "Inbox"
	FolderNeedsAction     Folder = "Needs_Action"
	FolderInProgress      Folder = "In_Progress"
	FolderPendingApproval Folder = "Pending_Approval"
	FolderApproved        Folder = "Approved"
	FolderRejected        Folder = "Rejected"
	FolderDone            Folder = "Done"
	FolderErrors          Folder = "Errors"
	FolderLogs            Folder = "Logs"
)

// Folders lists every folder created by EnsureLayout.
var Folders = []Folder{
	FolderInbox,
	FolderNeedsAction,
	FolderInProgress,
	FolderPendingApproval,
	FolderApproved,
	FolderRejected,
	FolderDone,
	FolderErrors,
	FolderLogs,
}

// LocateOrder is the folder order Locate searches.
var LocateOrder = []Folder{
	FolderNeedsAction,
	FolderPendingApproval,
	FolderApproved,
	FolderDone,
	FolderErrors,
}

// StateDir holds daemon-private files (locks, socket, heartbeats) under the root.
const StateDir = ".taskvault"

var ErrSourceMissing = errors.New("source file not found")

type Vault struct {
	root string
	now  func() time.Time
}

func New(root string) *Vault {
	return &Vault{root: root, now: time.Now}
}

func (v *Vault) Root() string { return v.root }

func (v *Vault) Dir(f Folder) string {
	return filepath.Join(v.root, string(f))
}

// AgentDir is the claim folder of one agent.
func (v *Vault) AgentDir(agentID string) string {
	return filepath.Join(v.root, string(FolderInProgress), agentID)
}

func (v *Vault) StatePath(name string) string {
	return filepath.Join(v.root, StateDir, name)
}

// EnsureLayout creates the folder taxonomy and the private state directory.
func (v *Vault) EnsureLayout() error {
	for _, f := range Folders {
		if err := os.MkdirAll(v.Dir(f), 0755); err != nil {
			return fmt.Errorf("create %s: %w", f, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(v.root, StateDir), 0755); err != nil {
		return fmt.Errorf("create %s: %w", StateDir, err)
	}
	return nil
}

// List returns the *.md files directly inside dir, oldest mtime first,
// skipping names that start with any of ignorePrefixes. A missing dir is empty.
func List(dir string, ignorePrefixes ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	type item struct {
		path  string
		mtime time.Time
	}
	var items []item
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") || hasAnyPrefix(name, ignorePrefixes) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{path: filepath.Join(dir, name), mtime: info.ModTime()})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].mtime.Equal(items[j].mtime) {
			return items[i].path < items[j].path
		}
		return items[i].mtime.Before(items[j].mtime)
	})

	paths := make([]string, len(items))
	for i, it := range items {
		paths[i] = it.path
	}
	return paths, nil
}

// List returns the task files in folder f.
func (v *Vault) List(f Folder, ignorePrefixes ...string) ([]string, error) {
	return List(v.Dir(f), ignorePrefixes...)
}

// Move relocates src into folder dest. If the name is taken there, an
// _HHMMSS suffix is appended to the stem.
func (v *Vault) Move(src string, dest Folder) (string, error) {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrSourceMissing, src)
		}
		return "", fmt.Errorf("stat %s: %w", src, err)
	}

	dir := v.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}

	target := filepath.Join(dir, filepath.Base(src))
	if _, err := os.Stat(target); err == nil {
		target = v.collisionFreeName(dir, filepath.Base(src))
	}

	if err := os.Rename(src, target); err != nil {
		return "", fmt.Errorf("move %s to %s: %w", filepath.Base(src), dest, err)
	}
	return target, nil
}

func (v *Vault) collisionFreeName(dir, name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	ts := v.now().Format("150405")

	candidate := filepath.Join(dir, fmt.Sprintf("%s_%s%s", stem, ts, ext))
	for n := 2; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%s_%d%s", stem, ts, n, ext))
	}
}

// Locate reports the first folder in LocateOrder holding a task file whose
// stem contains taskID.
func (v *Vault) Locate(taskID string) (Folder, bool) {
	for _, f := range LocateOrder {
		paths, err := v.List(f)
		if err != nil {
			continue
		}
		for _, p := range paths {
			if strings.Contains(Stem(p), taskID) {
				return f, true
			}
		}
	}
	return "", false
}

// CountByFolder returns the number of task files in every folder except
// In_Progress, which is counted per agent by the claim manager.
func (v *Vault) CountByFolder() map[Folder]int {
	counts := make(map[Folder]int, len(Folders))
	for _, f := range Folders {
		if f == FolderInProgress || f == FolderLogs {
			continue
		}
		paths, _ := v.List(f)
		counts[f] = len(paths)
	}
	return counts
}

// CountByPrefix groups the task files in f by the text before their first
// underscore. Names without one count as OTHER.
func (v *Vault) CountByPrefix(f Folder) map[string]int {
	paths, _ := v.List(f)
	counts := make(map[string]int)
	for _, p := range paths {
		stem := Stem(p)
		prefix, _, ok := strings.Cut(stem, "_")
		if !ok {
			prefix = "OTHER"
		}
		counts[prefix]++
	}
	return counts
}

// Stem is the filename without directory or extension; it doubles as the task id.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
