package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/truenas/middlewared/errors"
)

// Checkpoints at which etc entries are rendered. An entry without a
// checkpoint belongs to CheckpointInitial.
const (
	CheckpointInitial          = "initial"
	CheckpointInterfaceSync    = "interface_sync"
	CheckpointPostInit         = "post_init"
	CheckpointPoolImport       = "pool_import"
	CheckpointPreInterfaceSync = "pre_interface_sync"
)

// Checkpoints lists every known checkpoint
var Checkpoints = []string{
	CheckpointInitial, CheckpointInterfaceSync, CheckpointPostInit,
	CheckpointPoolImport, CheckpointPreInterfaceSync,
}

const defaultEtcMode fs.FileMode = 0o644

// Result is what a renderer decided for its file: Write, Skip or Fail
type Result interface {
	result()
}

// Write replaces the file with Data. A zero Mode means 0644.
type Write struct {
	Data []byte
	Mode fs.FileMode
}

// Skip means the file should not exist; a stale copy is removed
type Skip struct{}

// Fail reports a render failure; other entries of the group still render
type Fail struct {
	Reason string
}

func (Write) result() {}
func (Skip) result()  {}
func (Fail) result()  {}

// RenderContext holds the results of a group's context calls keyed by
// method (prefixed when the call sets Prefix)
type RenderContext map[string]any

// Renderer produces the content of one generated file
type Renderer interface {
	Render(ctx context.Context, rc RenderContext) Result
}

// RendererFunc adapts a function to Renderer
type RendererFunc func(ctx context.Context, rc RenderContext) Result

// Render implements Renderer
func (f RendererFunc) Render(ctx context.Context, rc RenderContext) Result { return f(ctx, rc) }

// Entry is one generated file; Path is relative to the etc root
type Entry struct {
	Path       string
	Renderer   Renderer
	Checkpoint string
}

// ContextCall is a method called once per group render; its result is
// handed to every renderer of the group
type ContextCall struct {
	Method string
	Args   []any
	Prefix string
}

// Group is a set of files rendered together. Services lists the services
// whose changes trigger a render.
type Group struct {
	Name     string
	Entries  []Entry
	Context  []ContextCall
	Services []string
}

// Change statuses
const (
	StatusChanged = "CHANGED"
	StatusRemoved = "REMOVED"
	StatusFailed  = "FAILED"
)

// Change reports what a render did to one file
type Change struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Etc renders configuration groups into files under a root directory
type Etc struct {
	root   string
	caller Caller
	logger *slog.Logger
	flight singleflight.Group

	mu     sync.RWMutex
	groups map[string]*Group
	locks  map[string]*sync.Mutex
}

// NewEtc creates a renderer writing below root. caller runs context calls.
func NewEtc(root string, caller Caller, logger *slog.Logger) *Etc {
	if logger == nil {
		logger = slog.Default()
	}
	return &Etc{
		root:   root,
		caller: caller,
		logger: logger.With("component", "etc"),
		groups: make(map[string]*Group),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Register adds g. A second group with the same name is EEXIST.
func (e *Etc) Register(g Group) error {
	if g.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Etc", "Register", "group name validation")
	}
	for _, entry := range g.Entries {
		if entry.Renderer == nil || entry.Path == "" || filepath.IsAbs(entry.Path) || !filepath.IsLocal(entry.Path) {
			return errors.WrapInvalid(fmt.Errorf("group %s: bad entry %q", g.Name, entry.Path), "Etc", "Register", "entry validation")
		}
		if entry.Checkpoint != "" && !slices.Contains(Checkpoints, entry.Checkpoint) {
			return errors.WrapInvalid(fmt.Errorf("group %s: unknown checkpoint %q", g.Name, entry.Checkpoint), "Etc", "Register", "entry validation")
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.groups[g.Name]; ok {
		return errors.Exists("Etc group %q already exists", g.Name)
	}
	e.groups[g.Name] = &g
	e.locks[g.Name] = &sync.Mutex{}
	return nil
}

// Groups returns the registered group names, sorted
func (e *Etc) Groups() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.groups))
	for name := range e.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForService returns the groups triggered by service, sorted
func (e *Etc) ForService(service string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var names []string
	for name, g := range e.groups {
		if slices.Contains(g.Services, service) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Generate renders group name; with a checkpoint only that checkpoint's
// entries. Renders of one group are serialized and identical concurrent
// requests share one render.
func (e *Etc) Generate(ctx context.Context, name, checkpoint string) ([]Change, error) {
	e.mu.RLock()
	g, ok := e.groups[name]
	lock := e.locks[name]
	e.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("Etc group %q not found", name)
	}
	if checkpoint != "" && !slices.Contains(Checkpoints, checkpoint) {
		return nil, errors.Invalid("%q is not a known checkpoint", checkpoint)
	}

	v, err, _ := e.flight.Do(name+"\x00"+checkpoint, func() (any, error) {
		lock.Lock()
		defer lock.Unlock()
		return e.render(ctx, g, checkpoint)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Change), nil
}

// GenerateCheckpoint renders the entries of checkpoint in every group. A
// failing group is logged and does not stop the others.
func (e *Etc) GenerateCheckpoint(ctx context.Context, checkpoint string) error {
	if !slices.Contains(Checkpoints, checkpoint) {
		return errors.Invalid("%q is not a known checkpoint", checkpoint)
	}
	for _, name := range e.Groups() {
		if _, err := e.Generate(ctx, name, checkpoint); err != nil {
			e.logger.Error("Failed to generate etc group", "group", name, "checkpoint", checkpoint, "error", err)
		}
	}
	return nil
}

func (e *Etc) render(ctx context.Context, g *Group, checkpoint string) ([]Change, error) {
	var rc RenderContext
	if len(g.Context) > 0 {
		rc = make(RenderContext, len(g.Context))
		for _, call := range g.Context {
			res, err := e.caller.CallInternal(ctx, call.Method, call.Args...)
			if err != nil {
				return nil, errors.Wrap(err, "Etc", "render", fmt.Sprintf("gather %s context from %s", g.Name, call.Method))
			}
			key := call.Method
			if call.Prefix != "" {
				key = call.Prefix + "." + call.Method
			}
			rc[key] = res
		}
	}

	changes := []Change{}
	for _, entry := range g.Entries {
		entryCheckpoint := entry.Checkpoint
		if entryCheckpoint == "" {
			entryCheckpoint = CheckpointInitial
		}
		if checkpoint != "" && entryCheckpoint != checkpoint {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		target := filepath.Join(e.root, entry.Path)
		switch r := entry.Renderer.Render(ctx, rc).(type) {
		case Write:
			mode := r.Mode
			if mode == 0 {
				mode = defaultEtcMode
			}
			changed, err := writeIfChanged(target, r.Data, mode)
			if err != nil {
				e.logger.Warn("Failed to write configuration file", "path", target, "error", err)
				changes = append(changes, Change{Path: target, Status: StatusFailed, Reason: err.Error()})
				continue
			}
			if changed {
				changes = append(changes, Change{Path: target, Status: StatusChanged})
			}
		case Skip:
			err := os.Remove(target)
			switch {
			case err == nil:
				e.logger.Debug("Configuration file removed", "path", target)
				changes = append(changes, Change{Path: target, Status: StatusRemoved})
			case !os.IsNotExist(err):
				changes = append(changes, Change{Path: target, Status: StatusFailed, Reason: err.Error()})
			}
		case Fail:
			e.logger.Error("Failed to render configuration file", "group", g.Name, "path", entry.Path, "reason", r.Reason)
			changes = append(changes, Change{Path: target, Status: StatusFailed, Reason: r.Reason})
		default:
			e.logger.Error("Renderer returned no result", "group", g.Name, "path", entry.Path)
		}
	}
	return changes, nil
}

// writeIfChanged replaces path with data through a synced temp file and a
// rename. It returns false when content and mode already match.
func writeIfChanged(path string, data []byte, mode fs.FileMode) (bool, error) {
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
		info, statErr := os.Stat(path)
		if statErr == nil && info.Mode().Perm() == mode.Perm() {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Chmod(mode.Perm()); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return false, err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return true, nil
}
