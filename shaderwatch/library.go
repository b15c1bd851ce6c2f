// Package shaderwatch keeps a library of SPIR-V shaders loaded from disk and reloads them when
// their files change
package shaderwatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/objcache"
)

// Extension is the file extension of shader files in a library directory
const Extension = ".spv"

// ChangeFunc is called after a shader's file changed and the new bytecode was loaded. Pipelines
// built from old should be purged.
type ChangeFunc func(name string, old, new *objcache.Shader)

type Options struct {
	OnChange ChangeFunc
}

type entry struct {
	stage      driver.ShaderStageFlags
	entryPoint string
	iface      objcache.ShaderInterface
	shader     *objcache.Shader
}

// Library is safe for concurrent use
type Library struct {
	logger   *slog.Logger
	dir      string
	onChange ChangeFunc

	mutex   sync.RWMutex
	shaders map[string]*entry

	watching sync.WaitGroup
}

func New(logger *slog.Logger, dir string, options Options) *Library {
	return &Library{
		logger:   logger,
		dir:      dir,
		onChange: options.OnChange,
		shaders:  make(map[string]*entry),
	}
}

func (l *Library) Dir() string { return l.dir }

// Path is the file a shader name is loaded from: names are paths relative to the library
// directory, without the extension
func (l *Library) Path(name string) string {
	return filepath.Join(l.dir, filepath.FromSlash(name)+Extension)
}

func (l *Library) nameOf(path string) (string, bool) {
	if filepath.Ext(path) != Extension {
		return "", false
	}

	rel, err := filepath.Rel(l.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(strings.TrimSuffix(rel, Extension)), true
}

func (l *Library) load(name string, e *entry) (*objcache.Shader, error) {
	code, err := os.ReadFile(l.Path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read shader %s", name)
	}

	shader, err := objcache.NewShader(e.stage, e.entryPoint, code, e.iface)
	if err != nil {
		return nil, errors.Wrapf(err, "shader %s", name)
	}
	return shader, nil
}

// Register loads the named shader. The reflected interface is supplied by the caller and is
// reused when the file is reloaded.
func (l *Library) Register(name string, stage driver.ShaderStageFlags, entryPoint string, iface objcache.ShaderInterface) (*objcache.Shader, error) {
	e := &entry{
		stage:      stage,
		entryPoint: entryPoint,
		iface:      iface,
	}

	shader, err := l.load(name, e)
	if err != nil {
		return nil, err
	}
	e.shader = shader

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, exists := l.shaders[name]; exists {
		return nil, errors.Newf("shader %s is already registered", name)
	}
	l.shaders[name] = e

	return shader, nil
}

// Shader returns the current version of a registered shader
func (l *Library) Shader(name string) (*objcache.Shader, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	e, ok := l.shaders[name]
	if !ok {
		return nil, false
	}
	return e.shader, true
}

func (l *Library) Names() []string {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	names := make([]string, 0, len(l.shaders))
	for name := range l.shaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload rereads a registered shader's file. When the content changed, the new shader
// replaces the old one and OnChange is called. A file that fails to load leaves the current
// shader in place.
func (l *Library) Reload(name string) (bool, error) {
	l.mutex.RLock()
	e, ok := l.shaders[name]
	l.mutex.RUnlock()
	if !ok {
		return false, errors.Newf("shader %s is not registered", name)
	}

	shader, err := l.load(name, e)
	if err != nil {
		return false, err
	}

	l.mutex.Lock()
	old := e.shader
	if old.Hash() == shader.Hash() {
		l.mutex.Unlock()
		return false, nil
	}
	e.shader = shader
	l.mutex.Unlock()

	l.logger.LogAttrs(context.Background(), slog.LevelInfo, "reloaded shader",
		slog.String("name", name),
		slog.Uint64("old", old.Hash()),
		slog.Uint64("new", shader.Hash()))

	if l.onChange != nil {
		l.onChange(name, old, shader)
	}
	return true, nil
}

// Watch reloads registered shaders whenever their files are written or replaced, until ctx is
// done. The watch is established before Watch returns.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create shader watcher")
	}

	err = filepath.WalkDir(l.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "failed to watch %s", l.dir)
	}

	l.watching.Add(1)
	go l.watch(ctx, watcher)
	return nil
}

// Wait blocks until every Watch has stopped
func (l *Library) Wait() {
	l.watching.Wait()
}

func (l *Library) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer l.watching.Done()
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.LogAttrs(ctx, slog.LevelWarn, "shader watcher error", slog.Any("error", err))
		}
	}
}

func (l *Library) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			err = watcher.Add(event.Name)
			if err != nil {
				l.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to watch shader directory",
					slog.String("path", event.Name),
					slog.Any("error", err))
			}
			return
		}
	}

	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	name, ok := l.nameOf(event.Name)
	if !ok {
		return
	}

	l.mutex.RLock()
	_, registered := l.shaders[name]
	l.mutex.RUnlock()
	if !registered {
		return
	}

	_, err := l.Reload(name)
	if err != nil {
		// Compilers often write in several steps: the next event retries
		l.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to reload shader",
			slog.String("name", name),
			slog.Any("error", err))
	}
}
