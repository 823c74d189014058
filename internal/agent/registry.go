package agent

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/pkg/logger"
)

//go:embed bundles/*.yaml
var builtinFS embed.FS

// ErrAgentNotFound 表示请求引用了未注册的智能体。
var ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "智能体不存在")

// Builtin 返回内置的三个标准智能体。
func Builtin() ([]*Bundle, error) {
	entries, err := builtinFS.ReadDir("bundles")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取内置智能体失败")
	}
	out := make([]*Bundle, 0, len(entries))
	for _, entry := range entries {
		data, err := builtinFS.ReadFile("bundles/" + entry.Name())
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取内置智能体失败: "+entry.Name())
		}
		b, err := Parse(data)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "内置智能体非法: "+entry.Name())
		}
		out = append(out, b)
	}
	return out, nil
}

// Registry 保存已加载的智能体配置，可并发读取。
type Registry struct {
	mu      sync.RWMutex
	bundles map[string]*Bundle
}

// NewRegistry 创建注册表并注册给定的配置。
func NewRegistry(bundles ...*Bundle) (*Registry, error) {
	r := &Registry{bundles: make(map[string]*Bundle)}
	for _, b := range bundles {
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Load 注册内置智能体，再用 dir 中的配置覆盖同名项。dir 为空时只加载内置项。
func Load(dir string) (*Registry, error) {
	builtin, err := Builtin()
	if err != nil {
		return nil, err
	}
	r, err := NewRegistry(builtin...)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dir) == "" {
		return r, nil
	}
	if _, err := r.LoadDir(dir); err != nil {
		return nil, err
	}
	return r, nil
}

// Register 校验并注册配置，同名配置被替换。
func (r *Registry) Register(b *Bundle) error {
	if b == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体配置为空")
	}
	if err := b.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.bundles[b.Name] = b
	r.mu.Unlock()
	return nil
}

// LoadDir 加载目录下所有 *.yaml 与 *.yml 文件，返回加载数量。
// 任一文件非法时整体失败，已有注册项保持不变。
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取智能体目录失败: "+dir)
	}
	var loaded []*Bundle
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取智能体配置失败: "+path)
		}
		b, err := Parse(data)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "智能体配置非法: "+path)
		}
		loaded = append(loaded, b)
	}

	r.mu.Lock()
	for _, b := range loaded {
		r.bundles[b.Name] = b
	}
	r.mu.Unlock()
	logger.L().Info("智能体配置已加载", slog.String("dir", dir), slog.Int("count", len(loaded)))
	return len(loaded), nil
}

// Get 按名称查找配置。
func (r *Registry) Get(name string) (*Bundle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bundles[name]
	return b, ok
}

// Resolve 查找已启用的配置，不存在时返回 NOT_FOUND，被禁用时返回 INVALID_ARGUMENT。
func (r *Registry) Resolve(name string) (*Bundle, error) {
	b, ok := r.Get(name)
	if !ok {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, ErrAgentNotFound, fmt.Sprintf("智能体不存在: %s", name))
	}
	if !b.IsEnabled() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体已禁用: "+name)
	}
	return b, nil
}

// List 按名称排序返回所有配置。
func (r *Registry) List() []*Bundle {
	r.mu.RLock()
	out := make([]*Bundle, 0, len(r.bundles))
	for _, b := range r.bundles {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
