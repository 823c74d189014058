// Package source 提供文档来源：目录扫描、fsnotify 监听与内存来源。
// 投递语义为至少一次，文档 ID 取内容哈希，重复投递由流水线的幂等检查吸收。
package source

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"Cerberus-Core/internal/document"
	xerrors "Cerberus-Core/internal/errors"
)

// Handler 处理来源产出的文档，返回错误时扫描中止。
type Handler func(ctx context.Context, doc *document.Document) error

// Source 是可重启的惰性文档序列。
type Source interface {
	// Scan 按确定的顺序遍历当前全部文档。
	Scan(ctx context.Context, fn Handler) error
	// Load 按引用（文件名或文档 ID）读取单个文档。
	Load(ctx context.Context, ref string) (*document.Document, error)
}

// ErrDocumentNotFound 表示引用的文档不存在。
var ErrDocumentNotFound = xerrors.New(xerrors.CodeNotFound, "document not found")

// FolderSource 从本地目录读取文档。
type FolderSource struct {
	dir        string
	extensions map[string]struct{}
}

// NewFolderSource 创建目录来源，extensions 为空时使用解码器支持的全部扩展名。
func NewFolderSource(dir string, extensions ...string) (*FolderSource, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定文档目录")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析文档目录失败")
	}
	if len(extensions) == 0 {
		extensions = document.Extensions()
	}
	set := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = struct{}{}
	}
	return &FolderSource{dir: abs, extensions: set}, nil
}

// Dir 返回来源目录。
func (s *FolderSource) Dir() string { return s.dir }

// Scan 实现 Source，按文件名排序遍历目录顶层文件。
func (s *FolderSource) Scan(ctx context.Context, fn Handler) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取文档目录失败")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !s.accepts(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			return err
		}
		if err := fn(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// Load 实现 Source。ref 是相对目录的文件名，不允许跳出目录。
func (s *FolderSource) Load(ctx context.Context, ref string) (*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := filepath.Clean("/" + ref)
	path := filepath.Join(s.dir, clean)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, ErrDocumentNotFound
	}
	return s.read(path)
}

func (s *FolderSource) accepts(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	_, ok := s.extensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

func (s *FolderSource) read(path string) (*document.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取文档失败: "+filepath.Base(path))
	}
	info, _ := os.Stat(path)
	meta := map[string]string{"path": path}
	doc := document.New(filepath.Base(path), raw, meta)
	if info != nil {
		doc.ReceivedAt = info.ModTime().UTC()
	}
	return doc, nil
}

// MemorySource 是内存中的来源，用于测试与 API 直接提交的内容。
type MemorySource struct {
	mu    sync.RWMutex
	docs  map[string]*document.Document
	order []string
}

// NewMemorySource 创建内存来源。
func NewMemorySource(docs ...*document.Document) *MemorySource {
	s := &MemorySource{docs: make(map[string]*document.Document)}
	for _, d := range docs {
		s.Add(d)
	}
	return s
}

// Add 添加文档，同一 ID 只保留首次加入的顺序。
func (s *MemorySource) Add(doc *document.Document) {
	if doc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; !ok {
		s.order = append(s.order, doc.ID)
	}
	s.docs[doc.ID] = doc
}

// Scan 实现 Source。
func (s *MemorySource) Scan(ctx context.Context, fn Handler) error {
	s.mu.RLock()
	docs := make([]*document.Document, 0, len(s.order))
	for _, id := range s.order {
		docs = append(docs, s.docs[id])
	}
	s.mu.RUnlock()
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Load 实现 Source，按 ID 或名称查找。
func (s *MemorySource) Load(_ context.Context, ref string) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.docs[ref]; ok {
		return d, nil
	}
	for _, id := range s.order {
		if s.docs[id].Name == ref {
			return s.docs[id], nil
		}
	}
	return nil, ErrDocumentNotFound
}
