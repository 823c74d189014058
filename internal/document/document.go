// Package document 定义进入流水线的原始文档，以及把多种格式解码为纯文本的逻辑。
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
)

// Document 是来源产出的一个原始文档或邮件。
type Document struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Raw         []byte            `json:"raw"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// New 以内容哈希作为 ID 创建文档，重复投递的同一内容得到相同 ID。
func New(name string, raw []byte, metadata map[string]string) *Document {
	return &Document{
		ID:          ContentID(raw),
		Name:        name,
		ContentType: TypeFromName(name),
		Raw:         raw,
		Metadata:    metadata,
		ReceivedAt:  time.Now().UTC(),
	}
}

// ContentID 返回内容的稳定标识。
func ContentID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "doc-" + hex.EncodeToString(sum[:12])
}

// Meta 返回元数据中的值。
func (d *Document) Meta(key string) string {
	if d == nil || d.Metadata == nil {
		return ""
	}
	return d.Metadata[key]
}

// TypeFromName 根据扩展名推断内容类型。
func TypeFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".text", ".log":
		return TypeText
	case ".md", ".markdown":
		return TypeMarkdown
	case ".csv":
		return TypeCSV
	case ".json":
		return TypeJSON
	case ".html", ".htm":
		return TypeHTML
	case ".pdf":
		return TypePDF
	case ".eml":
		return TypeEmail
	case ".png", ".jpg", ".jpeg", ".gif", ".tif", ".tiff", ".bmp", ".webp":
		return "image/" + strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	default:
		return ""
	}
}

// 支持的内容类型。
const (
	TypeText     = "text/plain"
	TypeMarkdown = "text/markdown"
	TypeCSV      = "text/csv"
	TypeJSON     = "application/json"
	TypeHTML     = "text/html"
	TypePDF      = "application/pdf"
	TypeEmail    = "message/rfc822"
)

// Extensions 返回来源目录扫描时接受的扩展名。
func Extensions() []string {
	return []string{".txt", ".text", ".log", ".md", ".markdown", ".csv", ".json", ".html", ".htm", ".pdf", ".eml"}
}
