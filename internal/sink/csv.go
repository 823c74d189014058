package sink

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"Cerberus-Core/internal/record"
)

var fixedColumns = []string{"document_id", "document_type", "overall_confidence", "extracted_at"}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// CSVSink 为每个目的地维护一个 CSV 表格，首列为文档 ID，已存在的文档跳过。
type CSVSink struct {
	dir string

	mu     sync.Mutex
	sheets map[string]*sheet
}

type sheet struct {
	header []string
	ids    map[string]struct{}
}

// NewCSVSink 创建 CSV 目标，dir 不存在时自动创建。
func NewCSVSink(dir string) (*CSVSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, Failure("csv", nil, "未指定 CSV 输出目录", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Failure("csv", err, "创建 CSV 输出目录失败", nil)
	}
	return &CSVSink{dir: dir, sheets: make(map[string]*sheet)}, nil
}

// Name 实现 Sink。
func (s *CSVSink) Name() string { return "csv" }

// Path 返回某目的地对应的文件路径。
func (s *CSVSink) Path(destination string) string {
	name := unsafeName.ReplaceAllString(strings.TrimSpace(destination), "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "records"
	}
	return filepath.Join(s.dir, name+".csv")
}

// Write 实现 Sink。记录带来新列时整表按新表头重写。
func (s *CSVSink) Write(ctx context.Context, rec *record.ExtractedRecord) error {
	if err := validateRecord(s.Name(), rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return Failure(s.Name(), err, "写入已取消", rec)
	}
	destination := rec.Destination
	if destination == "" {
		destination = rec.DocumentType
	}
	path := s.Path(destination)

	s.mu.Lock()
	defer s.mu.Unlock()

	sh, err := s.load(path)
	if err != nil {
		return Failure(s.Name(), err, "读取 CSV 失败", rec)
	}
	if _, dup := sh.ids[rec.DocumentID]; dup {
		return nil
	}

	header := sh.header
	if len(header) == 0 {
		header = append([]string(nil), fixedColumns...)
	}
	extended := false
	for _, col := range rec.Columns() {
		if indexOf(header, col) < 0 {
			header = append(header, col)
			extended = true
		}
	}

	row := make([]string, len(header))
	values := map[string]string{
		"document_id":        rec.DocumentID,
		"document_type":      rec.DocumentType,
		"overall_confidence": strconv.FormatFloat(rec.OverallConfidence, 'f', 3, 64),
		"extracted_at":       rec.ExtractedAt.UTC().Format(time.RFC3339),
	}
	for _, f := range rec.Fields {
		values[f.ColumnName()] = f.Value
	}
	for i, col := range header {
		row[i] = values[col]
	}

	if extended && len(sh.header) > 0 {
		err = rewrite(path, sh.header, header, row)
	} else {
		err = appendRow(path, header, len(sh.header) == 0, row)
	}
	if err != nil {
		return Failure(s.Name(), err, "写入 CSV 失败", rec)
	}
	sh.header = header
	sh.ids[rec.DocumentID] = struct{}{}
	return nil
}

func (s *CSVSink) load(path string) (*sheet, error) {
	if sh, ok := s.sheets[path]; ok {
		return sh, nil
	}
	sh := &sheet{ids: make(map[string]struct{})}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		s.sheets[path] = sh
		return sh, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		s.sheets[path] = sh
		return sh, nil
	}
	if err != nil {
		return nil, err
	}
	sh.header = header
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(row) > 0 {
			sh.ids[row[0]] = struct{}{}
		}
	}
	s.sheets[path] = sh
	return sh, nil
}

func appendRow(path string, header []string, writeHeader bool, row []string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(header); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Write(row); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func rewrite(path string, oldHeader, newHeader []string, newRow []string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	rows, err := func() ([][]string, error) {
		defer in.Close()
		r := csv.NewReader(in)
		r.FieldsPerRecord = -1
		return r.ReadAll()
	}()
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := csv.NewWriter(out)
	_ = w.Write(newHeader)
	for _, row := range rows[1:] {
		padded := make([]string, len(newHeader))
		for i, col := range oldHeader {
			if i < len(row) {
				padded[indexOf(newHeader, col)] = row[i]
			}
		}
		_ = w.Write(padded)
	}
	_ = w.Write(newRow)
	w.Flush()
	if err := w.Error(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func indexOf(list []string, v string) int {
	for i, item := range list {
		if item == v {
			return i
		}
	}
	return -1
}

// Close 实现 Sink。
func (s *CSVSink) Close() error { return nil }
