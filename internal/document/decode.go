package document

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"unicode/utf8"

	pdfx "github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	xerrors "Cerberus-Core/internal/errors"
)

const maxPDFPages = 50

// Decoded 是解码后的文档内容。
type Decoded struct {
	Text     string
	Type     string
	Sender   string
	Subject  string
	Metadata map[string]string
}

// Decode 把原始内容解码为纯文本；完全无法解码时返回 UNSUPPORTED_DOCUMENT。
func Decode(doc *Document) (*Decoded, error) {
	if doc == nil || len(bytes.TrimSpace(doc.Raw)) == 0 {
		return nil, unsupported(doc, "文档内容为空")
	}
	kind := doc.ContentType
	if kind == "" {
		kind = sniff(doc.Raw)
	}
	base, _, _ := mime.ParseMediaType(kind)
	if base == "" {
		base = kind
	}

	out := &Decoded{Type: base, Metadata: cloneMeta(doc.Metadata)}
	var err error
	switch {
	case base == TypeEmail:
		err = decodeEmail(doc.Raw, out)
	case base == TypePDF:
		var pages int
		var truncated bool
		out.Text, pages, truncated, err = pdfText(doc.Raw)
		markPages(out, pages, truncated)
	case base == TypeHTML:
		if !utf8.Valid(doc.Raw) {
			return nil, unsupported(doc, "HTML 不是合法的 UTF-8")
		}
		out.Text, err = htmlText(string(doc.Raw))
	case strings.HasPrefix(base, "text/") || base == TypeJSON:
		if !utf8.Valid(doc.Raw) {
			return nil, unsupported(doc, "文本不是合法的 UTF-8")
		}
		out.Text = strings.TrimSpace(string(doc.Raw))
	default:
		return nil, unsupported(doc, "不支持的内容类型: "+base)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnsupportedDocument, err, "文档解码失败",
			xerrors.WithMetadata("document_id", doc.ID))
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, unsupported(doc, "文档没有可提取的文本")
	}
	if out.Sender == "" {
		out.Sender = doc.Meta("from")
	}
	if out.Subject == "" {
		out.Subject = doc.Meta("subject")
	}
	return out, nil
}

func unsupported(doc *Document, msg string) error {
	id := ""
	if doc != nil {
		id = doc.ID
	}
	return xerrors.New(xerrors.CodeUnsupportedDocument, msg, xerrors.WithMetadata("document_id", id))
}

func sniff(raw []byte) string {
	if looksLikeEmail(raw) {
		return TypeEmail
	}
	detected := http.DetectContentType(raw)
	if strings.HasPrefix(detected, "text/plain") {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			return TypeJSON
		}
	}
	return detected
}

func looksLikeEmail(raw []byte) bool {
	head := raw
	if idx := bytes.Index(raw, []byte("\n\n")); idx > 0 {
		head = raw[:idx]
	} else if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx > 0 {
		head = raw[:idx]
	} else {
		return false
	}
	lower := bytes.ToLower(head)
	return bytes.HasPrefix(lower, []byte("from:")) || bytes.HasPrefix(lower, []byte("return-path:")) ||
		bytes.HasPrefix(lower, []byte("received:")) ||
		(bytes.Contains(lower, []byte("\nfrom:")) && bytes.Contains(lower, []byte("\nsubject:")))
}

func decodeEmail(raw []byte, out *Decoded) error {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("解析邮件失败: %w", err)
	}
	dec := new(mime.WordDecoder)
	header := func(key string) string {
		v := msg.Header.Get(key)
		if decoded, err := dec.DecodeHeader(v); err == nil {
			return decoded
		}
		return v
	}

	out.Type = TypeEmail
	out.Subject = header("Subject")
	if addr, err := mail.ParseAddress(header("From")); err == nil {
		out.Sender = addr.Address
	} else {
		out.Sender = strings.TrimSpace(header("From"))
	}
	for _, key := range []string{"From", "To", "Cc", "Subject", "Date", "Message-Id"} {
		if v := header(key); v != "" {
			out.Metadata[strings.ToLower(key)] = v
		}
	}

	body, err := partText(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return err
	}
	var b strings.Builder
	if out.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", out.Subject)
	}
	if from := header("From"); from != "" {
		fmt.Fprintf(&b, "From: %s\n", from)
	}
	if date := header("Date"); date != "" {
		fmt.Fprintf(&b, "Date: %s\n", date)
	}
	b.WriteString("\n")
	b.WriteString(body)
	if strings.TrimSpace(body) == "" {
		out.Text = ""
		return nil
	}
	out.Text = strings.TrimSpace(b.String())
	return nil
}

// partText 返回一个 MIME 部分的正文，multipart 时优先 text/plain，其次 text/html。
func partText(contentType, encoding string, body io.Reader) (string, error) {
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		var plain, rich string
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", fmt.Errorf("读取邮件分段失败: %w", err)
			}
			if disp, _, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition")); disp == "attachment" {
				continue
			}
			text, err := partText(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if err != nil {
				return "", err
			}
			ct, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
			switch {
			case ct == "text/html" && rich == "":
				rich = text
			case plain == "" && text != "":
				plain = text
			}
		}
		if plain != "" {
			return plain, nil
		}
		return rich, nil
	}

	raw, err := io.ReadAll(transferDecoder(encoding, body))
	if err != nil {
		return "", fmt.Errorf("解码邮件正文失败: %w", err)
	}
	switch {
	case mediaType == "text/html":
		return htmlText(string(raw))
	case strings.HasPrefix(mediaType, "text/"):
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("邮件正文不是合法的 UTF-8")
		}
		return strings.TrimSpace(string(raw)), nil
	default:
		return "", nil
	}
}

func transferDecoder(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, newlineStripper{r})
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

// newlineStripper 去掉 base64 正文中的换行。
type newlineStripper struct{ r io.Reader }

func (n newlineStripper) Read(p []byte) (int, error) {
	count, err := n.r.Read(p)
	kept := 0
	for _, c := range p[:count] {
		if c != '\r' && c != '\n' {
			p[kept] = c
			kept++
		}
	}
	if kept == 0 && count > 0 && err == nil {
		return n.Read(p)
	}
	return kept, err
}

// markPages 在元数据中记录 PDF 页数，只读取了前若干页时标记 truncated。
func markPages(out *Decoded, pages int, truncated bool) {
	if pages <= 0 {
		return
	}
	out.Metadata["pages"] = strconv.Itoa(pages)
	if truncated {
		out.Metadata["truncated"] = "true"
		out.Metadata["pages_read"] = strconv.Itoa(maxPDFPages)
	}
}

// limitPages 返回实际读取的页数以及是否被截断。
func limitPages(total, limit int) (int, bool) {
	if total > limit {
		return limit, true
	}
	return total, false
}

func pdfText(raw []byte) (text string, total int, truncated bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("PDF 解析异常: %v", r)
		}
	}()
	reader, err := pdfx.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", 0, false, fmt.Errorf("打开 PDF 失败: %w", err)
	}
	total = reader.NumPage()
	pages, truncated := limitPages(total, maxPDFPages)
	var out strings.Builder
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		txt, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if t := strings.TrimSpace(txt); t != "" {
			out.WriteString(t)
			out.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(out.String()), total, truncated, nil
}

func htmlText(src string) (string, error) {
	node, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("解析 HTML 失败: %w", err)
	}
	var b strings.Builder
	extractText(node, &b, false)
	return strings.TrimSpace(compactWhitespace(b.String())), nil
}

func extractText(n *html.Node, b *strings.Builder, hidden bool) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript", "head":
			hidden = true
		case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "table":
			b.WriteString("\n")
		case "td", "th":
			b.WriteString(" ")
		}
	}
	if !hidden && n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, b, hidden)
	}
}

func compactWhitespace(s string) string {
	s = strings.NewReplacer("\t", " ", "\r", " ", "\u00a0", " ").Replace(s)
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, ln := range lines {
		if ln = strings.Join(strings.Fields(ln), " "); ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta)+4)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
