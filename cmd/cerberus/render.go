package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"Cerberus-Core/sdk/go/cerberus"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	return table
}

func renderAgents(w io.Writer, agents []cerberus.Agent) {
	table := newTable(w, "name", "type", "enabled", "actions", "document types")
	for _, a := range agents {
		table.Append([]string{
			a.Name,
			a.Type,
			strconv.FormatBool(a.Enabled),
			strings.Join(a.Actions, ","),
			strings.Join(a.DocumentTypes, ","),
		})
	}
	table.Render()
}

func renderRequest(w io.Writer, req *cerberus.Request) {
	fmt.Fprintf(w, "request %s agent=%s status=%s attempts=%d/%d\n", req.ID, req.AgentID, req.Status, req.Attempts, req.MaxAttempts)
	if req.LastError != "" {
		fmt.Fprintf(w, "error [%s]: %s\n", req.ErrorCode, req.LastError)
	}
	res := req.Result
	if res == nil {
		return
	}
	table := newTable(w, "task", "kind", "status", "attempts", "confidence", "review", "detail")
	for _, o := range res.Results {
		detail := o.Error
		if detail == "" && o.Result != nil {
			detail = o.Result.Text
			if detail == "" {
				detail = o.Result.Label
			}
		}
		table.Append([]string{
			o.TaskID,
			o.Kind,
			o.Status,
			strconv.Itoa(o.Attempts),
			strconv.FormatFloat(o.Confidence, 'f', 2, 64),
			o.ReviewID,
			clip(detail, 60),
		})
	}
	table.SetFooter([]string{"", "", res.Status, "", fmt.Sprintf("cost %.4f", res.Cost),
		fmt.Sprintf("%d review", res.NeedsReview), fmt.Sprintf("%d/%d ok", res.Succeeded, res.Total)})
	table.Render()
}

func renderReviews(w io.Writer, items []cerberus.Review) {
	table := newTable(w, "id", "agent", "document", "reason", "resolution", "created", "detail")
	for _, item := range items {
		table.Append([]string{
			item.ID,
			item.AgentID,
			item.DocumentID,
			item.Reason,
			item.Resolution,
			item.CreatedAt.Format(time.RFC3339),
			clip(item.Detail, 60),
		})
	}
	table.Render()
}

func readAttachments(paths []string) ([]cerberus.Attachment, error) {
	out := make([]cerberus.Attachment, 0, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取附件失败: %w", err)
		}
		out = append(out, cerberus.Attachment{
			Name:     filepath.Base(path),
			Content:  string(raw),
			Metadata: map[string]string{"path": path},
		})
	}
	return out, nil
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
