// Package report renders audit results into a self-contained HTML
// artifact suitable for blob storage and download links.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/rankwell/siteaudit/internal/audit"
)

// Generator renders finished audits. Safe for concurrent use.
type Generator struct {
	tpl *template.Template
}

// NewGenerator parses the report template once up front.
func NewGenerator() (*Generator, error) {
	tpl, err := template.New("report").Funcs(template.FuncMap{
		"fmtTime": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return t.UTC().Format("2006-01-02 15:04:05 MST")
		},
	}).Parse(reportTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse report template: %w", err)
	}
	return &Generator{tpl: tpl}, nil
}

type reportData struct {
	Audit       audit.Audit
	Pages       []pageRow
	FinishedAt  time.Time
	IssuesTotal int
}

type pageRow struct {
	URL        string
	Title      string
	StatusCode int
	Depth      int
	WordCount  int
	IssueCount int
	LoadTimeMs int64
}

// Render produces the HTML artifact from an audit and its page
// results. Output is deterministic for identical inputs.
func (g *Generator) Render(a audit.Audit, pages []audit.PageResult) ([]byte, error) {
	data := reportData{
		Audit:       a,
		Pages:       make([]pageRow, 0, len(pages)),
		IssuesTotal: a.Issues.Total,
	}
	if a.CompletedAt != nil {
		data.FinishedAt = *a.CompletedAt
	} else {
		data.FinishedAt = a.UpdatedAt
	}
	for _, p := range pages {
		data.Pages = append(data.Pages, pageRow{
			URL:        p.URL,
			Title:      p.Title,
			StatusCode: p.StatusCode,
			Depth:      p.Depth,
			WordCount:  p.WordCount,
			IssueCount: issueCount(p.Issues),
			LoadTimeMs: p.LoadTimeMs,
		})
	}

	var buf bytes.Buffer
	if err := g.tpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}

func issueCount(list audit.IssueList) int {
	return len(list.Critical) + len(list.Error) + len(list.Warning) + len(list.Info)
}

const reportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Site Audit Report - {{.Audit.SiteURL}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; margin: 2rem; color: #1f2933; }
h1 { font-size: 1.4rem; }
table { border-collapse: collapse; width: 100%; margin-top: 1rem; }
th, td { border: 1px solid #d5dbe1; padding: 6px 10px; text-align: left; font-size: 0.9rem; }
th { background: #f1f5f9; }
.summary { display: flex; gap: 1.5rem; margin: 1rem 0; }
.summary div { border: 1px solid #d5dbe1; border-radius: 6px; padding: 0.7rem 1.1rem; }
.summary .num { font-size: 1.3rem; font-weight: 600; display: block; }
.critical { color: #b91c1c; }
.error { color: #c2410c; }
.warning { color: #a16207; }
.info { color: #1d4ed8; }
</style>
</head>
<body>
<h1>Site Audit Report</h1>
<p>
Site: <strong>{{.Audit.SiteURL}}</strong><br>
Audit ID: {{.Audit.ID}}<br>
Status: {{.Audit.Status}}<br>
Finished: {{fmtTime .FinishedAt}}
</p>
<div class="summary">
<div><span class="num">{{.Audit.TotalPages}}</span>pages crawled</div>
<div><span class="num">{{.IssuesTotal}}</span>issues found</div>
<div><span class="num critical">{{.Audit.Issues.Critical}}</span>critical</div>
<div><span class="num error">{{.Audit.Issues.Error}}</span>errors</div>
<div><span class="num warning">{{.Audit.Issues.Warning}}</span>warnings</div>
<div><span class="num info">{{.Audit.Issues.Info}}</span>info</div>
</div>
<table>
<thead>
<tr><th>URL</th><th>Title</th><th>Status</th><th>Depth</th><th>Words</th><th>Issues</th><th>Load (ms)</th></tr>
</thead>
<tbody>
{{range .Pages}}
<tr>
<td>{{.URL}}</td>
<td>{{.Title}}</td>
<td>{{.StatusCode}}</td>
<td>{{.Depth}}</td>
<td>{{.WordCount}}</td>
<td>{{.IssueCount}}</td>
<td>{{.LoadTimeMs}}</td>
</tr>
{{end}}
</tbody>
</table>
</body>
</html>
`
