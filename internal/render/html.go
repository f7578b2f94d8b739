package render

import (
	"encoding/json"
	"fmt"
	"html/template"
	"strings"

	"github.com/ternarybob/multitask/internal/models"
)

// htmlPage is the interactive encoding: the same table as the markdown
// encoding, plus row-level identifiers and a script that patches rows from
// the live update channel.
var htmlPage = template.Must(template.New("group").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>Task Group {{.ID}}</title>
  <style>
    body { font-family: ui-monospace, monospace; max-width: 1200px; margin: 0 auto; padding: 24px; background: #fafafa; }
    .summary { background: #fff; border: 1px solid #e5e5e5; border-radius: 8px; padding: 16px; margin-bottom: 24px; }
    .active { color: #b45309; }
    .complete { color: #15803d; }
    table { width: 100%; border-collapse: collapse; background: #fff; border: 1px solid #e5e5e5; }
    th, td { padding: 10px 14px; text-align: left; border-bottom: 1px solid #e5e5e5; font-size: 14px; vertical-align: top; }
    th { background: #f5f5f5; text-transform: uppercase; font-size: 12px; color: #737373; }
    td { white-space: pre-wrap; }
  </style>
</head>
<body>
  <h1>Task Group {{.ID}}</h1>
  <div class="summary">
    <p><strong>Status:</strong> <span id="taskGroupStatus" class="{{if .IsActive}}active{{else}}complete{{end}}">{{if .IsActive}}Active{{else}}Complete{{end}}</span></p>
    <p><strong>Total Runs:</strong> <span id="totalRuns">{{.TotalRuns}}</span></p>
    <p><strong>Created:</strong> {{.CreatedAt}}</p>
  </div>
  <table id="resultsTable">
    <thead>
      <tr>
        <th>Status</th>{{range .Columns}}
        <th>{{.}}</th>{{end}}
      </tr>
    </thead>
    <tbody id="resultsBody">{{range .Rows}}
      <tr data-run-id="{{.RunID}}">
        <td data-col="status">{{.StatusCell}}</td>{{range .Cells}}
        <td>{{.}}</td>{{end}}
      </tr>{{end}}
    </tbody>
  </table>
  <script>
    const columns = {{.ColumnsJSON}};
    const source = new EventSource(window.location.pathname.replace(/\.html$/, '') + '.sse');

    source.onmessage = function (event) {
      const message = JSON.parse(event.data);
      if (message.type === 'unauthorized') {
        source.close();
        window.location.href = '/callback?redirect_to=' + encodeURIComponent(window.location.href);
      } else if (message.type === 'run_update') {
        updateRow(message.run, message.result);
      } else if (message.type === 'group_status_update') {
        document.getElementById('totalRuns').textContent = message.status.num_task_runs;
      } else if (message.type === 'complete') {
        const el = document.getElementById('taskGroupStatus');
        el.textContent = 'Complete';
        el.className = 'complete';
        source.close();
      }
    };

    function statusCell(status) {
      if (status === 'completed') return '✅ ' + status;
      if (status === 'failed') return '❌ ' + status;
      return '🟡 ' + status;
    }

    function updateRow(run, result) {
      const row = document.querySelector('[data-run-id="' + run.run_id + '"]');
      if (!row || !result) return;
      row.querySelector('[data-col="status"]').textContent = statusCell(run.status);
      const tds = row.querySelectorAll('td:not([data-col])');
      for (let i = 0; i < columns.length && i < tds.length; i++) {
        const value = result[columns[i]];
        if (value === undefined || value === null) {
          tds[i].textContent = '';
        } else if (typeof value === 'object') {
          tds[i].textContent = JSON.stringify(value, null, 2);
        } else {
          tds[i].textContent = String(value);
        }
      }
    }
  </script>
</body>
</html>
`))

type htmlData struct {
	ID          string
	IsActive    bool
	TotalRuns   int
	CreatedAt   string
	Columns     []string
	Rows        []Row
	ColumnsJSON template.JS
}

// HTML renders the interactive encoding of a group view.
func HTML(view *models.GroupView) (string, error) {
	table := BuildTable(view)

	headers := make([]string, len(table.Columns))
	for i, column := range table.Columns {
		headers[i] = titleCase(column)
	}

	columnsJSON, err := json.Marshal(table.Columns)
	if err != nil {
		return "", fmt.Errorf("failed to encode columns: %w", err)
	}

	data := htmlData{
		ID:          view.ID,
		CreatedAt:   view.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"),
		Columns:     headers,
		Rows:        table.Rows,
		ColumnsJSON: template.JS(columnsJSON),
	}
	if view.Status != nil {
		data.IsActive = view.Status.IsActive
		data.TotalRuns = view.Status.NumTaskRuns
	}

	var out strings.Builder
	if err := htmlPage.Execute(&out, data); err != nil {
		return "", fmt.Errorf("failed to render page: %w", err)
	}
	return out.String(), nil
}
