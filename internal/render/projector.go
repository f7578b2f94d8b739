// Package render turns a group view into its three encodings: structured
// JSON, a markdown table, and an HTML page with live updates. Column
// computation, confidence markers, and failed-row error text come from one
// shared projector so the encodings cannot drift apart.
package render

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/ternarybob/multitask/internal/models"
)

// Confidence markers prefixed to output values that carry a basis
// annotation.
const (
	markerHigh   = "🟢"
	markerMedium = "🟡"
	markerLow    = "🔴"
)

// Status cell markers.
const (
	statusCompleted = "✅"
	statusFailed    = "❌"
	statusOther     = "🟡"
)

// Table is the shared tabular projection both the markdown and the HTML
// encodings render from.
type Table struct {
	// Columns excludes id and status, which get their own leading column.
	Columns []string
	Rows    []Row
}

// Row is one run's rendered cells, aligned with Table.Columns.
type Row struct {
	RunID      string
	Status     string
	StatusCell string
	Cells      []string
}

// BuildTable projects a group view into the shared tabular form. Columns
// are the union of all flattened keys in first-seen order (results in input
// order, keys within one result sorted), so the layout is deterministic for
// a fixed ledger state.
func BuildTable(view *models.GroupView) *Table {
	table := &Table{}
	seen := make(map[string]bool)

	for _, result := range view.Results {
		keys := make([]string, 0, len(result))
		for key := range result {
			if key == "id" || key == "status" {
				continue
			}
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if !seen[key] {
				seen[key] = true
				table.Columns = append(table.Columns, key)
			}
		}
	}

	for i, result := range view.Results {
		var run *models.Run
		if i < len(view.Runs) {
			run = view.Runs[i]
		}

		row := Row{
			Cells: make([]string, len(table.Columns)),
		}
		if id, ok := result["id"].(string); ok {
			row.RunID = id
		}
		if status, ok := result["status"].(string); ok {
			row.Status = status
		}
		row.StatusCell = statusCell(row.Status, run)

		confidence := confidenceByField(run)
		for c, column := range table.Columns {
			value, ok := result[column]
			if !ok || value == nil {
				continue
			}
			cell := renderValue(value)
			if marker, ok := confidence[column]; ok {
				cell = marker + " " + cell
			}
			row.Cells[c] = cell
		}

		table.Rows = append(table.Rows, row)
	}

	return table
}

// statusCell renders a run's status with its marker. Failed runs embed the
// remote sub-error messages so the reason is visible without opening the
// raw row.
func statusCell(status string, run *models.Run) string {
	switch status {
	case models.RunStatusCompleted:
		return statusCompleted + " " + status
	case models.RunStatusFailed:
		cell := statusFailed + " " + status
		if run != nil {
			if errs := models.SubErrors(run.Error); len(errs) > 0 {
				cell += ": " + strings.Join(errs, "; ")
			}
		}
		return cell
	default:
		return statusOther + " " + status
	}
}

// confidenceByField maps output field names to their confidence marker,
// from the run's basis annotations.
func confidenceByField(run *models.Run) map[string]string {
	if run == nil || len(run.OutputBasis) == 0 {
		return nil
	}
	var basis []models.FieldBasis
	if err := json.Unmarshal(run.OutputBasis, &basis); err != nil {
		return nil
	}

	markers := make(map[string]string, len(basis))
	for _, b := range basis {
		switch strings.ToLower(b.Confidence) {
		case "high":
			markers[b.Field] = markerHigh
		case "medium":
			markers[b.Field] = markerMedium
		case "low":
			markers[b.Field] = markerLow
		}
	}
	return markers
}

// renderValue renders one cell value. Objects become structured text with
// line breaks escaped so they stay table-safe; malformed values degrade to
// their string form rather than failing the projection.
func renderValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ReplaceAll(v, "\n", `\n`)
	case float64, bool, int:
		data, _ := json.Marshal(v)
		return string(data)
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return strings.ReplaceAll(strings.TrimSpace(anyString(value)), "\n", `\n`)
		}
		return strings.ReplaceAll(string(data), "\n", `\n`)
	}
}

func anyString(value interface{}) string {
	data, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(data)
}

// titleCase capitalizes a column name for table headers.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
