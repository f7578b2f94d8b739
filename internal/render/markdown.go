package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/multitask/internal/models"
)

// markdown cells are truncated to keep wide payloads readable in a table.
const markdownCellLimit = 50

// Markdown renders the tabular text encoding of a group view.
func Markdown(view *models.GroupView) string {
	table := BuildTable(view)

	var md strings.Builder
	md.WriteString("# Task Group Results\n\n")
	fmt.Fprintf(&md, "**Task Group ID:** %s\n", view.ID)
	if view.Status != nil && view.Status.IsActive {
		md.WriteString("**Status:** 🟡 Active\n")
	} else {
		md.WriteString("**Status:** ✅ Complete\n")
	}
	if view.Status != nil {
		fmt.Fprintf(&md, "**Total Runs:** %d\n", view.Status.NumTaskRuns)
	}
	fmt.Fprintf(&md, "**Created:** %s\n\n", view.CreatedAt.UTC().Format(time.RFC3339))

	if len(table.Rows) == 0 {
		md.WriteString("*No results yet...*\n")
		return md.String()
	}

	md.WriteString("## Results\n\n")

	md.WriteString("| Status |")
	for _, column := range table.Columns {
		fmt.Fprintf(&md, " %s |", titleCase(column))
	}
	md.WriteString("\n|--------|")
	for range table.Columns {
		md.WriteString("--------|")
	}
	md.WriteString("\n")

	for _, row := range table.Rows {
		fmt.Fprintf(&md, "| %s |", escapeCell(row.StatusCell))
		for _, cell := range row.Cells {
			fmt.Fprintf(&md, " %s |", escapeCell(truncate(cell, markdownCellLimit)))
		}
		md.WriteString("\n")
	}

	return md.String()
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

// escapeCell keeps cell content from breaking the table syntax.
func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
