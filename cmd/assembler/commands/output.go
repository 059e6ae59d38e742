package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// newTable returns a light-style table mirrored to w.
func newTable(w io.Writer, header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

// writeJSON writes v as indented JSON, the --json output of every command.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusColor is green for ok and red otherwise.
func statusColor(ok bool) text.Colors {
	if ok {
		return text.Colors{text.FgGreen}
	}
	return text.Colors{text.FgRed}
}

func okString(ok bool) string {
	if ok {
		return statusColor(true).Sprint("ok")
	}
	return statusColor(false).Sprint("failed")
}

// ms formats d in whole milliseconds.
func ms(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// truncate shortens s to n runes for table cells.
func truncate(s string, n int) string {
	return text.Trim(s, n)
}
