// Package report renders queue rows and supervisor status for the terminal,
// either as aligned tables or as JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/supervisor"
)

const (
	timeLayout = "2006-01-02 15:04:05"
	// minCommandWidth keeps a command readable on very narrow terminals.
	minCommandWidth = 16
	ellipsis        = "..."
)

// Options controls rendering.
type Options struct {
	JSON bool
	// Width is the terminal width in columns; 0 disables truncation.
	Width int
}

// TerminalWidth returns the width of f when it is a terminal, 0 otherwise.
func TerminalWidth(f *os.File) int {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Tasks renders tasks one per row, commands last so they can be truncated.
func Tasks(w io.Writer, tasks []model.Task, opts Options) error {
	if opts.JSON {
		if tasks == nil {
			tasks = []model.Task{}
		}
		return writeJSON(w, tasks)
	}
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, "No tasks.")
		return err
	}

	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			strconv.FormatInt(t.ID, 10),
			t.UserName,
			string(t.Status),
			pid(t.PID),
			exitCode(t.ExitCode),
			formatTime(&t.CreatedAt),
			t.Command,
		})
	}
	return table(w, []string{"ID", "USER", "STATUS", "PID", "EXIT", "CREATED", "COMMAND"}, rows, opts.Width)
}

// Aborts renders abort requests one per row.
func Aborts(w io.Writer, reqs []model.AbortRequest, opts Options) error {
	if opts.JSON {
		if reqs == nil {
			reqs = []model.AbortRequest{}
		}
		return writeJSON(w, reqs)
	}
	if len(reqs) == 0 {
		_, err := fmt.Fprintln(w, "No abort requests.")
		return err
	}

	rows := make([][]string, 0, len(reqs))
	for _, r := range reqs {
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			strconv.FormatInt(r.TaskID, 10),
			r.UserName,
			string(r.Status),
			pid(r.PID),
			formatTime(&r.CreatedAt),
			formatTime(r.CompletedAt),
		})
	}
	return table(w, []string{"ID", "TASK", "USER", "STATUS", "PID", "CREATED", "COMPLETED"}, rows, 0)
}

// Task renders every field of one task, output last and verbatim.
func Task(w io.Writer, t *model.Task, opts Options) error {
	if opts.JSON {
		return writeJSON(w, t)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fields := [][2]string{
		{"ID", strconv.FormatInt(t.ID, 10)},
		{"User", fmt.Sprintf("%s (uid %d)", t.UserName, t.UserID)},
		{"Status", string(t.Status)},
		{"Command", t.Command},
		{"Context", orDash(t.Context)},
		{"PID", pid(t.PID)},
		{"Exit code", exitCode(t.ExitCode)},
		{"Created", formatTime(&t.CreatedAt)},
		{"Started", formatTime(t.StartedAt)},
		{"Completed", formatTime(t.CompletedAt)},
		{"Canceled", formatTime(t.CanceledAt)},
	}
	for _, f := range fields {
		fmt.Fprintf(tw, "%s:\t%s\n", f[0], f[1])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if t.Output == "" {
		return nil
	}
	_, err := fmt.Fprintf(w, "Output:\n%s", t.Output)
	if err == nil && !strings.HasSuffix(t.Output, "\n") {
		_, err = fmt.Fprintln(w)
	}
	return err
}

// Status renders the supervisor report.
func Status(w io.Writer, rep *supervisor.Report, opts Options) error {
	if opts.JSON {
		return writeJSON(w, rep)
	}
	state := "inactive"
	if rep.Active {
		state = "active since " + formatTime(rep.StartedAt)
	} else if rep.StoppedAt != nil {
		state = "inactive, stopped " + formatTime(rep.StoppedAt)
	}
	if _, err := fmt.Fprintf(w, "Queue: %s\n\n", state); err != nil {
		return err
	}

	rows := make([][]string, 0, len(rep.Daemons))
	for _, d := range rep.Daemons {
		ticks, last, lastErr, running := "-", "-", "-", "-"
		if c := d.Control; c != nil {
			ticks = strconv.FormatInt(c.Ticks, 10)
			last = formatTime(c.LastTickAt)
			lastErr = orDash(c.LastError)
			if len(c.Executing) > 0 {
				ids := make([]string, len(c.Executing))
				for i, id := range c.Executing {
					ids[i] = strconv.FormatInt(id, 10)
				}
				running = strings.Join(ids, ",")
			}
		}
		rows = append(rows, []string{
			string(d.Kind), pid(d.PID), yesNo(d.Alive), yesNo(d.Acked), ticks, last, running, lastErr,
		})
	}
	if err := table(w, []string{"DAEMON", "PID", "ALIVE", "ACKED", "TICKS", "LAST TICK", "EXECUTING", "LAST ERROR"}, rows, 0); err != nil {
		return err
	}

	parts := make([]string, 0, len(model.TaskStatuses))
	for _, s := range model.TaskStatuses {
		parts = append(parts, fmt.Sprintf("%s=%d", s, rep.Tasks[s]))
	}
	_, err := fmt.Fprintf(w, "\nTasks: %s\nOpen aborts: %d\n", strings.Join(parts, " "), rep.OpenAborts)
	return err
}

// table writes an aligned table. With width > 0 the last column is cut so
// each row fits on one line.
func table(w io.Writer, header []string, rows [][]string, width int) error {
	if width > 0 {
		fitLastColumn(header, rows, width)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}

func fitLastColumn(header []string, rows [][]string, width int) {
	last := len(header) - 1
	widths := make([]int, last)
	for i := 0; i < last; i++ {
		widths[i] = runeLen(header[i])
		for _, r := range rows {
			widths[i] = max(widths[i], runeLen(r[i]))
		}
	}
	used := 0
	for _, cw := range widths {
		used += cw + 2
	}
	budget := max(width-used, minCommandWidth)
	for _, r := range rows {
		r[last] = truncate(r[last], budget)
	}
}

// truncate shortens s to at most n runes, marking the cut. Newlines are
// flattened so a multi-line command stays on its row.
func truncate(s string, n int) string {
	return truncateWith(s, n, ellipsis)
}

// truncateWith is truncate with an explicit marker; widths are in runes for
// both s and marker.
func truncateWith(s string, n int, marker string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	m := utf8.RuneCountInString(marker)
	if n <= m {
		return string(r[:n])
	}
	return string(r[:n-m]) + marker
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func pid(p int) string {
	if p <= 0 {
		return "-"
	}
	return strconv.Itoa(p)
}

func exitCode(c *int) string {
	if c == nil {
		return "-"
	}
	return strconv.Itoa(*c)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
