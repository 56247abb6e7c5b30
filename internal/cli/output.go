package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Output управляет форматированием вывода CLI.
type Output struct {
	jsonMode bool
	w        io.Writer // stdout для данных
	errW     io.Writer // stderr для сообщений
}

// NewOutput создаёт Output. Если jsonMode=true, данные выводятся в JSON.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(jsonMode, os.Stdout, os.Stderr)
}

// NewOutputTo создаёт Output с заданными потоками.
func NewOutputTo(jsonMode bool, w, errW io.Writer) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// Print выводит данные: таблицу или JSON в зависимости от режима.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table выводит данные в виде таблицы через tabwriter.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

// JSON выводит данные в формате JSON с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Event выводит одно событие потока: строкой JSON или одной строкой текста.
func (o *Output) Event(ev ViewEvent) {
	if o.jsonMode {
		json.NewEncoder(o.w).Encode(ev)
		return
	}

	switch {
	case ev.Task != nil:
		t := ev.Task
		line := fmt.Sprintf("%s  %-7s %-12s %-10s %3d", ev.Timestamp, ev.Type, t.TaskID, t.Status, t.Progress)
		if t.CurrentAction != "" {
			line += "  " + t.CurrentAction
		}
		if t.ErrorMessage != "" {
			line += "  error: " + t.ErrorMessage
		}
		fmt.Fprintln(o.w, line)
	case ev.Type == "snapshot" || ev.Type == "reset":
		fmt.Fprintf(o.w, "%s  %-7s session %s, %d tasks\n", ev.Timestamp, ev.Type, ev.ParentSessionID, len(ev.Tasks))
		for _, t := range ev.Tasks {
			fmt.Fprintf(o.w, "    %-12s %-10s %3d  %s\n", t.TaskID, t.Status, t.Progress, t.FlowName)
		}
	default:
		fmt.Fprintf(o.w, "%s  %s\n", ev.Timestamp, ev.Type)
	}
}

// Success выводит сообщение об успехе в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error выводит сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}
