package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"meridian/pkg/meridian"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	activeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	filledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	closedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	buyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	sellStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	symbolStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	eventStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	plainStyle  = lipgloss.NewStyle()
)

const timeLayout = "2006-01-02 15:04:05"

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "intended", "submitted":
		return activeStyle
	case "filled", "filled_reconciled":
		return filledStyle
	case "rejected", "stale_reconciled":
		return failedStyle
	default:
		return closedStyle
	}
}

func sideStyle(side string) lipgloss.Style {
	if side == "sell" {
		return sellStyle
	}
	return buyStyle
}

// col is one styled table cell.
type col struct {
	text  string
	style lipgloss.Style
}

func plain(text string) col { return col{text: text, style: plainStyle} }

// renderTable writes headers and rows with every column padded to its
// widest cell. Padding is computed on the unstyled text.
func renderTable(w io.Writer, headers []string, rows [][]col) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, r := range rows {
		for i, c := range r {
			widths[i] = max(widths[i], len(c.text))
		}
	}
	line := func(cells []col) {
		var b strings.Builder
		for i, c := range cells {
			b.WriteString(c.style.Render(c.text))
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-len(c.text)+2))
			}
		}
		fmt.Fprintln(w, b.String())
	}
	hdr := make([]col, len(headers))
	for i, h := range headers {
		hdr[i] = col{text: h, style: headerStyle}
	}
	line(hdr)
	for _, r := range rows {
		line(r)
	}
}

func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func renderIntents(w io.Writer, intents []meridian.Intent) {
	if len(intents) == 0 {
		fmt.Fprintln(w, "no intents")
		return
	}
	rows := make([][]col, 0, len(intents))
	for _, in := range intents {
		broker := in.BrokerOrderID
		if broker == "" {
			broker = "-"
		}
		rows = append(rows, []col{
			plain(in.ClientOrderID),
			{in.Symbol, symbolStyle},
			{in.Side, sideStyle(in.Side)},
			plain(formatQty(in.Qty)),
			{in.Status, statusStyle(in.Status)},
			plain(broker),
			plain(formatTime(in.UpdatedAt)),
		})
	}
	renderTable(w, []string{"CLIENT ORDER ID", "SYMBOL", "SIDE", "QTY", "STATUS", "BROKER ORDER ID", "UPDATED"}, rows)
}

func renderIntent(w io.Writer, in meridian.Intent) {
	field := func(name, value string, style lipgloss.Style) {
		fmt.Fprintf(w, "%s%s%s\n", headerStyle.Render(name), strings.Repeat(" ", 18-len(name)), style.Render(value))
	}
	field("client_order_id", in.ClientOrderID, plainStyle)
	field("run_id", in.RunID, plainStyle)
	field("symbol", in.Symbol, symbolStyle)
	field("side", in.Side, sideStyle(in.Side))
	field("qty", formatQty(in.Qty), plainStyle)
	field("order_type", in.OrderType, plainStyle)
	field("status", in.Status, statusStyle(in.Status))
	field("broker_order_id", in.BrokerOrderID, plainStyle)
	field("position_before", formatQty(in.PositionBefore), plainStyle)
	field("fingerprint", in.Fingerprint, plainStyle)
	field("created_at", formatTime(in.CreatedAt), plainStyle)
	field("updated_at", formatTime(in.UpdatedAt), plainStyle)
}

func renderRuns(w io.Writer, runs []meridian.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs")
		return
	}
	rows := make([][]col, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []col{
			plain(r.RunID),
			plain(r.Mode),
			plain(r.StrategyID),
			plain(formatTime(r.StartedAt)),
			{strings.Join(r.Symbols, ","), symbolStyle},
		})
	}
	renderTable(w, []string{"RUN ID", "MODE", "STRATEGY", "STARTED", "SYMBOLS"}, rows)
}

// renderEvent prints one event as a single line: time, type, then the
// payload as sorted key=value pairs.
func renderEvent(w io.Writer, ev meridian.Event) {
	style := eventStyle
	if ev.Type == "error" {
		style = errorStyle
	}
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+compact(ev.Payload[k]))
	}
	fmt.Fprintf(w, "%s  %s%s  %s\n",
		closedStyle.Render(formatTime(ev.Time)),
		style.Render(ev.Type),
		strings.Repeat(" ", max(0, 13-len(ev.Type))),
		strings.Join(parts, " "),
	)
}

func compact(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case float64:
		return formatQty(x)
	default:
		return fmt.Sprint(x)
	}
}
