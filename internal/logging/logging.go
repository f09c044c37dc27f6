// Package logging builds the slog loggers used by the command line tool.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Mode controls the handler style used when constructing a logger.
type Mode int

const (
	// ModeCLI renders log records in a terse text-oriented format.
	ModeCLI Mode = iota
	// ModeJSON renders log records as JSON.
	ModeJSON
)

// Options configures New.
type Options struct {
	Mode  Mode
	Level slog.Leveler
	// Color enables styled level labels in ModeCLI.
	Color bool
}

// New constructs a logger targeting w.
func New(w io.Writer, opts Options) *slog.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
	}
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}

	if opts.Mode == ModeJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&cliHandler{
		writer: w,
		level:  level,
		color:  opts.Color,
		mu:     &sync.Mutex{},
	})
}

// NewCLI constructs a human-readable logger, colored when w is a terminal.
func NewCLI(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(w, Options{Mode: ModeCLI, Level: level, Color: IsTerminal(w)})
}

// NewJSON constructs a logger that emits structured JSON records.
func NewJSON(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(w, Options{Mode: ModeJSON, Level: level})
}

// Ensure returns the provided logger or the process default if nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ParseLevel accepts debug, info, warn/warning and error in any case.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

var levelStyles = map[slog.Level]lipgloss.Style{
	slog.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	slog.LevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Bold(true),
	slog.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
	slog.LevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
}

// cliHandler writes "LEVEL time | message key=value ...".
type cliHandler struct {
	writer io.Writer
	level  slog.Leveler
	color  bool
	mu     *sync.Mutex

	// attrs added through WithAttrs, already rendered under their groups.
	attrs  string
	groups []string
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *cliHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	b.WriteString(h.levelLabel(record.Level))
	b.WriteByte(' ')
	b.WriteString(timestamp.UTC().Format(time.RFC3339))
	b.WriteString(" | ")
	b.WriteString(record.Message)

	b.WriteString(h.attrs)
	record.Attrs(func(attr slog.Attr) bool {
		appendAttr(&b, h.groups, attr)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *cliHandler) levelLabel(level slog.Level) string {
	label := strings.ToUpper(level.String())
	if !h.color {
		return label
	}
	style, ok := levelStyles[level]
	if !ok {
		return label
	}
	return style.Render(label)
}

func (h *cliHandler) clone() *cliHandler {
	return &cliHandler{
		writer: h.writer,
		level:  h.level,
		color:  h.color,
		mu:     h.mu,
		attrs:  h.attrs,
		groups: append([]string(nil), h.groups...),
	}
}

func (h *cliHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	var b strings.Builder
	for _, attr := range attrs {
		appendAttr(&b, h.groups, attr)
	}
	c.attrs += b.String()
	return c
}

func (h *cliHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.groups = append(c.groups, name)
	return c
}

func appendAttr(b *strings.Builder, groups []string, attr slog.Attr) {
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		nested := append(append([]string(nil), groups...), attr.Key)
		for _, a := range value.Group() {
			appendAttr(b, nested, a)
		}
		return
	}
	if attr.Key == "" {
		return
	}

	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(formatValue(value))
}

func formatValue(value slog.Value) string {
	switch value.Kind() {
	case slog.KindString:
		return quoteIfNeeded(value.String())
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return quoteIfNeeded(err.Error())
		}
		return quoteIfNeeded(fmt.Sprint(value.Any()))
	default:
		return value.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
