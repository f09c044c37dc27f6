// Package output renders command results as styled text or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cochaviz/nixos-nspawn/internal/container"
	"github.com/cochaviz/nixos-nspawn/internal/logging"
	"github.com/cochaviz/nixos-nspawn/internal/machine"
	"github.com/cochaviz/nixos-nspawn/internal/nix"
)

// Printer writes results either as text or, in JSON mode, as one JSON
// document per command. Messages are suppressed in JSON mode so the output
// stays machine readable.
type Printer struct {
	w      io.Writer
	json   bool
	styles Styles
}

// New returns a printer for w. Colors are used only when w is a terminal.
func New(w io.Writer, jsonMode bool) *Printer {
	styles := PlainStyles()
	if !jsonMode && logging.IsTerminal(w) {
		styles = DefaultStyles()
	}
	return &Printer{w: w, json: jsonMode, styles: styles}
}

// JSON reports whether the printer emits JSON.
func (p *Printer) JSON() bool { return p.json }

// Messagef prints a line of prose. It is a no-op in JSON mode.
func (p *Printer) Messagef(format string, args ...any) {
	if p.json {
		return
	}
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Successf prints a highlighted confirmation.
func (p *Printer) Successf(format string, args ...any) {
	if p.json {
		return
	}
	fmt.Fprintln(p.w, p.styles.Success.Render(fmt.Sprintf(format, args...)))
}

// Notef prints a de-emphasised line. It is a no-op in JSON mode.
func (p *Printer) Notef(format string, args ...any) {
	if p.json {
		return
	}
	fmt.Fprintln(p.w, p.styles.Muted.Render(fmt.Sprintf(format, args...)))
}

// Failuref prints a highlighted error line.
func (p *Printer) Failuref(format string, args ...any) {
	fmt.Fprintln(p.w, p.styles.Failure.Render(fmt.Sprintf(format, args...)))
}

// Encode writes v as indented JSON.
func (p *Printer) Encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Containers prints container summaries.
func (p *Printer) Containers(infos []container.Info) error {
	if p.json {
		if infos == nil {
			infos = []container.Info{}
		}
		return p.Encode(infos)
	}
	for _, info := range infos {
		fmt.Fprintln(p.w, p.renderContainer(info))
	}
	return nil
}

func (p *Printer) renderContainer(info container.Info) string {
	state := p.styles.Running
	if info.State == machine.StatePoweredOff {
		state = p.styles.Stopped
	}
	lines := []string{
		"Container " + p.styles.Name.Render(info.Name),
		"  " + p.styles.Label.Render("Unit File:") + " " + info.UnitFile,
		"  " + p.styles.Label.Render("Imperative:") + " " + strconv.FormatBool(info.IsImperative),
		"  " + p.styles.Label.Render("State:") + " " + state.Render(info.State),
	}
	return strings.Join(lines, "\n")
}

// Generations prints a profile's build history, marking the current one.
func (p *Printer) Generations(name string, generations []nix.Generation) error {
	if p.json {
		if generations == nil {
			generations = []nix.Generation{}
		}
		return p.Encode(generations)
	}
	fmt.Fprintln(p.w, p.styles.Title.Render("Generations of "+name))
	for _, gen := range generations {
		line := fmt.Sprintf("%4d  %s  %s", gen.ID, gen.Date, gen.Label)
		if gen.Current {
			line = p.styles.Current.Render(line + "  " + nix.CurrentMarker)
		}
		fmt.Fprintln(p.w, line)
	}
	return nil
}
