// Package unitfile reads and writes systemd-style unit descriptions.
//
// The format is line oriented and section keyed. Unlike a generic INI parser,
// key case is preserved, a key may appear several times within a section (each
// occurrence is kept, in order) and values are taken verbatim: there is no
// interpolation and no backslash line continuation.
//
// As in systemd, whitespace around a key or value is not significant and is
// trimmed on read. Round trips are exact for values without leading or
// trailing whitespace.
package unitfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ParseError reports malformed unit text.
type ParseError struct {
	Path   string
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	location := e.Path
	if location == "" {
		location = "<input>"
	}
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s: %q", location, e.Line, e.Reason, e.Text)
	}
	return fmt.Sprintf("%s: %s: %q", location, e.Reason, e.Text)
}

// Section is one named block of a unit file.
type Section struct {
	Name   string
	keys   []string
	values map[string][]string
}

func newSection(name string) *Section {
	return &Section{Name: name, values: map[string][]string{}}
}

// Keys returns the section keys in first-seen order.
func (s *Section) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Values returns every value stored for key, in order.
func (s *Section) Values(key string) []string {
	return append([]string(nil), s.values[key]...)
}

// Get returns the last value stored for key. Later assignments win, matching
// how systemd treats single-valued settings.
func (s *Section) Get(key string) (string, bool) {
	vals := s.values[key]
	if len(vals) == 0 {
		return "", false
	}
	return vals[len(vals)-1], true
}

// Add appends a value to key.
func (s *Section) Add(key, value string) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = append(s.values[key], value)
}

// Set replaces all values of key. Calling Set without values removes the key.
func (s *Section) Set(key string, values ...string) {
	if len(values) == 0 {
		s.Delete(key)
		return
	}
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = append([]string(nil), values...)
}

// Delete removes key from the section.
func (s *Section) Delete(key string) {
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

// File is an ordered collection of sections.
type File struct {
	sections []*Section
}

// New returns an empty unit file.
func New() *File {
	return &File{}
}

// Sections returns the sections in file order.
func (f *File) Sections() []*Section {
	return append([]*Section(nil), f.sections...)
}

// Section returns the named section or nil.
func (f *File) Section(name string) *Section {
	for _, s := range f.sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// AddSection returns the named section, creating it at the end if needed.
func (f *File) AddSection(name string) *Section {
	if s := f.Section(name); s != nil {
		return s
	}
	s := newSection(name)
	f.sections = append(f.sections, s)
	return s
}

// Get returns the last value of key in section.
func (f *File) Get(section, key string) (string, bool) {
	s := f.Section(section)
	if s == nil {
		return "", false
	}
	return s.Get(key)
}

// GetBool interprets key in section as a boolean. def is returned when the
// section or key is absent.
func (f *File) GetBool(section, key string, def bool) (bool, error) {
	value, ok := f.Get(section, key)
	if !ok {
		return def, nil
	}
	b, ok := ParseBool(value)
	if !ok {
		return def, &ParseError{Text: value, Reason: fmt.Sprintf("%s.%s is not a boolean", section, key)}
	}
	return b, nil
}

// ParseBool accepts the boolean spellings systemd understands.
func ParseBool(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "yes", "y", "true", "t", "on":
		return true, true
	case "0", "no", "n", "false", "f", "off":
		return false, true
	default:
		return false, false
	}
}

// FormatBool renders b the way unit files spell booleans.
func FormatBool(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// Read parses the unit file at path.
func Read(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	f, err := Parse(fd)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.Path = path
		}
		return nil, err
	}
	return f, nil
}

// Parse reads unit text from r. Blank lines and comment lines (# or ;) are
// skipped, repeated keys accumulate and repeated section headers merge.
// Values lose surrounding whitespace.
//
// A line starting with a tab that directly follows a key line is attached to
// that value with a newline; this is the inverse of how WriteTo encodes
// embedded newlines. Nothing else spans lines.
func Parse(r io.Reader) (*File, error) {
	f := New()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		current *Section
		lastKey string
		lineNo  int
	)

	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSuffix(scanner.Text(), "\r")

		if strings.HasPrefix(raw, "\t") && current != nil && lastKey != "" {
			vals := current.values[lastKey]
			vals[len(vals)-1] += "\n" + strings.TrimPrefix(raw, "\t")
			continue
		}

		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			lastKey = ""
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, &ParseError{Line: lineNo, Text: line, Reason: "unterminated section header"}
			}
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "" {
				return nil, &ParseError{Line: lineNo, Text: line, Reason: "empty section name"}
			}
			current = f.AddSection(name)
			lastKey = ""
			continue
		}

		if current == nil {
			return nil, &ParseError{Line: lineNo, Text: line, Reason: "assignment outside of a section"}
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, &ParseError{Line: lineNo, Text: line, Reason: "expected key=value"}
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, &ParseError{Line: lineNo, Text: line, Reason: "empty key"}
		}
		current.Add(key, strings.TrimSpace(value))
		lastKey = key
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read unit: %w", err)
	}
	return f, nil
}

// WriteTo serialises the file. Every value becomes its own key=value line,
// embedded newlines are continued with a leading tab and sections are
// separated by a blank line.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	for _, s := range f.sections {
		buf.WriteString("[" + s.Name + "]\n")
		for _, key := range s.keys {
			for _, value := range s.values[key] {
				buf.WriteString(key)
				buf.WriteByte('=')
				buf.WriteString(strings.ReplaceAll(value, "\n", "\n\t"))
				buf.WriteByte('\n')
			}
		}
		buf.WriteByte('\n')
	}
	return buf.WriteTo(w)
}

// String returns the serialised form of f.
func (f *File) String() string {
	var sb strings.Builder
	_, _ = f.WriteTo(&sb)
	return sb.String()
}

// Write stores f at path through a temporary file and rename.
func (f *File) Write(path string, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(f.String()), perm); err != nil {
		return fmt.Errorf("write temp unit: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename unit: %w", err)
	}
	return nil
}
