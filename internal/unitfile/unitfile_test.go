package unitfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepeatedKeysRoundTrip(t *testing.T) {
	t.Parallel()

	f := New()
	files := f.AddSection("Files")
	files.Add("BindReadOnly", "/nix/store")
	files.Add("BindReadOnly", "/nix/var/nix/db")
	files.Add("BindReadOnly", "/nix/var/nix/daemon-socket")
	files.Add("Bind", "/srv/data:/data")

	parsed, err := Parse(strings.NewReader(f.String()))
	require.NoError(t, err)

	section := parsed.Section("Files")
	require.NotNil(t, section)
	assert.Equal(t, []string{"/nix/store", "/nix/var/nix/db", "/nix/var/nix/daemon-socket"}, section.Values("BindReadOnly"))
	assert.Equal(t, []string{"/srv/data:/data"}, section.Values("Bind"))
	assert.Equal(t, 1, strings.Count(f.String(), "Bind="))
}

func TestKeyCaseIsPreserved(t *testing.T) {
	t.Parallel()

	f := New()
	f.AddSection("Exec").Add("X-Imperative", "yes")

	text := f.String()
	assert.Contains(t, text, "X-Imperative=yes")
	assert.NotContains(t, text, "x-imperative")

	parsed, err := Parse(strings.NewReader(text))
	require.NoError(t, err)

	got, ok := parsed.Get("Exec", "X-Imperative")
	require.True(t, ok)
	assert.Equal(t, "yes", got)
	_, ok = parsed.Get("Exec", "x-imperative")
	assert.False(t, ok)
}

func TestWriteLayout(t *testing.T) {
	t.Parallel()

	f := New()
	exec := f.AddSection("Exec")
	exec.Add("Boot", "no")
	exec.Add("Parameters", "/nix/var/nix/profiles/per-nspawn/web/system/init")
	network := f.AddSection("Network")
	network.Add("Port", "tcp:80:8080")
	network.Add("Port", "udp:53")

	want := "[Exec]\n" +
		"Boot=no\n" +
		"Parameters=/nix/var/nix/profiles/per-nspawn/web/system/init\n" +
		"\n" +
		"[Network]\n" +
		"Port=tcp:80:8080\n" +
		"Port=udp:53\n" +
		"\n"
	assert.Equal(t, want, f.String())
}

func TestEmbeddedNewlinesStayAttached(t *testing.T) {
	t.Parallel()

	f := New()
	s := f.AddSection("Exec")
	s.Add("Environment", "first\nsecond")
	s.Add("Boot", "no")

	text := f.String()
	assert.Contains(t, text, "Environment=first\n\tsecond\n")

	parsed, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, []string{"first\nsecond"}, parsed.Section("Exec").Values("Environment"))
	assert.Equal(t, []string{"no"}, parsed.Section("Exec").Values("Boot"))
}

func TestValueWhitespaceIsTrimmed(t *testing.T) {
	t.Parallel()

	f := New()
	env := f.AddSection("Exec")
	env.Add("Environment", " leading")
	env.Add("Environment", "trailing ")
	env.Add("Environment", "in between")

	parsed, err := Parse(strings.NewReader(f.String()))
	require.NoError(t, err)
	assert.Equal(t, []string{"leading", "trailing", "in between"}, parsed.Section("Exec").Values("Environment"))

	parsed, err = Parse(strings.NewReader("[Exec]\n  Boot =  yes \n"))
	require.NoError(t, err)
	boot, ok := parsed.Section("Exec").Get("Boot")
	require.True(t, ok)
	assert.Equal(t, "yes", boot)
}

func TestParseDoesNotJoinBackslashContinuations(t *testing.T) {
	t.Parallel()

	text := "[Exec]\nParameters=/init \\\nBoot=no\n"
	parsed, err := Parse(strings.NewReader(text))
	require.NoError(t, err)

	params, _ := parsed.Get("Exec", "Parameters")
	assert.Equal(t, `/init \`, params)
	boot, ok := parsed.Get("Exec", "Boot")
	require.True(t, ok)
	assert.Equal(t, "no", boot)
}

func TestParseToleratesBlankLinesCommentsAndDuplicateSections(t *testing.T) {
	t.Parallel()

	text := `
# generated
[Files]

Bind=/a

; second block
[Files]
Bind=/b
Value=${NOT_EXPANDED}
`
	parsed, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	require.Len(t, parsed.Sections(), 1)
	assert.Equal(t, []string{"/a", "/b"}, parsed.Section("Files").Values("Bind"))

	value, _ := parsed.Get("Files", "Value")
	assert.Equal(t, "${NOT_EXPANDED}", value)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "unterminated header", input: "[Exec\nBoot=no\n", wantErr: "unterminated section header"},
		{name: "empty header", input: "[ ]\n", wantErr: "empty section name"},
		{name: "key outside section", input: "Boot=no\n", wantErr: "outside of a section"},
		{name: "missing delimiter", input: "[Exec]\nBoot\n", wantErr: "expected key=value"},
		{name: "empty key", input: "[Exec]\n=no\n", wantErr: "empty key"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(strings.NewReader(tc.input))
			require.Error(t, err)

			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.Contains(t, err.Error(), tc.wantErr)
			assert.Positive(t, perr.Line)
		})
	}
}

func TestGetBool(t *testing.T) {
	t.Parallel()

	parsed, err := Parse(strings.NewReader("[Exec]\nEphemeral=yes\nBoot=off\nPrivateUsers=maybe\n"))
	require.NoError(t, err)

	got, err := parsed.GetBool("Exec", "Ephemeral", false)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = parsed.GetBool("Exec", "Boot", true)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = parsed.GetBool("Exec", "Missing", true)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = parsed.GetBool("Absent", "Boot", true)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = parsed.GetBool("Exec", "PrivateUsers", false)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestSetAndDelete(t *testing.T) {
	t.Parallel()

	s := New().AddSection("Network")
	s.Add("Port", "80")
	s.Add("Port", "443")
	s.Set("Port", "8080")
	assert.Equal(t, []string{"8080"}, s.Values("Port"))

	s.Set("Port")
	assert.Empty(t, s.Keys())
}

func TestWriteAndRead(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "web.nspawn")
	f := New()
	f.AddSection("Exec").Add("X-ActivationStrategy", "reload")
	require.NoError(t, f.Write(path, 0o644))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	read, err := Read(path)
	require.NoError(t, err)
	got, _ := read.Get("Exec", "X-ActivationStrategy")
	assert.Equal(t, "reload", got)
}

func TestReadAnnotatesPath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.nspawn")
	require.NoError(t, os.WriteFile(path, []byte("[Exec\n"), 0o644))

	_, err := Read(path)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, path, perr.Path)
}
