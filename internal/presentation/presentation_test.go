package presentation_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/lucaos/voicelive/internal/presentation"
	"github.com/lucaos/voicelive/pkg/types"
)

func TestFuncs_NilFieldsAreIgnored(t *testing.T) {
	t.Parallel()

	var f presentation.Funcs
	f.OnAmplitude(0.5, types.SourceUser)
	f.OnVADChange(true)
	f.OnTranscript("hi", types.SourceModel)
	f.OnStatusUpdate("ok")
	f.OnConnectionChange(true)
}

func TestMulti_FansOut(t *testing.T) {
	t.Parallel()

	var a, b []string
	m := presentation.Multi{
		presentation.Funcs{Transcript: func(text string, _ types.Source) { a = append(a, text) }},
		presentation.Funcs{Transcript: func(text string, _ types.Source) { b = append(b, text) }},
	}
	m.OnTranscript("hello", types.SourceModel)
	m.OnStatusUpdate("ignored by both")

	if len(a) != 1 || len(b) != 1 || a[0] != "hello" || b[0] != "hello" {
		t.Errorf("a = %v, b = %v", a, b)
	}
}

func TestLog_WritesStructuredRecords(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := presentation.Log{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	l.OnTranscript("what's on my calendar", types.SourceUser)
	l.OnConnectionChange(false)
	l.OnAmplitude(0.3, types.SourceUser) // below default level

	out := buf.String()
	for _, want := range []string{`source=user`, `text="what's on my calendar"`, `connected=false`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "amplitude") {
		t.Errorf("amplitude logged at info level:\n%s", out)
	}
}
