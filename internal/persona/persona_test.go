package persona

import (
	"errors"
	"slices"
	"testing"

	"github.com/lucaos/voicelive/pkg/types"
)

var catalogue = []types.ToolDefinition{
	{Name: "read_file"},
	{Name: "write_file"},
	{Name: "wipeMemory"},
}

func TestToolManifest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    Persona
		want []string
	}{
		{"all tools when unrestricted", Persona{Modality: types.ModalityAudio}, []string{"read_file", "write_file", "wipeMemory"}},
		{"filtered by name", Persona{Tools: []string{"read_file"}}, []string{"read_file"}},
		{"unknown names ignored", Persona{Tools: []string{"launch_rocket"}}, nil},
		{"text persona gets none", Persona{Modality: types.ModalityText}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got []string
			for _, d := range tt.p.ToolManifest(catalogue) {
				got = append(got, d.Name)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("manifest = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry_Resolve(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(
		Persona{ID: "ASSISTANT", Voice: "Kore", Tools: []string{"read_file"}},
		Persona{ID: "DICTATION", Modality: types.ModalityText},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	p, err := r.Resolve("ASSISTANT")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Voice != "Kore" {
		t.Errorf("voice = %q", p.Voice)
	}

	// Returned tool slices are copies.
	p.Tools[0] = "mutated"
	again, _ := r.Resolve("ASSISTANT")
	if again.Tools[0] != "read_file" {
		t.Error("Resolve leaked internal slice")
	}

	if _, err := r.Resolve("NOPE"); !errors.Is(err, ErrUnknownPersona) {
		t.Errorf("err = %v, want ErrUnknownPersona", err)
	}

	if got := r.IDs(); !slices.Equal(got, []string{"ASSISTANT", "DICTATION"}) {
		t.Errorf("IDs = %v", got)
	}
}

func TestRegistry_ReplaceRejectsInvalid(t *testing.T) {
	t.Parallel()

	r, _ := NewRegistry(Persona{ID: "ASSISTANT"})
	err := r.Replace([]Persona{{ID: "A"}, {ID: "A"}, {}})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, err := r.Resolve("ASSISTANT"); err != nil {
		t.Errorf("registry changed after failed replace: %v", err)
	}
}
