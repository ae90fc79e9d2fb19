package swarm

import (
	"errors"
	"testing"

	"github.com/aymankanso/agent/internal/domain"
)

func TestNewRegistryValidation(t *testing.T) {
	a := steps()
	tests := []struct {
		name     string
		entry    string
		bindings []Binding
		want     error
	}{
		{"ok", "A", []Binding{
			bind("A", []string{"B", "Done"}, nil, a),
			bind("B", []string{"A", "B"}, nil, a),
		}, nil},
		{"unknown target", "A", []Binding{bind("A", []string{"Z"}, nil, a)}, domain.ErrInvalidInput},
		{"missing entry", "X", []Binding{bind("A", nil, nil, a)}, domain.ErrInvalidInput},
		{"unreachable", "A", []Binding{
			bind("A", []string{"Done"}, nil, a),
			bind("B", []string{"A"}, nil, a),
		}, domain.ErrInvalidInput},
		{"self only", "A", []Binding{
			bind("A", []string{"B"}, nil, a),
			bind("B", []string{"B"}, nil, a),
		}, domain.ErrInvalidInput},
		{"terminal clash", "A", []Binding{
			bind("A", []string{"Done"}, nil, a),
			bind("Done", nil, nil, a),
		}, domain.ErrInvalidInput},
		{"duplicate", "A", []Binding{bind("A", nil, nil, a), bind("A", nil, nil, a)}, domain.ErrDuplicate},
		{"no implementation", "A", []Binding{bind("A", nil, nil, nil)}, domain.ErrInvalidInput},
		{"empty name", "A", []Binding{bind("A", nil, nil, a), bind("", nil, nil, a)}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.entry, "", tt.bindings)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRegistryLookups(t *testing.T) {
	r, err := NewRegistry("planner", "End", []Binding{
		bind("recon", []string{"planner", "End"}, []string{"scan"}, steps()),
		bind("planner", []string{"recon"}, nil, steps()),
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Entry() != "planner" || r.Terminal() != "End" {
		t.Errorf("entry/terminal = %s/%s", r.Entry(), r.Terminal())
	}
	if got := r.Names(); len(got) != 2 || got[0] != "planner" {
		t.Errorf("Names = %v", got)
	}
	if !r.Allowed("planner", "recon") || r.Allowed("planner", "End") || !r.Allowed("recon", "End") {
		t.Error("Allowed does not follow the transition table")
	}
	if b, ok := r.Lookup("recon"); !ok || b.Descriptor.Capabilities[0] != "scan" {
		t.Errorf("Lookup(recon) = %+v, %v", b, ok)
	}
	if _, ok := r.Lookup("ghost"); ok {
		t.Error("Lookup(ghost) should fail")
	}
	if d := r.Descriptors(); len(d) != 2 || d[1].Name != "recon" {
		t.Errorf("Descriptors = %+v", d)
	}
}

type forgetfulAgent struct {
	domain.Agent
	forgot []string
}

func (f *forgetfulAgent) Forget(id string) { f.forgot = append(f.forgot, id) }

func TestRegistryRelease(t *testing.T) {
	fa := &forgetfulAgent{Agent: steps()}
	r, err := NewRegistry("A", "", []Binding{
		bind("A", []string{"B"}, nil, fa),
		bind("B", []string{"Done"}, nil, steps()),
	})
	if err != nil {
		t.Fatal(err)
	}
	r.Release("s9")
	if len(fa.forgot) != 1 || fa.forgot[0] != "s9" {
		t.Errorf("forgot = %v", fa.forgot)
	}
}
