package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"scrapeq/internal/results"
)

type stubHandler struct {
	desc Descriptor
	deps Deps
}

func (h *stubHandler) Descriptor() Descriptor                 { return h.desc }
func (h *stubHandler) Validate(payload json.RawMessage) error { return nil }
func (h *stubHandler) Execute(ctx context.Context, payload json.RawMessage) ([]results.Record, error) {
	return nil, nil
}

func ctorFor(desc Descriptor) Constructor {
	return func(deps Deps) Handler {
		return &stubHandler{desc: desc, deps: deps}
	}
}

func TestRegisterAndCreate(t *testing.T) {
	reg := New()
	desc := Descriptor{Name: "http-fetch", Type: "fetch", Version: "1.0.0"}
	if err := reg.Register(desc, ctorFor(desc)); err != nil {
		t.Fatalf("register: %v", err)
	}

	handler, err := reg.Create("fetch", Deps{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if handler.Descriptor() != desc {
		t.Errorf("expected descriptor %+v, got %+v", desc, handler.Descriptor())
	}
}

func TestRegisterIdempotent(t *testing.T) {
	reg := New()
	desc := Descriptor{Name: "http-fetch", Type: "fetch", Version: "1.0.0"}
	if err := reg.Register(desc, ctorFor(desc)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// Same descriptor again is a no-op.
	if err := reg.Register(desc, ctorFor(desc)); err != nil {
		t.Fatalf("re-register with identical descriptor: %v", err)
	}

	// A different handler on the same type is refused.
	other := Descriptor{Name: "http-fetch", Type: "fetch", Version: "2.0.0"}
	err := reg.Register(other, ctorFor(other))
	if !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := New()
	if err := reg.Register(Descriptor{Name: "x"}, ctorFor(Descriptor{})); err == nil {
		t.Errorf("expected empty type to be rejected")
	}
	if err := reg.Register(Descriptor{Name: "x", Type: "fetch"}, nil); err == nil {
		t.Errorf("expected nil constructor to be rejected")
	}
}

func TestCreateUnknownType(t *testing.T) {
	reg := New()
	_, err := reg.Create("nope", Deps{})
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestCreateInjectsDeps(t *testing.T) {
	reg := New()
	desc := Descriptor{Name: "http-fetch", Type: "fetch", Version: "1.0.0"}
	if err := reg.Register(desc, ctorFor(desc)); err != nil {
		t.Fatalf("register: %v", err)
	}

	store := &results.Store{}
	handler, err := reg.Create("fetch", Deps{Results: store})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if handler.(*stubHandler).deps.Results != store {
		t.Errorf("expected injected results store to reach the handler")
	}
}

func TestTypes(t *testing.T) {
	reg := New()
	for _, taskType := range []string{"fetch", "score", "export"} {
		desc := Descriptor{Name: taskType, Type: taskType, Version: "1.0.0"}
		if err := reg.Register(desc, ctorFor(desc)); err != nil {
			t.Fatalf("register %s: %v", taskType, err)
		}
	}
	types := reg.Types()
	sort.Strings(types)
	want := []string{"export", "fetch", "score"}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
}
