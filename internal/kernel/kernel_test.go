package kernel

import (
	"errors"
	"testing"

	"github.com/dreamware/torua/internal/globaltable"
)

type stubKernel struct {
	tables  TableAccessor
	calls   []string
	failOn  string
}

func (k *stubKernel) Run(method string, params Params) error {
	k.calls = append(k.calls, method+":"+params.String("x", ""))
	if method == k.failOn {
		return errors.New("boom")
	}
	return nil
}

func noopAccessor(tableID uint32) (*globaltable.GlobalTable, error) {
	return nil, nil
}

func TestRegistryRegisterAndNew(t *testing.T) {
	r := NewRegistry()
	var built *stubKernel
	if err := r.Register("stub", func(tables TableAccessor) Kernel {
		built = &stubKernel{tables: tables}
		return built
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	k, err := r.New("stub", noopAccessor)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if k != built {
		t.Fatalf("expected New to return the factory-built instance")
	}

	if err := k.Run("InitTables", Params{"x": "1"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(built.calls) != 1 || built.calls[0] != "InitTables:1" {
		t.Errorf("expected one recorded call, got %v", built.calls)
	}
}

func TestRegistryRegisterDuplicateNameFails(t *testing.T) {
	r := NewRegistry()
	factory := func(tables TableAccessor) Kernel { return &stubKernel{} }

	if err := r.Register("dup", factory); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := r.Register("dup", factory); err == nil {
		t.Fatal("expected an error registering the same name twice")
	}
}

func TestRegistryNewUnknownNameFails(t *testing.T) {
	r := NewRegistry()
	if _, err := r.New("missing", noopAccessor); err == nil {
		t.Fatal("expected an error constructing an unregistered kernel")
	}
}

func TestParamsStringReturnsDefaultWhenAbsent(t *testing.T) {
	p := Params{"present": "v"}
	if got := p.String("present", "def"); got != "v" {
		t.Errorf("expected 'v', got %q", got)
	}
	if got := p.String("absent", "def"); got != "def" {
		t.Errorf("expected default 'def', got %q", got)
	}
}
