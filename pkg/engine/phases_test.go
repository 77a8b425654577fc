package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func indexOf(order []string, phase string) int {
	for i, p := range order {
		if p == phase {
			return i
		}
	}
	return -1
}

func TestPhaseGraph_ExecutionOrder_Empty(t *testing.T) {
	g := NewPhaseGraph[string]()

	order, err := g.ExecutionOrder()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("Expected empty order, got %v", order)
	}
}

func TestPhaseGraph_AddPhase_Idempotent(t *testing.T) {
	g := NewPhaseGraph[string]()
	g.AddPhase("setup")
	g.AddPhase("setup")

	if g.Len() != 1 {
		t.Errorf("Expected 1 phase, got %d", g.Len())
	}
}

func TestPhaseGraph_ExecutionOrder_Linear(t *testing.T) {
	g := NewPhaseGraph[string]()
	if err := g.AddDependency("play", "deal"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddDependency("deal", "setup"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddDependency("score", "play"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	order, err := g.ExecutionOrder()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := []string{"setup", "deal", "play", "score"}
	if !reflect.DeepEqual(order, expected) {
		t.Errorf("Expected %v, got %v", expected, order)
	}
}

func TestPhaseGraph_ExecutionOrder_Diamond(t *testing.T) {
	g := NewPhaseGraph[string]()
	edges := [][2]string{
		{"b", "a"},
		{"c", "a"},
		{"d", "b"},
		{"d", "c"},
	}
	for _, e := range edges {
		if err := g.AddDependency(e[0], e[1]); err != nil {
			t.Fatalf("AddDependency(%s, %s) failed: %v", e[0], e[1], err)
		}
	}

	order, err := g.ExecutionOrder()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("Expected 4 phases, got %d", len(order))
	}
	for _, e := range edges {
		if indexOf(order, e[1]) > indexOf(order, e[0]) {
			t.Errorf("Expected %s before %s in %v", e[1], e[0], order)
		}
	}
}

func TestPhaseGraph_AddDependency_RejectsCycle(t *testing.T) {
	g := NewPhaseGraph[string]()
	_ = g.AddDependency("b", "a")
	_ = g.AddDependency("c", "b")

	before, err := g.ExecutionOrder()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	err = g.AddDependency("a", "c")
	if err == nil {
		t.Fatal("Expected cycle to be rejected")
	}
	if !IsDependency(err) {
		t.Errorf("Expected dependency error, got: %v", err)
	}
	if CodeOf(err) != ErrCodeCyclicDependency {
		t.Errorf("Expected code %s, got %s", ErrCodeCyclicDependency, CodeOf(err))
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("Expected cycle path in message, got: %v", err)
	}

	after, err := g.ExecutionOrder()
	if err != nil {
		t.Fatalf("Expected graph to stay acyclic, got: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("Expected order unchanged, before %v after %v", before, after)
	}
	if g.HasCycle() {
		t.Error("Expected HasCycle to be false after rollback")
	}
}

func TestPhaseGraph_AddDependency_RollsBackImplicitPhases(t *testing.T) {
	g := NewPhaseGraph[string]()
	_ = g.AddDependency("b", "a")

	if err := g.AddDependency("b", "b"); err == nil {
		t.Fatal("Expected self dependency to be rejected")
	}
	if err := g.AddDependency("a", "b"); err == nil {
		t.Fatal("Expected cycle to be rejected")
	}

	if g.Len() != 2 {
		t.Errorf("Expected 2 phases, got %d: %v", g.Len(), g.Phases())
	}
	if deps := g.DependenciesOf("a"); len(deps) != 0 {
		t.Errorf("Expected no dependencies for a, got %v", deps)
	}
}

func TestPhaseGraph_AddDependencies_AllOrNothing(t *testing.T) {
	g := NewPhaseGraph[string]()
	g.AddPhase("p")
	g.AddPhase("a")
	_ = g.AddDependency("q", "p")

	err := g.AddDependencies("p", "a", "fresh", "q")
	if err == nil {
		t.Fatal("Expected cycle through q to be rejected")
	}
	if CodeOf(err) != ErrCodeCyclicDependency {
		t.Errorf("Expected code %s, got %s", ErrCodeCyclicDependency, CodeOf(err))
	}

	if deps := g.DependenciesOf("p"); len(deps) != 0 {
		t.Errorf("Expected p to keep no dependencies, got %v", deps)
	}
	if g.Contains("fresh") {
		t.Error("Expected implicitly added phase to be removed")
	}
	if want := []string{"p", "a", "q"}; !reflect.DeepEqual(g.Phases(), want) {
		t.Errorf("Expected phases %v, got %v", want, g.Phases())
	}

	if err := g.AddDependencies("p", "a"); err != nil {
		t.Fatalf("Expected valid batch to succeed, got: %v", err)
	}
	if deps := g.DependenciesOf("p"); !reflect.DeepEqual(deps, []string{"a"}) {
		t.Errorf("Expected p -> a, got %v", deps)
	}
}

func TestPhaseGraph_AddDependency_Duplicate(t *testing.T) {
	g := NewPhaseGraph[string]()
	_ = g.AddDependency("b", "a")
	if err := g.AddDependency("b", "a"); err != nil {
		t.Fatalf("Expected duplicate edge to be accepted, got: %v", err)
	}
	if deps := g.DependenciesOf("b"); len(deps) != 1 {
		t.Errorf("Expected 1 dependency, got %v", deps)
	}
}

func TestPhaseGraph_RemovePhase(t *testing.T) {
	g := NewPhaseGraph[string]()
	_ = g.AddDependency("b", "a")
	_ = g.AddDependency("c", "b")

	if !g.RemovePhase("b") {
		t.Fatal("Expected RemovePhase to report removal")
	}
	if g.RemovePhase("b") {
		t.Error("Expected second RemovePhase to report false")
	}
	if g.Contains("b") {
		t.Error("Expected b to be gone")
	}
	if deps := g.DependenciesOf("c"); len(deps) != 0 {
		t.Errorf("Expected edges to b removed, got %v", deps)
	}

	order, err := g.ExecutionOrder()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"a", "c"}) {
		t.Errorf("Expected [a c], got %v", order)
	}
}

func TestPhaseGraph_CustomPhaseType(t *testing.T) {
	type phase int
	const (
		setup phase = iota
		turn
		cleanup
	)

	g := NewPhaseGraph[phase]()
	g.AddPhase(cleanup)
	_ = g.AddDependency(cleanup, turn)
	_ = g.AddDependency(turn, setup)

	order, err := g.ExecutionOrder()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !reflect.DeepEqual(order, []phase{setup, turn, cleanup}) {
		t.Errorf("Unexpected order %v", order)
	}
}

func TestPhaseGraph_ToDOT(t *testing.T) {
	g := NewPhaseGraph[string]()
	_ = g.AddDependency("deal", "setup")

	dot := g.ToDOT()
	if !strings.HasPrefix(dot, "digraph Phases {") {
		t.Errorf("Unexpected DOT header: %s", dot)
	}
	if !strings.Contains(dot, `"setup" -> "deal"`) {
		t.Errorf("Expected edge in DOT output: %s", dot)
	}
}

func TestError_FormatAndIs(t *testing.T) {
	cause := errors.New("boom")
	err := NewDependencyError("missing required dependency", cause).
		WithMod("core").
		WithOperation("resolve").
		WithCode(ErrCodeMissingDependency)

	msg := err.Error()
	expected := "[dependency] missing required dependency (mod=core, operation=resolve): boom"
	if msg != expected {
		t.Errorf("Expected %q, got %q", expected, msg)
	}

	if !errors.Is(err, cause) {
		t.Error("Expected error chain to include cause")
	}
	if !errors.Is(err, &Error{Class: ErrorClassDependency, Code: ErrCodeMissingDependency}) {
		t.Error("Expected errors.Is to match on class and code")
	}
	if errors.Is(err, &Error{Class: ErrorClassDependency, Code: ErrCodeCyclicDependency}) {
		t.Error("Expected errors.Is to reject a different code")
	}
}

func TestError_NoCause(t *testing.T) {
	err := ErrShutdown("event bus", "dispatch")
	if err.Error() != "[state] event bus is shut down (operation=dispatch)" {
		t.Errorf("Unexpected message: %q", err.Error())
	}
	if !IsState(err) {
		t.Error("Expected state error")
	}
	if IsParse(err) || IsRegistry(err) || IsPolicy(err) {
		t.Error("Expected only the state class to match")
	}
}

func TestError_WithDetail(t *testing.T) {
	err := NewRegistryError("duplicate id", nil).WithDetail("id", "grass")
	if err.Details["id"] != "grass" {
		t.Errorf("Expected detail id=grass, got %v", err.Details)
	}
}
