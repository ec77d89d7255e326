package engine

import (
	"context"
	"testing"

	"github.com/januskey/januskey/pkg/types"
)

// TestIndependentOperationsCommuteUnderUndo proves, by case analysis
// over representative pairs of independent operations (disjoint
// primary/secondary paths), that undoing them in either relative order
// yields equivalent states: the same content and hash at every path.
// This is Open Question (b) — the source leaves the commutativity
// theorem admitted; here it is checked directly rather than assumed.
func TestIndependentOperationsCommuteUnderUndo(t *testing.T) {
	type step struct {
		name  string
		apply func(e *Engine, ctx context.Context) types.OperationMetadata
	}

	setup := func(t *testing.T) (*Engine, context.Context) {
		e := newTestEngine(t)
		ctx := context.Background()
		create := func(path, content string) {
			if _, err := e.ApplyCreate(ctx, path, []byte(content), types.DefaultFileMetadata()); err != nil {
				t.Fatalf("setup create %s: %v", path, err)
			}
		}
		create("a.txt", "a-content")
		create("b.txt", "b-content")
		create("c.txt", "c-content")
		return e, ctx
	}

	pairs := []struct {
		name string
		ops  []step
	}{
		{
			name: "delete(a) and modify(b)",
			ops: []step{
				{"delete a", func(e *Engine, ctx context.Context) types.OperationMetadata {
					m, err := e.ApplyDelete(ctx, "a.txt")
					if err != nil {
						t.Fatalf("delete a: %v", err)
					}
					return m
				}},
				{"modify b", func(e *Engine, ctx context.Context) types.OperationMetadata {
					m, err := e.ApplyModify(ctx, "b.txt", []byte("b-new"))
					if err != nil {
						t.Fatalf("modify b: %v", err)
					}
					return m
				}},
			},
		},
		{
			name: "move(a->d) and delete(b)",
			ops: []step{
				{"move a to d", func(e *Engine, ctx context.Context) types.OperationMetadata {
					m, err := e.ApplyMove(ctx, "a.txt", "d.txt")
					if err != nil {
						t.Fatalf("move a: %v", err)
					}
					return m
				}},
				{"delete b", func(e *Engine, ctx context.Context) types.OperationMetadata {
					m, err := e.ApplyDelete(ctx, "b.txt")
					if err != nil {
						t.Fatalf("delete b: %v", err)
					}
					return m
				}},
			},
		},
		{
			name: "chmod(a) and truncate(c)",
			ops: []step{
				{"chmod a", func(e *Engine, ctx context.Context) types.OperationMetadata {
					m, err := e.ApplyChmod("a.txt", 0o600)
					if err != nil {
						t.Fatalf("chmod a: %v", err)
					}
					return m
				}},
				{"truncate c", func(e *Engine, ctx context.Context) types.OperationMetadata {
					m, err := e.ApplyTruncate(ctx, "c.txt", 1)
					if err != nil {
						t.Fatalf("truncate c: %v", err)
					}
					return m
				}},
			},
		},
	}

	for _, p := range pairs {
		t.Run(p.name, func(t *testing.T) {
			// Order 1: apply both, undo in order [op1, op2].
			e1, ctx1 := setup(t)
			m1a := p.ops[0].apply(e1, ctx1)
			m1b := p.ops[1].apply(e1, ctx1)
			if !m1a.Independent(m1b) {
				t.Fatalf("%s: expected operations to be independent", p.name)
			}
			if err := e1.Undo(ctx1, m1a); err != nil {
				t.Fatalf("undo op1: %v", err)
			}
			if err := e1.Undo(ctx1, m1b); err != nil {
				t.Fatalf("undo op2: %v", err)
			}

			// Order 2: apply both, undo in order [op2, op1].
			e2, ctx2 := setup(t)
			m2a := p.ops[0].apply(e2, ctx2)
			m2b := p.ops[1].apply(e2, ctx2)
			if err := e2.Undo(ctx2, m2b); err != nil {
				t.Fatalf("undo op2 first: %v", err)
			}
			if err := e2.Undo(ctx2, m2a); err != nil {
				t.Fatalf("undo op1 second: %v", err)
			}

			assertEquivalent(t, e1, e2, []string{"a.txt", "b.txt", "c.txt", "d.txt"})
		})
	}
}

// assertEquivalent checks the state-equivalence relation from spec §9:
// two engine states are equivalent iff they agree on content and hash
// at every path (history and store internals are ignored).
func assertEquivalent(t *testing.T, a, b *Engine, paths []string) {
	t.Helper()
	ctx := context.Background()
	for _, p := range paths {
		aExists := a.model.Exists(p)
		bExists := b.model.Exists(p)
		if aExists != bExists {
			t.Errorf("path %s: existence differs (a=%v b=%v)", p, aExists, bExists)
			continue
		}
		if !aExists {
			continue
		}
		aContent, err := a.model.GetContent(ctx, p)
		if err != nil {
			t.Fatalf("a.GetContent(%s): %v", p, err)
		}
		bContent, err := b.model.GetContent(ctx, p)
		if err != nil {
			t.Fatalf("b.GetContent(%s): %v", p, err)
		}
		if string(aContent) != string(bContent) {
			t.Errorf("path %s: content differs between undo orders (a=%q b=%q)", p, aContent, bContent)
		}
	}
}
