package flatten

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/querydag/internal/query"
)

func rosterTree() query.Tree {
	roster := query.Fn("roster")
	return query.Tree{
		"docs": query.JoinOn(
			roster.CallKw(map[string]any{"course": query.Param("course_id")}),
			query.SelectFrom(
				query.KeysOf("doc_text", "student", map[string]any{"STUDENT": query.Ref("students")}),
				map[string]string{"text": "text"},
			),
			"student", "context.value",
		),
		"students": roster.Call(query.Param("course_id")),
	}
}

func TestFlatten_HoistsNestedNodes(t *testing.T) {
	got, err := Flatten(rosterTree())
	require.NoError(t, err)
	want := &Graph{
		Nodes: map[string]any{
			"docs": query.Join{
				Left:    query.Variable{Name: "impl.docs.left"},
				Right:   query.Variable{Name: "impl.docs.right"},
				LeftOn:  "student",
				RightOn: "context.value",
			},
			"impl.docs.left": query.Call{
				Function: "roster",
				Kwargs:   map[string]any{"course": query.Variable{Name: "impl.docs.left.kwargs.course"}},
			},
			"impl.docs.left.kwargs.course": query.Parameter{Name: "course_id"},
			"impl.docs.right": query.Select{
				Keys:   query.Variable{Name: "impl.docs.right.keys"},
				Fields: map[string]string{"text": "text"},
			},
			"impl.docs.right.keys": query.Keys{
				Function:  "doc_text",
				ValuePath: "student",
				Extra:     map[string]any{"STUDENT": query.Variable{Name: "students"}},
			},
			"students": query.Call{
				Function: "roster",
				Args:     []any{query.Variable{Name: "impl.students.args.0"}},
				Kwargs:   map[string]any{},
			},
			"impl.students.args.0": query.Parameter{Name: "course_id"},
		},
		Returns: []string{"docs", "students"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("graph mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, got.Validate())
}

func TestFlatten_WalksPlainData(t *testing.T) {
	tree := query.Tree{
		"report": map[string]any{
			"meta":  map[string]any{"course": query.Param("course")},
			"items": []any{query.Fn("a").Call(), "literal", query.Ref("other")},
		},
		"other": 42,
	}
	got, err := Flatten(tree)
	require.NoError(t, err)
	want := &Graph{
		Nodes: map[string]any{
			"report": map[string]any{
				"meta":  map[string]any{"course": query.Variable{Name: "impl.report.meta.course"}},
				"items": []any{query.Variable{Name: "impl.report.items.0"}, "literal", query.Variable{Name: "other"}},
			},
			"impl.report.meta.course": query.Parameter{Name: "course"},
			"impl.report.items.0":     query.Call{Function: "a", Kwargs: map[string]any{}},
			"other":                   42,
		},
		Returns: []string{"other", "report"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("graph mismatch (-want +got):\n%s", diff)
	}
}

func TestFlatten_DoesNotModifyTree(t *testing.T) {
	tree := rosterTree()
	_, err := Flatten(tree)
	require.NoError(t, err)
	if diff := cmp.Diff(rosterTree(), tree); diff != "" {
		t.Fatalf("tree was modified (-want +got):\n%s", diff)
	}
}

func TestReflatten_Idempotent(t *testing.T) {
	g, err := Flatten(rosterTree())
	require.NoError(t, err)
	again, err := Reflatten(g)
	require.NoError(t, err)
	if diff := cmp.Diff(g, again); diff != "" {
		t.Fatalf("reflatten changed the graph (-want +got):\n%s", diff)
	}
}

func TestFlattenOrdered(t *testing.T) {
	g, err := FlattenOrdered(rosterTree(), []string{"students", "docs"})
	require.NoError(t, err)
	require.Equal(t, []string{"students", "docs"}, g.Returns)

	g, err = FlattenOrdered(rosterTree(), []string{"students"})
	require.NoError(t, err)
	require.Equal(t, []string{"students"}, g.Returns)
	require.Contains(t, g.Nodes, "docs")

	_, err = FlattenOrdered(rosterTree(), []string{"nope"})
	require.ErrorIs(t, err, ErrUnknownRoot)
}

func TestValidate(t *testing.T) {
	g := &Graph{
		Nodes: map[string]any{
			"a": query.Zip(query.Ref("b"), query.Ref("missing")),
			"b": []any{1},
		},
		Returns: []string{"a", "gone"},
	}
	err := g.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMissingDependency))
	require.Contains(t, err.Error(), `"gone"`)
	require.Contains(t, err.Error(), `"missing" referenced by "a"`)
}

func TestFlatten_NameCollision(t *testing.T) {
	t.Run("dotted root overlaps a hoisted path", func(t *testing.T) {
		tree := query.Tree{
			"a":        query.Fn("outer").Call(query.Fn("f").Call(query.Fn("h").Call())),
			"a.args.0": query.Fn("other").Call(query.Fn("g").Call()),
		}
		_, err := Flatten(tree)
		require.ErrorIs(t, err, ErrNameCollision)
		require.Contains(t, err.Error(), `"impl.a.args.0.args.0"`)
	})

	t.Run("root named like a hoisted entry", func(t *testing.T) {
		tree := query.Tree{
			"x":             query.Fn("f").Call(query.Param("p")),
			"impl.x.args.0": query.Param("q"),
		}
		_, err := Flatten(tree)
		require.ErrorIs(t, err, ErrNameCollision)
	})

	t.Run("reflatten", func(t *testing.T) {
		g := &Graph{
			Nodes: map[string]any{
				"y":             query.Fn("f").Call(query.Fn("g").Call()),
				"impl.y.args.0": query.Param("p"),
			},
			Returns: []string{"y"},
		}
		_, err := Reflatten(g)
		require.ErrorIs(t, err, ErrNameCollision)
	})
}
