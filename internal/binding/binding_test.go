package binding

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/querydag/internal/executor"
	"github.com/hanpama/querydag/internal/flatten"
	"github.com/hanpama/querydag/internal/kvs"
	"github.com/hanpama/querydag/internal/query"
	"github.com/hanpama/querydag/internal/registry"
)

func testExecutor() (*executor.Executor, *registry.Counting) {
	reg := registry.New().MustRegister("roster", registry.Sync(func(_ []any, kwargs map[string]any) (any, error) {
		return []any{map[string]any{"student": "s-0", "course": kwargs["course"]}}, nil
	}))
	fns := registry.NewCounting(reg)
	store := kvs.NewMemory(map[string]any{"docs-s-0": map[string]any{"text": "essay"}})
	return executor.New(fns, store), fns
}

func docsWithRoster() query.Tree {
	return query.Tree{
		"roster": query.Fn("roster").CallKw(map[string]any{"course": query.Param("course")}),
		"docs": query.SelectFrom(
			query.KeysOf("docs", "student", map[string]any{"students": query.Ref("roster")}),
			map[string]string{"text": "text"},
		),
	}
}

func TestBind(t *testing.T) {
	exec, fns := testExecutor()
	set, err := Bind(map[string]query.Tree{"docs_with_roster": docsWithRoster()}, exec)
	require.NoError(t, err)
	require.Equal(t, []string{"docs_with_roster"}, set.Names())

	q, err := set.Func("docs_with_roster")
	require.NoError(t, err)

	res := q(context.Background(), map[string]any{"course": "c1"})
	require.NoError(t, res.Err())
	require.Equal(t, "essay", executor.Lookup(res.Data["docs"], "0.text"))
	require.Equal(t, "c1", executor.Lookup(res.Data["roster"], "0.course"))

	t.Run("calls do not share state", func(t *testing.T) {
		fns.Reset()
		res := q(context.Background(), map[string]any{"course": "c2"})
		require.NoError(t, res.Err())
		require.Equal(t, "c2", executor.Lookup(res.Data["roster"], "0.course"))
		require.Equal(t, 1, fns.Count("roster"))
	})

	t.Run("concurrent calls", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				course := string(rune('a' + i))
				res, err := set.Run(context.Background(), "docs_with_roster", map[string]any{"course": course})
				if err != nil || res.Err() != nil {
					t.Errorf("run %d: %v %v", i, err, res.Err())
					return
				}
				if got := executor.Lookup(res.Data["roster"], "0.course"); got != course {
					t.Errorf("run %d: course %v", i, got)
				}
			}()
		}
		wg.Wait()
	})
}

func TestBindErrors(t *testing.T) {
	exec, _ := testExecutor()
	set := New(exec)
	require.NoError(t, set.Bind("q", docsWithRoster()))
	require.ErrorIs(t, set.Bind("q", docsWithRoster()), ErrAlreadyBound)

	err := set.Bind("broken", query.Tree{"x": query.Ref("nowhere")})
	require.ErrorIs(t, err, executor.ErrMissingDependency)

	err = set.Bind("clash", query.Tree{
		"a":             query.Fn("roster").Call(query.Fn("roster").Call()),
		"impl.a.args.0": query.Param("course"),
	})
	require.ErrorIs(t, err, flatten.ErrNameCollision)
	_, err = set.Func("clash")
	require.ErrorIs(t, err, ErrUnknownQuery)

	_, err = set.Run(context.Background(), "absent", nil)
	require.ErrorIs(t, err, ErrUnknownQuery)
	_, err = set.Func("absent")
	require.ErrorIs(t, err, ErrUnknownQuery)
}

func TestTemplateIsNotModified(t *testing.T) {
	exec, _ := testExecutor()
	tree := docsWithRoster()
	set := New(exec)
	require.NoError(t, set.Bind("q", tree))
	_, err := set.Run(context.Background(), "q", map[string]any{"course": "c1"})
	require.NoError(t, err)
	if diff := cmp.Diff(docsWithRoster(), tree); diff != "" {
		t.Fatalf("template changed (-want +got):\n%s", diff)
	}
	got, ok := set.Template("q")
	require.True(t, ok)
	require.Equal(t, tree, got)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	write("roster.json", `{"students": {"dispatch": "call", "function_name": "roster", "args": [], "kwargs": {"course": {"dispatch": "parameter", "parameter_name": "course"}}}}`)
	write("docs.yaml", `
docs:
  dispatch: select
  keys:
    dispatch: keys
    function: docs
    value_path: student
    students:
      dispatch: variable
      variable_name: students
  fields:
    text: text
students:
  dispatch: call
  function_name: roster
  args: []
  kwargs: {}
`)
	write("README.md", "not a query")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.json"), 0o700))

	templates, err := LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"docs", "roster"}, query.SortedKeys(templates))

	want := query.Tree{
		"students": query.Call{Function: "roster", Kwargs: map[string]any{"course": query.Param("course")}},
	}
	if diff := cmp.Diff(want, templates["roster"]); diff != "" {
		t.Fatalf("roster mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, query.KindSelect, templates["docs"]["docs"].(query.Node).Kind())

	exec, _ := testExecutor()
	set, err := Bind(templates, exec)
	require.NoError(t, err)
	res, err := set.Run(context.Background(), "docs", nil)
	require.NoError(t, err)
	require.NoError(t, res.Err())
	require.Equal(t, "essay", executor.Lookup(res.Data["docs"], "0.text"))
}

func TestLoadDirErrors(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(`{}`), 0o600))
	_, err = LoadDir(dir)
	require.ErrorIs(t, err, ErrAlreadyBound)

	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`[1, 2]`), 0o600))
	_, err = LoadDir(dir)
	require.ErrorIs(t, err, query.ErrMalformed)
}
