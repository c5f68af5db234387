package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/querydag/internal/binding"
	"github.com/hanpama/querydag/internal/eventbus"
	"github.com/hanpama/querydag/internal/events"
	"github.com/hanpama/querydag/internal/executor"
	"github.com/hanpama/querydag/internal/kvs"
	"github.com/hanpama/querydag/internal/query"
	"github.com/hanpama/querydag/internal/registry"
)

func newTestHandler(t *testing.T, hello registry.Function, opts ...Option) *Handler {
	t.Helper()
	if hello == nil {
		hello = registry.Sync(func(_ []any, kwargs map[string]any) (any, error) {
			return "hello " + kwargs["name"].(string), nil
		})
	}
	reg := registry.New().MustRegister("hello", hello)
	exec := executor.New(reg, kvs.NewMemory(nil))
	set, err := binding.Bind(map[string]query.Tree{
		"greet": {"greeting": query.Fn("hello").CallKw(map[string]any{"name": query.Param("name")})},
	}, exec)
	require.NoError(t, err)
	h, err := New(set, opts...)
	require.NoError(t, err)
	return h
}

func post(h http.Handler, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestRunQuery(t *testing.T) {
	h := newTestHandler(t, nil)
	w := post(h, "/queries/greet", `{"name":"ada"}`)
	require.Equal(t, http.StatusOK, w.Code)
	want := map[string]any{"data": map[string]any{"greeting": "hello ada"}}
	if diff := cmp.Diff(want, decode(t, w)); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}

	t.Run("missing parameter", func(t *testing.T) {
		w := post(h, "/queries/greet", ``)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode(t, w)
		errs := got["errors"].([]any)
		require.Len(t, errs, 1)
		require.Equal(t, "greeting", errs[0].(map[string]any)["name"])
	})

	t.Run("unknown query", func(t *testing.T) {
		w := post(h, "/queries/nope", `{}`)
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		w := post(h, "/queries/greet", `{`)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("content type", func(t *testing.T) {
		w := post(h, "/queries/greet", `{}`, "Content-Type", "text/plain")
		require.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	})
}

func TestListAndDescribe(t *testing.T) {
	h := newTestHandler(t, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/queries", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []any{"greet"}, decode(t, w)["queries"])

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/queries/greet", nil))
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	require.Equal(t, []any{"greeting"}, got["returns"])
	greeting := got["query"].(map[string]any)["greeting"].(map[string]any)
	require.Equal(t, "call", greeting[query.DispatchField])

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/queries/absent", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestExecute(t *testing.T) {
	h := newTestHandler(t, nil)
	body := `{
		"query": {
			"a": {"dispatch": "call", "function_name": "hello", "args": [], "kwargs": {"name": {"dispatch": "parameter", "parameter_name": "who"}}},
			"b": {"dispatch": "variable", "variable_name": "a"}
		},
		"parameters": {"who": "bob"},
		"returns": ["b"]
	}`
	w := post(h, "/execute", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	want := map[string]any{"data": map[string]any{"b": "hello bob"}}
	if diff := cmp.Diff(want, decode(t, w)); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}

	for name, body := range map[string]string{
		"missing query":  `{"parameters": {}}`,
		"malformed node": `{"query": {"a": {"dispatch": "call"}}}`,
		"unknown return": `{"query": {"a": 1}, "returns": ["z"]}`,
		"dangling ref":   `{"query": {"a": {"dispatch": "variable", "variable_name": "z"}}}`,
		"empty body":     ``,
		"name collision": `{"query": {
			"a": {"dispatch": "call", "function_name": "hello", "args": [{"dispatch": "call", "function_name": "hello", "args": [], "kwargs": {}}], "kwargs": {}},
			"impl.a.args.0": 1
		}}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := post(h, "/execute", body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	t.Run("disabled", func(t *testing.T) {
		h := newTestHandler(t, nil, WithAdHoc(false))
		w := post(h, "/execute", body)
		require.NotEqual(t, http.StatusOK, w.Code)
	})
}

func capture(out *metadata.MD) registry.Function {
	return registry.Func(func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		*out, _ = metadata.FromOutgoingContext(ctx)
		return "world", nil
	})
}

func TestForwardedHeaders(t *testing.T) {
	var captured metadata.MD
	h := newTestHandler(t, capture(&captured), WithMetadataHeaders("X-Test"))

	w := post(h, "/queries/greet", `{"name":"x"}`, "X-Test", "abc", "X-Other", "nope")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"abc"}, captured.Get("x-test"))
	require.Empty(t, captured.Get("x-other"))
}

func TestForwardedHeadersDefaultEmpty(t *testing.T) {
	var captured metadata.MD
	h := newTestHandler(t, capture(&captured))

	w := post(h, "/queries/greet", `{"name":"x"}`, "X-Test", "abc")
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, captured.Get("x-test"))
}

func TestCORSAndPreflight(t *testing.T) {
	h := newTestHandler(t, nil, WithCORS("*"))

	req := httptest.NewRequest("OPTIONS", "/queries/greet", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "Content-Type", w.Header().Get("Access-Control-Allow-Headers"))

	w = post(h, "/queries/greet", `{"name":"x"}`, "Origin", "http://example.com")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	t.Run("specific origin", func(t *testing.T) {
		h := newTestHandler(t, nil, WithCORS("http://ok.test"))
		w := post(h, "/queries/greet", `{"name":"x"}`, "Origin", "http://ok.test")
		require.Equal(t, "http://ok.test", w.Header().Get("Access-Control-Allow-Origin"))
		require.Equal(t, "Origin", w.Header().Get("Vary"))

		w = post(h, "/queries/greet", `{"name":"x"}`, "Origin", "http://evil.test")
		require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestMaxBodyBytes(t *testing.T) {
	h := newTestHandler(t, nil, WithMaxBodyBytes(10))
	w := post(h, "/queries/greet", `{"name":"a very long name"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	require.Contains(t, w.Body.String(), errBodyTooLargeMessage)
}

func TestRequestID(t *testing.T) {
	var captured metadata.MD
	h := newTestHandler(t, capture(&captured))
	w := post(h, "/queries/greet", `{"name":"x"}`)
	require.Equal(t, http.StatusOK, w.Code)

	id := w.Header().Get(RequestIDHeader)
	require.NotEmpty(t, id)
	require.Equal(t, []string{id}, captured.Get(strings.ToLower(RequestIDHeader)))
}

func TestPretty(t *testing.T) {
	h := newTestHandler(t, nil, WithPretty())
	w := post(h, "/queries/greet", `{"name":"x"}`)
	require.Contains(t, w.Body.String(), "\n  \"data\"")
}

func TestMetricsHandler(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	h := newTestHandler(t, nil, WithMetricsHandler(metrics))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, "# metrics\n", w.Body.String())

	h = newTestHandler(t, nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPEvents(t *testing.T) {
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })
	var finished []events.HTTPFinish
	eventbus.Subscribe(func(_ context.Context, e events.HTTPFinish) { finished = append(finished, e) })

	h := newTestHandler(t, nil)
	post(h, "/queries/greet", `{"name":"x"}`)
	require.Len(t, finished, 1)
	require.Equal(t, "POST /queries/{name}", finished[0].Route)
	require.Equal(t, http.StatusOK, finished[0].Status)
}
