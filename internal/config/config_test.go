package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeFile(t, dir, "querydag.yaml", `
run_mode: production
log:
  level: debug
server:
  addr: ":9000"
  timeout: 2s
store:
  backend: badger
  badger_path: /var/lib/querydag
executor:
  select_concurrency: 4
  key_fields: [courses, students]
remote:
  endpoints: ["localhost:7000"]
  max_conns: 4
  functions:
    students: /school.Roster/Students
`)
	writeFile(t, dir, ".env", "QUERYDAG_LOG_FORMAT=json\n")
	t.Cleanup(func() { os.Unsetenv("QUERYDAG_LOG_FORMAT") })
	t.Setenv("QUERYDAG_SELECT_CONCURRENCY", "8")
	t.Setenv("QUERYDAG_ADDR", ":9100")

	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.RunMode = Production
	want.Log = Log{Level: "debug", Format: "json"}
	want.Server.Addr = ":9100"
	want.Server.Timeout = 2 * time.Second
	want.Store = Store{Backend: BackendBadger, BadgerPath: "/var/lib/querydag"}
	want.Executor = Executor{SelectConcurrency: 8, KeyFields: []string{"courses", "students"}}
	want.Remote.Endpoints = []string{"localhost:7000"}
	want.Remote.MaxConns = 4
	want.Remote.Functions = map[string]string{"students": "/school.Roster/Students"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		t.Chdir(t.TempDir())
		_, err := Load("does-not-exist.yaml")
		require.ErrorIs(t, err, os.ErrNotExist)
	})
	t.Run("bad run mode", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("QUERYDAG_RUN_MODE", "staging")
		_, err := Load("")
		require.ErrorContains(t, err, "unknown run mode")
	})
	t.Run("bad concurrency", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("QUERYDAG_SELECT_CONCURRENCY", "many")
		_, err := Load("")
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = BackendRedis
	cfg.Executor.SelectConcurrency = 0
	cfg.Remote.Functions = map[string]string{"f": "/svc/F"}
	cfg.Remote.MaxConns = 0
	err := cfg.Validate()
	require.ErrorContains(t, err, "redis_url")
	require.ErrorContains(t, err, "max_conns")
	require.ErrorContains(t, err, "select_concurrency")
	require.ErrorContains(t, err, "remote.endpoints")

	cfg = Default()
	cfg.Store = Store{Backend: BackendBadger, BadgerInMemory: true}
	require.NoError(t, cfg.Validate())
}

func TestParseRunMode(t *testing.T) {
	for in, want := range map[string]RunMode{"dev": Development, "Production": Production, " prod ": Production} {
		got, err := ParseRunMode(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseRunMode("")
	require.Error(t, err)
}
