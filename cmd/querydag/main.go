package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"

	"github.com/hanpama/querydag/internal/binding"
	"github.com/hanpama/querydag/internal/config"
	"github.com/hanpama/querydag/internal/ctxlog"
	"github.com/hanpama/querydag/internal/eventbus"
	"github.com/hanpama/querydag/internal/executor"
	"github.com/hanpama/querydag/internal/flatten"
	"github.com/hanpama/querydag/internal/kvs"
	"github.com/hanpama/querydag/internal/otel"
	"github.com/hanpama/querydag/internal/query"
	"github.com/hanpama/querydag/internal/registry"
	"github.com/hanpama/querydag/internal/remotefn"
	"github.com/hanpama/querydag/internal/server"
)

const rootUsage = `querydag: memoized query graphs over functions and key-value stores

USAGE:
  querydag <command> [flags]

COMMANDS:
  serve            Serve bound queries over HTTP
  run              Execute one query and print the result
  flatten          Print the flat graph of a query file
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -config <file>                      YAML configuration file
  -queries <dir>                      Directory of query templates (*.json, *.yaml)
  -addr <addr>                        HTTP listen address (default: :8080)
  -pretty                             Pretty-print JSON responses
  -timeout <duration>                 Per-request timeout, e.g. 10s
  -run-mode <mode>                    development or production
  -metadata-header <name>             Forward HTTP header to gRPC metadata. Repeatable
  -remote.endpoint <host:port>        Endpoint serving remote functions. Repeatable
  -remote.function <name=/Svc/Method> Register a remote function. Repeatable
`

const runUsage = `run FLAGS:
  -config <file>        YAML configuration file
  -file <file>          Query file to execute
  -queries <dir>        Directory of query templates, used with -query
  -query <name>         Bound query to execute
  -params <json>        Parameter object (default: {})
  -seed <file>          JSON object of key/value pairs written to the store first
  -run-mode <mode>      development or production
  -remote.endpoint <host:port>, -remote.function <name=/Svc/Method>  As for serve
  -pretty               Pretty-print the result
`

const flattenUsage = `flatten FLAGS:
  -file <file>   Query file to flatten (required)
  -pretty        Pretty-print the graph
`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, rootUsage)
		return errors.New("missing command")
	}
	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs, stderr)
	case "run":
		return cmdRun(cmdArgs, stdout, stderr)
	case "flatten":
		return cmdFlatten(cmdArgs, stdout, stderr)
	case "help", "-h", "-help", "--help":
		return cmdHelp(cmdArgs, stdout)
	default:
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "run":
		fmt.Fprint(stdout, runUsage)
	case "flatten":
		fmt.Fprint(stdout, flattenUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return strings.Join(*s, ",") }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type functionFlag map[string]string

func (f functionFlag) String() string { return "" }

func (f functionFlag) Set(v string) error {
	name, method, ok := strings.Cut(v, "=")
	name, method = strings.TrimSpace(name), strings.TrimSpace(method)
	if !ok || name == "" || method == "" {
		return fmt.Errorf("invalid function mapping %q", v)
	}
	f[name] = method
	return nil
}

// common holds the flags shared by serve and run.
type common struct {
	configPath string
	queriesDir string
	runMode    string
	endpoints  stringListFlag
	functions  functionFlag
}

func (c *common) register(fs *flag.FlagSet) {
	c.functions = functionFlag{}
	fs.StringVar(&c.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&c.queriesDir, "queries", "", "Directory of query templates")
	fs.StringVar(&c.runMode, "run-mode", "", "development or production")
	fs.Var(&c.endpoints, "remote.endpoint", "Endpoint serving remote functions")
	fs.Var(c.functions, "remote.function", "Register a remote function")
}

// load reads the configuration and applies flag overrides.
func (c *common) load() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.queriesDir != "" {
		cfg.Queries.Dir = c.queriesDir
	}
	if c.runMode != "" {
		if cfg.RunMode, err = config.ParseRunMode(c.runMode); err != nil {
			return nil, err
		}
	}
	if len(c.endpoints) > 0 {
		cfg.Remote.Endpoints = c.endpoints
	}
	if len(c.functions) > 0 {
		if cfg.Remote.Functions == nil {
			cfg.Remote.Functions = map[string]string{}
		}
		for name, method := range c.functions {
			cfg.Remote.Functions[name] = method
		}
	}
	return cfg, cfg.Validate()
}

// app is the wired engine shared by serve and run.
type app struct {
	logger    *slog.Logger
	store     kvs.Backend
	transport *remotefn.Transport
	exec      *executor.Executor
}

func newApp(ctx context.Context, cfg *config.Config, stderr io.Writer) (*app, error) {
	logger := ctxlog.New(cfg.Log.Level, cfg.Log.Format, stderr)
	store, err := kvs.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{logger: logger, store: store}

	reg := registry.New()
	if len(cfg.Remote.Functions) > 0 {
		a.transport = remotefn.New(
			remotefn.WithProvider(remotefn.SharedEndpoints(cfg.Remote.Endpoints)),
			remotefn.WithRPCTimeout(cfg.Remote.Timeout),
			remotefn.WithMaxConnsPerEndpoint(cfg.Remote.MaxConns),
		)
		if err := remotefn.Register(reg, a.transport, cfg.Remote.Functions); err != nil {
			a.Close()
			return nil, fmt.Errorf("register remote functions: %w", err)
		}
	}

	a.exec = executor.New(reg, store,
		executor.WithRunMode(cfg.RunMode),
		executor.WithSelectConcurrency(cfg.Executor.SelectConcurrency),
		executor.WithKeyFields(cfg.Executor.KeyFields...),
		executor.WithLogger(logger),
	)
	logger.Debug("engine ready", "store", cfg.Store.Backend, "functions", reg.Names(), "run_mode", cfg.RunMode)
	return a, nil
}

func (a *app) Close() {
	if a.transport != nil {
		_ = a.transport.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "err", err)
	}
}

func cmdServe(args []string, stderr io.Writer) error {
	var c common
	var headers stringListFlag
	addr := ""
	pretty := false
	var timeout time.Duration

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	c.register(fs)
	fs.StringVar(&addr, "addr", addr, "HTTP listen address")
	fs.BoolVar(&pretty, "pretty", pretty, "Pretty-print JSON responses")
	fs.DurationVar(&timeout, "timeout", timeout, "Per-request timeout")
	fs.Var(&headers, "metadata-header", "Forward HTTP header to gRPC metadata")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, serveUsage)
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if pretty {
		cfg.Server.Pretty = true
	}
	if timeout > 0 {
		cfg.Server.Timeout = timeout
	}
	if cfg.Queries.Dir == "" {
		fmt.Fprint(stderr, serveUsage)
		return errors.New("-queries is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventbus.Use(eventbus.New())
	tel, err := otel.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	templates, err := binding.LoadDir(cfg.Queries.Dir)
	if err != nil {
		return fmt.Errorf("load queries: %w", err)
	}
	set, err := binding.Bind(templates, a.exec)
	if err != nil {
		return fmt.Errorf("bind queries: %w", err)
	}

	sopts := []server.Option{
		server.WithTimeout(cfg.Server.Timeout),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	}
	if cfg.Server.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if len(headers) > 0 {
		sopts = append(sopts, server.WithMetadataHeaders(headers...))
	}
	if tel.Metrics != nil {
		sopts = append(sopts, server.WithMetricsHandler(tel.Metrics))
	}
	h, err := server.New(set, sopts...)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctxlog.WithLogger(context.Background(), a.logger) },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.logger.Info("query server listening", "addr", cfg.Server.Addr, "queries", set.Names())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func cmdRun(args []string, stdout, stderr io.Writer) error {
	var c common
	file, name, params, seed := "", "", "", ""
	pretty := false

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	c.register(fs)
	fs.StringVar(&file, "file", file, "Query file to execute")
	fs.StringVar(&name, "query", name, "Bound query to execute")
	fs.StringVar(&params, "params", params, "Parameter object")
	fs.StringVar(&seed, "seed", seed, "JSON object written to the store first")
	fs.BoolVar(&pretty, "pretty", pretty, "Pretty-print the result")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, runUsage)
		return err
	}
	if (file == "") == (name == "") {
		fmt.Fprint(stderr, runUsage)
		return errors.New("exactly one of -file and -query is required")
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}

	values := map[string]any{}
	if params != "" {
		if err := sonic.UnmarshalString(params, &values); err != nil {
			return fmt.Errorf("-params: %w", err)
		}
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx = ctxlog.WithLogger(ctx, a.logger)

	if seed != "" {
		if err := seedStore(ctx, a.store, seed); err != nil {
			return err
		}
	}

	templates := map[string]query.Tree{}
	if file != "" {
		tree, err := binding.LoadFile(file)
		if err != nil {
			return err
		}
		name = "main"
		templates[name] = tree
	} else {
		if cfg.Queries.Dir == "" {
			return errors.New("-query needs -queries or queries.dir")
		}
		if templates, err = binding.LoadDir(cfg.Queries.Dir); err != nil {
			return fmt.Errorf("load queries: %w", err)
		}
	}
	set, err := binding.Bind(templates, a.exec)
	if err != nil {
		return fmt.Errorf("bind queries: %w", err)
	}
	res, err := set.Run(ctx, name, values)
	if err != nil {
		return err
	}
	if err := writeJSON(stdout, res, pretty); err != nil {
		return err
	}
	return res.Err()
}

func seedStore(ctx context.Context, w kvs.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("-seed: %w", err)
	}
	var entries map[string]any
	if err := sonic.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("-seed %s: %w", path, err)
	}
	for _, key := range query.SortedKeys(entries) {
		if err := w.Set(ctx, key, entries[key]); err != nil {
			return fmt.Errorf("-seed %s: %w", key, err)
		}
	}
	return nil
}

func cmdFlatten(args []string, stdout, stderr io.Writer) error {
	file := ""
	pretty := false
	fs := flag.NewFlagSet("flatten", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&file, "file", file, "Query file to flatten")
	fs.BoolVar(&pretty, "pretty", pretty, "Pretty-print the graph")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, flattenUsage)
		return err
	}
	if file == "" {
		fmt.Fprint(stderr, flattenUsage)
		return errors.New("-file is required")
	}
	tree, err := binding.LoadFile(file)
	if err != nil {
		return err
	}
	g, err := flatten.Flatten(tree)
	if err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return err
	}
	return writeJSON(stdout, map[string]any{
		"nodes":   query.ToWire(g.Nodes),
		"returns": g.Returns,
	}, pretty)
}

func writeJSON(w io.Writer, v any, pretty bool) error {
	var data []byte
	var err error
	if pretty {
		data, err = sonic.ConfigStd.MarshalIndent(v, "", "  ")
	} else {
		data, err = sonic.ConfigStd.Marshal(v)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
