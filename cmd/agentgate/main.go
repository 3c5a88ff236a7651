// Command agentgate drives the AgentGate approval API from the command
// line: submit approval requests, check and await decisions, list
// policies, decide pending requests, and serve a local development stub.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate-go"
	"github.com/agentgate/agentgate-go/config"
	"github.com/agentgate/agentgate-go/internal/observability"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "agentgate:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return errors.New("missing command")
	}
	switch args[0] {
	case "request":
		return runRequest(args[1:])
	case "check":
		return runCheck(args[1:])
	case "wait":
		return runWait(args[1:])
	case "policies":
		return runPolicies(args[1:])
	case "decide":
		return runDecide(args[1:])
	case "stub":
		return runStub(args[1:])
	case "version", "--version", "-v":
		fmt.Println("agentgate " + agentgate.Version)
		return nil
	case "help", "--help", "-h":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: agentgate <command> [flags]

Commands:
  request <action>         submit an approval request
  check <request-id>       check the decision of a request
  wait <request-id>        poll until a request is decided
  policies                 list policies
  decide <request-id> <decision>
                           decide a pending request (approved|denied|expired)
  stub                     serve a local in-memory AgentGate server
  version                  print the SDK version

Connection flags (on every command):
  --url, --api-key, --timeout, --fallback, --retries, --config,
  --verbose, --trace

Configuration resolves as: flag > --config file > AGENTGATE_* environment
variable (a .env file is honored) > default.
`)
}

// globalOptions are the connection flags shared by every command.
type globalOptions struct {
	url        string
	apiKey     string
	timeout    string
	fallback   string
	retries    int
	configPath string
	verbose    bool
	trace      bool
}

func registerGlobalFlags(fs *flag.FlagSet, g *globalOptions) {
	fs.StringVar(&g.url, "url", "", "base URL (default $AGENTGATE_URL or "+config.DefaultBaseURL+")")
	fs.StringVar(&g.apiKey, "api-key", "", "API key for bearer auth (default $AGENTGATE_API_KEY)")
	fs.StringVar(&g.timeout, "timeout", "", "request timeout, seconds or duration (default $AGENTGATE_TIMEOUT or 10)")
	fs.StringVar(&g.fallback, "fallback", "", "fallback behavior, allow or deny (default $AGENTGATE_FALLBACK or deny)")
	fs.IntVar(&g.retries, "retries", -1, "max retries on transient failures (default $AGENTGATE_MAX_RETRIES or 3)")
	fs.StringVar(&g.configPath, "config", "", "YAML configuration file")
	fs.BoolVar(&g.verbose, "verbose", false, "log client activity to stderr")
	fs.BoolVar(&g.trace, "trace", false, "emit OpenTelemetry spans to stderr")
}

// resolveSettings layers flags over config file over environment.
func resolveSettings(g *globalOptions) (config.Settings, error) {
	config.LoadDotenv()
	settings := config.FromEnv()

	if g.configPath != "" {
		file, err := config.LoadFile(g.configPath)
		if err != nil {
			return settings, err
		}
		if err := file.Apply(&settings); err != nil {
			return settings, err
		}
	}
	if g.url != "" {
		settings.BaseURL = strings.TrimRight(g.url, "/")
	}
	if g.apiKey != "" {
		settings.APIKey = g.apiKey
	}
	if g.timeout != "" {
		timeout, err := config.ParseTimeout(g.timeout)
		if err != nil {
			return settings, fmt.Errorf("invalid --timeout: %w", err)
		}
		settings.Timeout = timeout
	}
	if g.fallback != "" {
		settings.Fallback = g.fallback
	}
	if g.retries >= 0 {
		settings.MaxRetries = g.retries
	}
	return settings, nil
}

// buildClient constructs the SDK client from resolved settings. The
// returned cleanup closes the client and flushes tracing.
func buildClient(g *globalOptions) (*agentgate.Client, func(), error) {
	settings, err := resolveSettings(g)
	if err != nil {
		return nil, nil, err
	}

	logger := zap.NewNop()
	if g.verbose {
		logger, err = observability.BuildLogger("debug", "text")
		if err != nil {
			return nil, nil, err
		}
	}

	opts := []agentgate.Option{
		agentgate.WithBaseURL(settings.BaseURL),
		agentgate.WithAPIKey(settings.APIKey),
		agentgate.WithTimeout(settings.Timeout),
		agentgate.WithFallback(agentgate.FallbackBehavior(settings.Fallback)),
		agentgate.WithMaxRetries(settings.MaxRetries),
		agentgate.WithLogger(logger),
	}

	var provider *sdktrace.TracerProvider
	if g.trace {
		provider, err = newTraceProvider()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, agentgate.WithTracerProvider(provider))
	}

	client, err := agentgate.New(opts...)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		client.Close()
		if provider != nil {
			_ = provider.Shutdown(context.Background())
		}
		_ = logger.Sync()
	}
	return client, cleanup, nil
}

// newTraceProvider builds a per-invocation provider exporting spans to
// stderr, keeping stdout clean for command output.
func newTraceProvider() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(os.Stderr),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "agentgate-cli"),
			attribute.String("service.version", agentgate.Version),
		),
	)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	), nil
}

// printJSON renders a command result to stdout.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
