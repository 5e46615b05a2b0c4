package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sre-agent/internal/infra/config"
	"sre-agent/internal/infra/logger"
	"sre-agent/internal/infra/tracer"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfgPath, cmd, rest := parseArgs(os.Args[1:])

	var err error
	switch cmd {
	case "help":
		showUsage()
		return
	case "version":
		fmt.Printf("sre-agent %s\n", version)
		return
	case "serve":
		err = runServe(cfgPath)
	case "diagnose":
		err = runDiagnose(cfgPath, rest)
	case "doctor":
		err = runDoctor(cfgPath)
	case "encrypt":
		err = runEncrypt(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'sre-agent --help' for usage information.\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`sre-agent - LLM-driven diagnosis agent for Kubernetes services

USAGE:
    sre-agent [--config PATH] [COMMAND] [ARGS]

COMMANDS:
    serve              Run the HTTP trigger (default)
    diagnose SERVICE   Run one diagnosis in the foreground and print the result
    doctor             Check configuration and backend connectivity
    encrypt VALUE      Encrypt a secret for the config file (needs SREAGENT_CONFIG_KEY)
    version            Print the version

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml, or SREAGENT_CONFIG)

CONFIGURATION:
    Environment: SREAGENT_* variables override config; SLACK_SIGNING_SECRET,
    DEV_BEARER_TOKEN, SLACK_BOT_TOKEN and the provider API key variables are
    also honoured.`)
}

// parseArgs splits os.Args into the config path, the command and its
// arguments. The command defaults to serve.
func parseArgs(args []string) (cfgPath, cmd string, rest []string) {
	cmd = "serve"
	cmdSet := false
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" && i+1 < len(args):
			cfgPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			cfgPath = strings.TrimPrefix(arg, "--config=")
		case arg == "-h" || arg == "--help":
			if !cmdSet {
				cmd, cmdSet = "help", true
			}
		case !cmdSet && !strings.HasPrefix(arg, "-"):
			cmd, cmdSet = arg, true
		default:
			rest = append(rest, arg)
		}
	}
	if cfgPath == "" {
		cfgPath = os.Getenv("SREAGENT_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	return cfgPath, cmd, rest
}

// bootstrap loads config and sets up logging and tracing. The returned
// cleanup flushes both.
func bootstrap(ctx context.Context, cfgPath string) (*config.Config, *app, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		_ = logCloser()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}

	rt, err := newApp(ctx, cfg, log)
	if err != nil {
		_ = tracerShutdown(ctx)
		_ = logCloser()
		return nil, nil, nil, err
	}

	cleanup := func() {
		rt.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
		_ = logCloser()
	}
	return cfg, rt, cleanup, nil
}

func runServe(cfgPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, rt, cleanup, err := bootstrap(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := config.ValidateAuth(cfg); err != nil {
		return err
	}

	srv := rt.Server(ctx)
	serveErr := srv.Start(ctx)

	rt.log.Info("draining diagnosis runs", "timeout", cfg.Server.ShutdownTimeout)
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := rt.diagnosis.Shutdown(drainCtx); err != nil {
		rt.log.Warn("runs cancelled at shutdown", "error", err)
	}
	return serveErr
}

func runDiagnose(cfgPath string, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: sre-agent diagnose SERVICE")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, rt, cleanup, err := bootstrap(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := rt.diagnosis.Diagnose(ctx, args[0])
	if res != nil {
		printResult(os.Stdout, res)
	}
	return err
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: sre-agent encrypt VALUE")
	}
	passphrase := os.Getenv("SREAGENT_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("SREAGENT_CONFIG_KEY is not set")
	}
	out, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + out)
	return nil
}
