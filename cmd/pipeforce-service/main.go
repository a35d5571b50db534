package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/pipeforce-go"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// app holds what the subcommands share
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	logLevel   string
	logFormat  string
	overrides  overrides

	cfg    pipeforce.Config
	logger *slog.Logger

	// clientOptions are appended to every client the commands create
	clientOptions []pipeforce.ClientOption
}

// overrides are config values given on the command line
type overrides struct {
	service       string
	namespace     string
	instance      string
	domain        string
	hubURL        string
	messagingHost string
	messagingPort int
	timeout       time.Duration
	deadLetter    bool
}

func main() {
	a := &app{out: os.Stdout, errOut: os.Stderr}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pipeforce-service",
		Short: "Run and talk to PIPEFORCE messaging services",
		Long: `pipeforce-service runs a PIPEFORCE microservice that consumes its service queue
and dispatches messages to handlers by routing key pattern. It can also send messages,
make synchronous calls and execute commands and pipelines on the hub.

Settings are read from PIPEFORCE_* environment variables, optionally preceded by a
YAML file given with --config or PIPEFORCE_CONFIG_PATH. Flags override both.`,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:      true,
		PersistentPreRunE: a.initialize,
	}
	rootCmd.SetOut(a.out)
	rootCmd.SetErr(a.errOut)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", os.Getenv(pipeforce.ConfigPathEnv), "YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", envOr("PIPEFORCE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", envOr("PIPEFORCE_LOG_FORMAT", "text"), "Log format (text, json)")
	flags.StringVar(&a.overrides.service, "service", "", "Service name (PIPEFORCE_SERVICE)")
	flags.StringVar(&a.overrides.namespace, "namespace", "", "Namespace (PIPEFORCE_NAMESPACE)")
	flags.StringVar(&a.overrides.instance, "instance", "", "Instance (PIPEFORCE_INSTANCE)")
	flags.StringVar(&a.overrides.domain, "domain", "", "Domain (PIPEFORCE_DOMAIN)")
	flags.StringVar(&a.overrides.hubURL, "hub-url", "", "Hub URL (PIPEFORCE_HUB_URL)")
	flags.StringVar(&a.overrides.messagingHost, "messaging-host", "", "Broker host (PIPEFORCE_MESSAGING_HOST)")
	flags.IntVar(&a.overrides.messagingPort, "messaging-port", 0, "Broker port (PIPEFORCE_MESSAGING_PORT)")
	flags.DurationVar(&a.overrides.timeout, "timeout", 0, "Synchronous call timeout (PIPEFORCE_REQUEST_TIMEOUT)")
	flags.BoolVar(&a.overrides.deadLetter, "dead-letter", false, "Dead letter rejected deliveries to PIPEFORCE_MESSAGING_DEFAULT_DLQ")

	rootCmd.AddCommand(
		newRunCommand(a),
		newSendCommand(a),
		newCallCommand(a),
		newConfigCommand(a),
		newStatusCommand(a),
		newHealthCommand(a),
		newPipelineCommand(a),
		newCommandCommand(a),
	)

	return rootCmd
}

// initialize loads the configuration and builds the logger
func (a *app) initialize(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(a.errOut, a.logFormat, a.logLevel)
	if err != nil {
		return err
	}
	a.logger = logger

	cfg, err := pipeforce.LoadConfigFile(a.configPath)
	if err != nil {
		return err
	}
	a.overrides.apply(&cfg)

	if err := cfg.Resolve(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (o overrides) apply(cfg *pipeforce.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Service, o.service)
	set(&cfg.Namespace, o.namespace)
	set(&cfg.Instance, o.instance)
	set(&cfg.Domain, o.domain)
	set(&cfg.HubURL, o.hubURL)
	set(&cfg.MessagingHost, o.messagingHost)
	if o.messagingPort > 0 {
		cfg.MessagingPort = o.messagingPort
	}
	if o.timeout > 0 {
		cfg.RequestTimeout = o.timeout
	}
}

// newClient creates a client from the loaded configuration
func (a *app) newClient() (*pipeforce.Client, error) {
	options := append([]pipeforce.ClientOption{
		pipeforce.WithLogger(a.logger),
		pipeforce.WithDeadLettering(a.overrides.deadLetter),
	}, a.clientOptions...)

	client, err := pipeforce.NewClient(a.cfg, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
