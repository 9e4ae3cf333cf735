// Command cockpit-tls-proxy is the entrypoint of spec §6: it parses the
// handful of CLI flags and environment variables the proxy accepts,
// builds a logger and a Server, and runs until the idle-exit timer fires
// or the process receives a termination signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	loglvl "github.com/nabbar/golib/logger/level"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cockpit-project/cockpit-tls-proxy/internal/config"
	"github.com/cockpit-project/cockpit-tls-proxy/internal/logging"
	"github.com/cockpit-project/cockpit-tls-proxy/internal/server"
)

// configFileEnv names the environment variable spec §6 lists alongside
// RUNTIME_DIRECTORY for locating an optional config-file overlay; viper
// also searches XDG_CONFIG_DIRS for the same file when this is unset.
const configFileEnv = "COCKPIT_TLS_PROXY_CONFIG"

var (
	flagPort         uint16
	flagNoTLS        bool
	flagIdleTimeout  uint32
	flagNoHTTPSOnly  bool
	flagLogLevel     string
	flagWsInstanceDir string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cockpit-tls-proxy",
		Short:         "TLS-terminating front-end proxy for cockpit-ws",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := cmd.Flags()
	flags.Uint16VarP(&flagPort, "port", "p", config.DefaultPort, "port to listen on when no socket was inherited")
	flags.BoolVar(&flagNoTLS, "no-tls", false, "serve plaintext only, without a TLS listener")
	flags.Uint32Var(&flagIdleTimeout, "idle-timeout", config.DefaultIdleTimeoutSecs, "seconds of inactivity before exiting")
	flags.BoolVar(&flagNoHTTPSOnly, "no-require-https", false, "allow plaintext connections from non-loopback peers instead of redirecting them")
	flags.StringVar(&flagLogLevel, "log-level", "info", "minimum log level (panic, fatal, error, warn, info, debug, trace)")
	flags.StringVar(&flagWsInstanceDir, "wsinstance-dir", "", "directory holding the cockpit-ws back-end sockets (default: $RUNTIME_DIRECTORY)")

	return cmd
}

// loadConfig assembles the final Config from, in increasing precedence,
// compiled-in defaults, an optional config-file overlay located by viper,
// the process environment (RUNTIME_DIRECTORY), and the CLI flags parsed
// by cobra/pflag above.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	v.SetConfigName("cockpit-tls-proxy")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/cockpit")

	for _, dir := range splitPathList(os.Getenv("XDG_CONFIG_DIRS")) {
		v.AddConfigPath(dir + "/cockpit")
	}
	if f := os.Getenv(configFileEnv); f != "" {
		v.SetConfigFile(f)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, err
		}
	}

	_ = v.BindPFlag("port", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("noTls", cmd.Flags().Lookup("no-tls"))
	_ = v.BindPFlag("idleTimeoutSecs", cmd.Flags().Lookup("idle-timeout"))

	cfg := config.Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if err := cfg.FromEnvironment(); err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("port") {
		cfg.Port = flagPort
	}
	if cmd.Flags().Changed("no-tls") {
		cfg.NoTLS = flagNoTLS
	}
	if cmd.Flags().Changed("idle-timeout") {
		cfg.IdleTimeoutSecs = flagIdleTimeout
	}
	if cmd.Flags().Changed("no-require-https") {
		cfg.RequireHTTPS = !flagNoHTTPSOnly
	}
	if flagWsInstanceDir != "" {
		cfg.WsInstanceDir = flagWsInstanceDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	lvl := loglvl.Parse(flagLogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := logging.New(ctx, lvl)
	flog := logging.FuncLog(log)

	srv, serr := server.New(cfg, flog)
	if serr != nil {
		return serr
	}

	srv.Run(ctx)
	return nil
}

func splitPathList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, string(os.PathListSeparator))
}
