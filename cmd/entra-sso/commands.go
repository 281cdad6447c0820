package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/keksclan/goEntra/adapters/common"
	"github.com/keksclan/goEntra/entra"
	"github.com/keksclan/goEntra/entraconfig"
	"github.com/keksclan/goEntra/internal/logging"
	"github.com/keksclan/goEntra/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const serviceName = "entra-sso"

type rootFlags struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Entra ID bearer token validation service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "settings file (.json, .yaml, .yml or .lua); environment when empty")
	root.PersistentFlags().StringVar(&f.envFile, "env-file", entraconfig.DefaultEnvFile, "dotenv file read before the environment")

	root.AddCommand(newServeCmd(f), newCheckCmd(f), newValidateCmd(f))
	return root
}

func (f *rootFlags) loadSettings(ctx context.Context) (*entraconfig.Settings, error) {
	var loader entraconfig.Loader
	if f.configPath == "" {
		loader = entraconfig.FromEnv(f.envFile)
	} else {
		l, err := entraconfig.ForPath(f.configPath)
		if err != nil {
			return nil, err
		}
		loader = l
	}
	return loader.Load(ctx)
}

func newLogger(s *entraconfig.Settings) *zap.Logger {
	level := s.Log.Level
	if s.Server.Debug {
		level = "debug"
	}
	return logging.New(logging.Config{Format: s.Log.Format, Level: level, Service: serviceName})
}

func newEngine(s *entraconfig.Settings, logger *zap.Logger, reg prometheus.Registerer) (*entra.Engine, error) {
	opts := []entra.Option{entra.WithLogger(logger)}
	if len(s.JWKSHeaders) > 0 {
		opts = append(opts, entra.WithJWKSHeaders(s.JWKSHeaders))
	}
	if reg != nil {
		m, err := entra.NewPrometheusMetrics(reg)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		opts = append(opts, entra.WithMetrics(m))
	}
	return entra.New(s.Auth, opts...)
}

func newServeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := f.loadSettings(cmd.Context())
			if err != nil {
				return err
			}
			logger := newLogger(s)
			defer func() { _ = logger.Sync() }()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			engine, err := newEngine(s, logger.Named("entra"), reg)
			if err != nil {
				return err
			}
			srv, err := server.New(engine, s.Server, logger, reg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Listen() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down", zap.Duration("timeout", s.Server.ShutdownTimeout))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newCheckCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that the signing key provider is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := f.loadSettings(cmd.Context())
			if err != nil {
				return err
			}
			engine, err := newEngine(s, newLogger(s), nil)
			if err != nil {
				return err
			}
			if err := engine.CheckKeyProviderReachable(cmd.Context()); err != nil {
				return fmt.Errorf("key provider %s: %w", s.Auth.JWKSURL(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key provider reachable: %s\n", s.Auth.JWKSURL())
			return nil
		},
	}
}

// errRejected marks a validate run whose failure body was already printed.
var errRejected = errors.New("token rejected")

func newValidateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [token]",
		Short: "Validate a bearer token and print its claims",
		Long:  "Validate a bearer token and print its claims. The token is read from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := f.loadSettings(cmd.Context())
			if err != nil {
				return err
			}
			engine, err := newEngine(s, newLogger(s), nil)
			if err != nil {
				return err
			}

			token, err := tokenArg(cmd, args)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			claims, err := engine.Validate(cmd.Context(), token)
			if err != nil {
				_, body := common.NewErrorResponse(err, time.Now())
				_ = enc.Encode(body)
				return errRejected
			}
			return enc.Encode(claims.Raw)
		},
	}
}

func tokenArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}
	raw, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errors.New("no token given")
	}
	return token, nil
}
