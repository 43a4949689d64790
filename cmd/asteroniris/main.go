// AsteronIris agent runtime: drives the tool-augmented conversation loop,
// memory, scheduler, gateway, and channels under one supervisor.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/haru0416-dev/asteroniris/pkg/config"
	"github.com/haru0416-dev/asteroniris/pkg/version"
)

// Exit codes.
const (
	exitOK            = 0
	exitUserError     = 1
	exitConfigInvalid = 2
	exitRuntimeError  = 3
)

func main() {
	root := &cobra.Command{
		Use:           "asteroniris",
		Short:         "AsteronIris — secure multi-channel AI assistant runtime",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config",
		defaultConfigPath(), "Path to asteroniris.toml")

	root.AddCommand(
		newOnboardCmd(&configPath),
		newAgentCmd(&configPath),
		newGatewayCmd(&configPath),
		newDaemonCmd(&configPath),
		newDoctorCmd(&configPath),
		newStatusCmd(&configPath),
		newChannelCmd(&configPath),
		newCronCmd(&configPath),
		newAuthCmd(&configPath),
		newEvalCmd(&configPath),
		newServiceCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "asteroniris.toml"
	}
	return filepath.Join(home, ".asteroniris", "asteroniris.toml")
}

// loadConfig bootstraps .env, then loads and validates the TOML config.
func loadConfig(configPath string) (*config.Config, error) {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(envPath); err == nil {
		fmt.Fprintf(os.Stderr, "loaded environment from %s\n", envPath)
	}
	cfg, err := config.Initialize(configPath)
	if err != nil {
		return nil, &configError{err}
	}
	return cfg, nil
}

// configError marks failures that should exit with code 2.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// runtimeError marks failures that should exit with code 3.
type runtimeError struct{ err error }

func (e *runtimeError) Error() string { return e.err.Error() }
func (e *runtimeError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	switch err.(type) {
	case *configError:
		return exitConfigInvalid
	case *runtimeError:
		return exitRuntimeError
	default:
		return exitUserError
	}
}
