package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haru0416-dev/asteroniris/pkg/agent"
	"github.com/haru0416-dev/asteroniris/pkg/channel"
	"github.com/haru0416-dev/asteroniris/pkg/heartbeat"
	"github.com/haru0416-dev/asteroniris/pkg/models"
	"github.com/haru0416-dev/asteroniris/pkg/sched"
	"github.com/haru0416-dev/asteroniris/pkg/supervisor"
	"github.com/haru0416-dev/asteroniris/pkg/tools"
	"github.com/haru0416-dev/asteroniris/pkg/vault"
)

func newOnboardCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reader := bufio.NewReader(cmd.InOrStdin())
			fmt.Fprint(cmd.OutOrStdout(), "Provider [anthropic/openai] (anthropic): ")
			providerName, _ := reader.ReadString('\n')
			providerName = strings.TrimSpace(providerName)
			if providerName == "" {
				providerName = "anthropic"
			}
			fmt.Fprint(cmd.OutOrStdout(), "API key: ")
			apiKey, _ := reader.ReadString('\n')
			apiKey = strings.TrimSpace(apiKey)
			if apiKey == "" {
				return fmt.Errorf("api key is required")
			}

			dir := filepath.Dir(*configPath)
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return &runtimeError{err}
			}

			// Seal the key at rest.
			v, err := vault.New(filepath.Join(dir, ".secret_key"), true)
			if err != nil {
				return &runtimeError{err}
			}
			sealed, err := v.Seal([]byte(apiKey))
			if err != nil {
				return &runtimeError{err}
			}

			content := fmt.Sprintf(`api_key = %q
provider = %q

[vault]
encrypt = true

[memory]
backend = "kv+fts+vector"

[autonomy]
level = "supervised"
workspace_only = true
`, sealed, providerName)
			if err := os.WriteFile(*configPath, []byte(content), 0o600); err != nil {
				return &runtimeError{err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", *configPath)
			return nil
		},
	}
}

func newAgentCmd(configPath *string) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run one agent turn (or a REPL without --message)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return &runtimeError{err}
			}
			defer rt.Close()

			rt.loop.Broker = tools.NewCLIBroker(cmd.InOrStdin(), cmd.ErrOrStderr())

			runOne := func(text string) {
				result := rt.loop.RunTurn(ctx, &agent.TurnInput{
					EntityID:    "user:cli",
					Channel:     "cli",
					Message:     text,
					Autonomy:    rt.policy.Level(),
					Workspace:   cfg.Workspace,
					Temperature: cfg.Temperature,
				})
				if result.Status != agent.LoopCompleted {
					fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", result.Status, result.Err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), result.Reply)
			}

			if message != "" {
				runOne(message)
				return nil
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			fmt.Fprint(cmd.OutOrStdout(), "> ")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "exit" || line == "quit" {
					break
				}
				if line != "" {
					runOne(line)
				}
				fmt.Fprint(cmd.OutOrStdout(), "> ")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "Single message to process")
	return cmd
}

func newGatewayCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the HTTP gateway only",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return &runtimeError{err}
			}
			defer rt.Close()

			gw := rt.buildGateway(nil)
			if cfg.Gateway.RequirePairing && !gw.Pairing().HasTokens() {
				code, expires, err := gw.Pairing().IssueCode()
				if err != nil {
					return &runtimeError{err}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pairing code: %s (expires %s)\n",
					code, expires.Format(time.RFC3339))
			}
			if err := gw.Start(); err != nil {
				return &runtimeError{err}
			}
			return nil
		},
	}
}

func newDaemonCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the full runtime: gateway, channels, scheduler, heartbeat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return &runtimeError{err}
			}
			defer rt.Close()

			channels, err := buildChannels(cfg)
			if err != nil {
				return &configError{err}
			}

			sup := supervisor.New(rt.metrics)
			gw := rt.buildGateway(sup)

			sup.Add("gateway", func(ctx context.Context) error {
				errCh := make(chan error, 1)
				go func() { errCh <- gw.Start() }()
				select {
				case <-ctx.Done():
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = gw.Shutdown(shutdownCtx)
					return nil
				case err := <-errCh:
					return err
				}
			})

			for name, ch := range channels {
				chCfg := cfg.Channels[name]
				dispatcher := channel.NewDispatcher(ch, chCfg, rt.loop, rt.defense, rt.pipeline, cfg.Workspace, cfg.Temperature)
				sup.Add("channel:"+name, func(ctx context.Context) error {
					err := dispatcher.Run(ctx)
					if ctx.Err() != nil {
						return nil
					}
					return err
				})
			}

			if rt.scheduler != nil {
				sup.Add("scheduler", func(ctx context.Context) error {
					rt.scheduler.Start(ctx)
					<-ctx.Done()
					rt.scheduler.Stop()
					return nil
				})
			}

			hb := heartbeat.New(rt.sqliteDB, rt.jobStore, rt.metrics, 0)
			sup.Add("heartbeat", func(ctx context.Context) error {
				hb.Start(ctx)
				<-ctx.Done()
				hb.Stop()
				return nil
			})

			sup.Start(ctx)
			<-ctx.Done()
			sup.Stop()
			return nil
		},
	}
}

func newDoctorCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration, storage, vault, and provider reachability",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			cfg, err := loadConfig(*configPath)
			if err != nil {
				fmt.Fprintf(out, "config: FAIL (%v)\n", err)
				return err
			}
			fmt.Fprintln(out, "config: ok")

			if info, err := os.Stat(cfg.Vault.KeyPath); err != nil {
				fmt.Fprintf(out, "vault key: absent (created on first use)\n")
			} else if info.Mode().Perm()&0o077 != 0 {
				fmt.Fprintf(out, "vault key: FAIL (mode %o readable by others)\n", info.Mode().Perm())
			} else {
				fmt.Fprintln(out, "vault key: ok")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				fmt.Fprintf(out, "runtime: FAIL (%v)\n", err)
				return &runtimeError{err}
			}
			defer rt.Close()

			count, err := rt.memory.CountEvents(ctx, "")
			if err != nil {
				fmt.Fprintf(out, "memory: FAIL (%v)\n", err)
			} else {
				caps := rt.memory.Capabilities()
				fmt.Fprintf(out, "memory: ok (backend=%s events=%d)\n", caps.Name, count)
			}

			if _, err := rt.provider.Chat(ctx, "ping"); err != nil {
				fmt.Fprintf(out, "provider: unreachable (%v)\n", err)
			} else {
				fmt.Fprintln(out, "provider: ok")
			}
			return nil
		},
	}
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace and job status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return &runtimeError{err}
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workspace: %s\n", cfg.Workspace)
			fmt.Fprintf(out, "memory backend: %s\n", rt.memory.Capabilities().Name)
			count, _ := rt.memory.CountEvents(cmd.Context(), "")
			fmt.Fprintf(out, "events: %d\n", count)
			if rt.jobStore != nil {
				jobs, err := rt.jobStore.List(cmd.Context())
				if err == nil {
					fmt.Fprintf(out, "jobs: %d\n", len(jobs))
				}
			}
			state := rt.persona.State()
			fmt.Fprintf(out, "objective: %s\n", state.CurrentObjective)
			return nil
		},
	}
}

func newChannelCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "channel", Short: "Manage transport channels"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			for name, ch := range cfg.Channels {
				state := "disabled"
				if ch.Enabled {
					state = "enabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tautonomy=%s\n", name, state, ch.Autonomy)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Health-check enabled channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			channels, err := buildChannels(cfg)
			if err != nil {
				return &configError{err}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			for name, ch := range channels {
				if err := ch.HealthCheck(ctx); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: FAIL (%v)\n", name, err)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", name)
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "start [name]",
		Short: "Run one channel in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return &runtimeError{err}
			}
			defer rt.Close()

			channels, err := buildChannels(cfg)
			if err != nil {
				return &configError{err}
			}
			ch, ok := channels[args[0]]
			if !ok {
				return fmt.Errorf("channel %q is not enabled", args[0])
			}
			dispatcher := channel.NewDispatcher(ch, cfg.Channels[args[0]], rt.loop, rt.defense, rt.pipeline, cfg.Workspace, cfg.Temperature)
			if err := dispatcher.Run(cmd.Context()); err != nil && cmd.Context().Err() == nil {
				return &runtimeError{err}
			}
			return nil
		},
	})

	return cmd
}

func newCronCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "cron", Short: "Manage scheduled jobs"}

	withStore := func(run func(ctx context.Context, store *sched.Store, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return &runtimeError{err}
			}
			defer rt.Close()
			if rt.jobStore == nil {
				return fmt.Errorf("cron requires the kv+fts+vector memory backend")
			}
			return run(cmd.Context(), rt.jobStore, cmd, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: withStore(func(ctx context.Context, store *sched.Store, cmd *cobra.Command, _ []string) error {
			jobs, err := store.List(ctx)
			if err != nil {
				return &runtimeError{err}
			}
			for _, j := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\tnext=%s\n",
					j.ID, j.Kind, j.Schedule, j.LastStatus, j.NextRunAt.Format(time.RFC3339))
			}
			return nil
		}),
	})

	var schedule, payload string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user cron job",
		RunE: withStore(func(ctx context.Context, store *sched.Store, cmd *cobra.Command, _ []string) error {
			if payload == "" {
				return fmt.Errorf("--payload is required")
			}
			job := &models.CronJob{
				Kind:     models.JobKindUser,
				Origin:   "cli",
				Schedule: schedule,
				Payload:  payload,
			}
			if err := store.Add(ctx, job); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		}),
	}
	addCmd.Flags().StringVar(&schedule, "schedule", "", "Cron expression (empty = run once)")
	addCmd.Flags().StringVar(&payload, "payload", "", "Allowlisted shell command")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove [id]",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, store *sched.Store, _ *cobra.Command, args []string) error {
			return store.Remove(ctx, args[0])
		}),
	})

	return cmd
}

func newAuthCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "auth", Short: "Manage provider credentials"}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show credential status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			state := "absent"
			switch {
			case vault.IsEnvelope(cfg.APIKey):
				state = "encrypted"
			case cfg.APIKey != "":
				state = "plaintext"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "provider=%s api_key=%s\n", cfg.Provider, state)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured providers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "primary:", cfg.Provider)
			for _, f := range cfg.Reliability.FallbackProviders {
				fmt.Fprintln(cmd.OutOrStdout(), "fallback:", f)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Store an API key (encrypted at rest)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			reader := bufio.NewReader(cmd.InOrStdin())
			fmt.Fprint(cmd.OutOrStdout(), "API key: ")
			apiKey, _ := reader.ReadString('\n')
			apiKey = strings.TrimSpace(apiKey)
			if apiKey == "" {
				return fmt.Errorf("api key is required")
			}
			v, err := vault.New(cfg.Vault.KeyPath, true)
			if err != nil {
				return &runtimeError{err}
			}
			sealed, err := v.Seal([]byte(apiKey))
			if err != nil {
				return &runtimeError{err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "api_key = %q\n", sealed)
			fmt.Fprintln(cmd.OutOrStdout(), "(paste into asteroniris.toml)")
			return nil
		},
	})

	return cmd
}

func newEvalCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "eval",
		Short: "Run the offline recall evaluation harness",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			// Force the deterministic embedder so eval runs offline.
			cfg.Memory.EmbeddingProvider = "hash"
			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return &runtimeError{err}
			}
			defer rt.Close()
			return runEval(cmd.Context(), cmd.OutOrStdout(), rt)
		},
	}
}

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "service", Short: "Manage the OS service"}
	for _, sub := range []string{"install", "start", "stop", "status", "uninstall"} {
		action := sub
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: action + " the system service",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return fmt.Errorf("service %s: managed units are provisioned by the deploy tooling", action)
			},
		})
	}
	return cmd
}

// jsonUnmarshal is a seam for step-arg decoding.
func jsonUnmarshal(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}
