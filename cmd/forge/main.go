// Package main implements the forge CLI: the entry point that wires the
// Iteration Controller (C12) to a concrete provider set and workspace
// directory and drives one build-and-fix run to completion, per spec.md
// §6's CLI config surface. Modeled on the teacher's cmd/nerd/main.go
// rootCmd/init() registration hub and its cobra + zap global-flag
// pattern, generalized from codeNERD's many mirrored TUI verbs down to
// this system's single "run" operation.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/forgeloop/orchestrator/internal/config"
	"github.com/forgeloop/orchestrator/internal/controller"
	"github.com/forgeloop/orchestrator/internal/eventbus"
	"github.com/forgeloop/orchestrator/internal/invoker"
	"github.com/forgeloop/orchestrator/internal/llmclient"
	"github.com/forgeloop/orchestrator/internal/logging"
	"github.com/forgeloop/orchestrator/internal/memory"
	"github.com/forgeloop/orchestrator/internal/orchvalidate"
	"github.com/forgeloop/orchestrator/internal/projectio"
	"github.com/forgeloop/orchestrator/internal/router"
	"github.com/forgeloop/orchestrator/internal/types"
)

var (
	verbose     bool
	workspace   string
	goal        string
	configPath  string
	maxRetries  int
	providerKey string
	providerURL string
	framework   string
	runCommand  string
	installCmd  string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forge - autonomous multi-agent code generation orchestrator",
	Long: `forge drives a coder/reviewer/security/tester agent loop against a
project workspace until the sandbox, smoke test, and second-opinion review
all agree the change is correct, or the retry budget is exhausted.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("forge: build logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		if err := logging.Initialize(ws, logging.Config{DebugMode: verbose, Level: "info", JSONFormat: true}); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Close()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run one build-and-fix loop against the workspace",
	RunE:  runForge,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "project workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to forge.yaml (default: built-in defaults)")

	runCmd.Flags().StringVar(&goal, "goal", "", "user-facing description of what to build")
	runCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "override max_retries from config (0 = use config default)")
	runCmd.Flags().StringVar(&providerKey, "api-key", "", "provider API key (or set the provider's env var)")
	runCmd.Flags().StringVar(&providerURL, "base-url", "", "override provider base URL")
	runCmd.Flags().StringVar(&framework, "framework", "node", "target framework: node or python")
	runCmd.Flags().StringVar(&runCommand, "run-command", "", "command that starts the generated app's server")
	runCmd.Flags().StringVar(&installCmd, "install-command", "", "command that installs the generated app's dependencies")
	runCmd.MarkFlagRequired("goal")

	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("forge: %v", err))
		os.Exit(1)
	}
}

func resolveProvider() (llmclient.Provider, error) {
	if providerKey != "" {
		kind, _, err := llmclient.DetectFromEnv()
		if err != nil {
			kind = llmclient.KindOpenAI
		}
		return llmclient.New(kind, providerKey, providerURL)
	}
	kind, key, err := llmclient.DetectFromEnv()
	if err != nil {
		return nil, fmt.Errorf("forge: no provider credentials found: %w", err)
	}
	return llmclient.New(kind, key, providerURL)
}

type invokerCaller struct {
	inv      *invoker.Invoker
	provider llmclient.Provider
}

func (c invokerCaller) CallRole(ctx context.Context, role types.Role, model, systemPrompt, userPrompt string, timeout time.Duration) (string, error) {
	return c.inv.Invoke(ctx, c.provider, role, model, systemPrompt, userPrompt, timeout)
}

func runForge(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("forge: load config: %w", err)
	}
	if maxRetries > 0 {
		cfg.MaxRetries = maxRetries
	}

	ws := workspace
	if ws == "" {
		ws, _ = os.Getwd()
	}
	absWs, err := filepath.Abs(ws)
	if err != nil {
		return fmt.Errorf("forge: resolve workspace: %w", err)
	}

	// Re-apply file logging with the loaded config's logging section;
	// --verbose still forces debug mode on.
	if err := logging.Initialize(absWs, logging.Config{DebugMode: verbose || cfg.Logging.DebugMode, Categories: cfg.Logging.Categories, Level: cfg.Logging.Level, JSONFormat: cfg.Logging.JSONFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
	}
	log := logging.Get(logging.CategoryBoot)

	provider, err := resolveProvider()
	if err != nil {
		return err
	}

	bus := eventbus.New(nil)
	inv := invoker.New(bus, 5*time.Second, 0)
	caller := invokerCaller{inv: inv, provider: provider}

	roleRouter := router.New(map[types.Role]router.RoleConfig{
		types.RoleCoder:    {Primary: defaultModelFor(provider), Pools: router.Pools{router.TierDefault: {defaultModelFor(provider)}}},
		types.RoleReviewer: {Primary: defaultModelFor(provider)},
		types.RoleSecurity: {Primary: defaultModelFor(provider)},
		types.RoleTester:   {Primary: defaultModelFor(provider)},
	}, defaultModelFor(provider))

	memStore := memory.New(filepath.Join(absWs, ".forge", "memory.json"), nil)

	bp := types.TechBlueprint{
		Framework:      framework,
		RequiresServer: runCommand != "",
		RunCommand:     runCommand,
		InstallCommand: installCmd,
	}

	files, err := projectio.ReadWorkspace(absWs, nil)
	if err != nil {
		return fmt.Errorf("forge: read workspace: %w", err)
	}

	ctrl := &controller.Controller{
		Config:      cfg,
		Router:      roleRouter,
		Caller:      caller,
		Memory:      memStore,
		Bus:         bus,
		Tracker:     orchvalidate.NewTracker(cfg.MaxSecurityRetries),
		ProjectRoot: absWs,
	}

	state := types.NewIterationState(goal, bp, cfg.MaxRetries)
	feedback := ""

	bar := progressbar.NewOptions(cfg.MaxRetries,
		progressbar.OptionSetDescription("forging"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{Saucer: "=", SaucerPadding: " ", BarStart: "[", BarEnd: "]"}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
	defer cancel()

	for {
		var outcome controller.IterationOutcome
		files, outcome, err = ctrl.RunIteration(ctx, state, files, feedback, bp)
		if err != nil {
			return fmt.Errorf("forge: iteration %d: %w", state.CurrentIteration, err)
		}
		bar.Add(1)
		feedback = outcome.NewFeedback

		if outcome.Success {
			fmt.Println()
			color.Green("build succeeded after %d iteration(s)", state.CurrentIteration)
			log.Info("run succeeded", map[string]interface{}{"iterations": state.CurrentIteration})
			return nil
		}
		if outcome.Finished {
			fmt.Println()
			color.Red("build did not converge within %d iterations", cfg.MaxRetries)
			log.Warn("run exhausted retries", map[string]interface{}{"iterations": state.CurrentIteration, "last_feedback": feedback})
			return fmt.Errorf("forge: exhausted retry budget without success")
		}
	}
}

// defaultModelFor picks the model id per provider family; every role uses
// this one model, and forge.yaml has no per-role model setting.
func defaultModelFor(p llmclient.Provider) string {
	switch p.Name() {
	case "gemini":
		return "gemini-2.5-pro"
	case "openai":
		return "gpt-4o"
	default:
		return "gpt-4o"
	}
}
