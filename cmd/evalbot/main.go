package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/evalbot/evalbot/internal/admission"
	"github.com/evalbot/evalbot/internal/app"
	"github.com/evalbot/evalbot/internal/ledger"
	"github.com/evalbot/evalbot/internal/parser"
	"github.com/evalbot/evalbot/internal/sandbox"
)

const (
	flagConfig      = "config"
	flagConcurrency = "concurrency"
)

func main() {
	viper.SetEnvPrefix("EVALBOT")
	viper.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "evalbot",
		Short: "A bot that evaluates JavaScript posted to it on the AT Protocol network",
		Long: `evalbot subscribes to the AT Protocol firehose, watches for mentions
carrying a JavaScript expression, evaluates that expression inside a
sandboxed runtime, and replies with the result.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String(flagConfig, "", "Path to a YAML config file")
	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the firehose subscription, job queue, and workers",
		RunE:  runDaemon,
	}
	daemonCmd.Flags().Int(flagConcurrency, 4, "Number of concurrent workers draining the queue")
	daemonCmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})

	replCmd := &cobra.Command{
		Use:   "repl",
		Short: "Evaluate JavaScript from stdin without the firehose",
		RunE:  runREPL,
	}

	rootCmd.AddCommand(daemonCmd, replCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "evalbot:", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := app.New(viper.GetString(flagConfig))
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	concurrency := viper.GetInt(flagConcurrency)
	if concurrency <= 0 {
		concurrency = 4
	}

	a.Start(ctx, concurrency)
	a.Log.Info("evalbot daemon started", "concurrency", concurrency, "use_queue", a.Cfg.UseQueue)

	<-ctx.Done()
	a.Log.Info("shutting down")
	return nil
}

// runREPL runs one sandbox eval per line of stdin under a fixed "default"
// principal, bypassing the firehose, admission cooldown, and protocol
// client entirely — useful for local iteration on the sandbox itself.
func runREPL(cmd *cobra.Command, args []string) error {
	const replPrincipal = "default"

	led := ledger.New(ledger.DefaultConfig())
	eng := sandbox.New(sandbox.DefaultConfig())
	adm := admission.New(admission.Config{CooldownMS: 0, MaxInFlight: 4})

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("evalbot repl - one expression per line, Ctrl+D to exit")
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		release, err := adm.AdmitBlocking(cmd.Context())
		if err != nil {
			fmt.Println("Error: admission failed:", err)
			continue
		}

		evalID := led.BeginEval(replPrincipal)
		result := eng.Run(cmd.Context(), line, sandbox.Capabilities{
			Ledger:    led,
			Principal: replPrincipal,
			EvalID:    evalID,
		})
		led.EndEval(evalID)
		release()

		reply := parser.TruncateGraphemes(parser.FormatResult(result), parser.ReplyBudget)
		fmt.Println(reply)
	}
	return scanner.Err()
}
