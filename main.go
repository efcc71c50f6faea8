package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"tutorgraph/app/api"
	"tutorgraph/app/client/grammar"
	"tutorgraph/app/client/llm"
	"tutorgraph/app/client/search"
	"tutorgraph/app/config"
	"tutorgraph/app/service/db"
	"tutorgraph/app/service/memory"
	"tutorgraph/app/service/profile"
	"tutorgraph/app/service/tutor"
	"tutorgraph/app/util/mylog"

	"github.com/samber/do"
	"github.com/spf13/cobra"
)

var (
	configPath string
	threadID   string
	userID     string
)

var rootCmd = &cobra.Command{
	Use:          "tutorgraph",
	Short:        "Conversational English tutor",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP api",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, di *do.Injector) error {
			return do.MustInvoke[*api.Server](di).Run(ctx)
		})
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Submit one turn and print the tutor reply",
	Long: `Submit one user message to a thread and print the reply.
The thread is created on first use and bound to the given user.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, di *do.Injector) error {
			reply, err := do.MustInvoke[*tutor.Service](di).SubmitTurn(ctx, threadID, userID, args[0])
			if err != nil {
				return err
			}

			printReply(cmd, reply)
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Finish an interrupted turn from its last checkpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, di *do.Injector) error {
			reply, err := do.MustInvoke[*tutor.Service](di).Resume(ctx, threadID)
			if err != nil {
				return err
			}

			printReply(cmd, reply)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to config file")

	chatCmd.Flags().StringVar(&threadID, "thread", "", "conversation thread id")
	chatCmd.Flags().StringVar(&userID, "user", "", "user id owning the thread")
	_ = chatCmd.MarkFlagRequired("thread")
	_ = chatCmd.MarkFlagRequired("user")

	resumeCmd.Flags().StringVar(&threadID, "thread", "", "conversation thread id")
	_ = resumeCmd.MarkFlagRequired("thread")

	rootCmd.AddCommand(serveCmd, chatCmd, resumeCmd)
}

func main() {
	mylog.Preinit()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp wires the services and runs fn until it returns or the process is interrupted.
func withApp(fn func(ctx context.Context, di *do.Injector) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	if err = mylog.Init(cfg); err != nil {
		return fmt.Errorf("logging init failed: %w", err)
	}

	di := do.New()
	defer func() {
		slog.Debug("Waiting for services to finish...")

		if err := di.Shutdown(); err != nil {
			slog.Error("Shutdown failed", slog.Any("error", err))
		}
	}()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	do.ProvideValue(di, appCtx)
	do.ProvideValue(di, cfg)

	do.Provide(di, db.New)
	do.Provide(di, llm.New)
	do.Provide(di, grammar.New)
	do.Provide(di, search.New)
	do.Provide(di, profile.New)
	do.Provide(di, memory.New)
	do.Provide(di, tutor.New)
	do.Provide(di, api.New)

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		defer signal.Stop(sigint)

		select {
		case <-sigint:
			slog.Info("Shutting down...")
			cancel()
		case <-appCtx.Done():
		}
	}()

	return fn(appCtx, di)
}

func printReply(cmd *cobra.Command, reply tutor.Reply) {
	out := cmd.OutOrStdout()

	if c := reply.Correction; c.HasMistakes() {
		fmt.Fprintf(out, "Correction: %s\n", c.CorrectedText)
		if c.Explanation != "" {
			fmt.Fprintf(out, "Why: %s\n", c.Explanation)
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, reply.Text)

	if reply.Resumed {
		slog.Info("Turn resumed from checkpoint", slog.String("turn_id", reply.TurnID))
	}
	if reply.MemoryMissed {
		slog.Warn("Profile update deferred to next turn", slog.String("turn_id", reply.TurnID))
	}
}
