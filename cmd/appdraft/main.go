package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the root command and its subcommands.
func buildRoot() *cobra.Command {
	serveFlags := &ServeFlags{}
	createFlags := &CreateFlags{}
	statusFlags := &StatusFlags{}
	chatFlags := &ChatFlags{}
	stopFlags := &StopFlags{}
	recentFlags := &RecentFlags{}
	watchFlags := &WatchFlags{}

	appdraftCommand := command{}

	root := createRootCommand()

	root.AddCommand(
		createServeCommand(serveFlags),
		createCreateCommand(appdraftCommand, createFlags),
		createStatusCommand(appdraftCommand, statusFlags),
		createChatCommand(appdraftCommand, chatFlags),
		createStopCommand(appdraftCommand, stopFlags),
		createRecentCommand(appdraftCommand, recentFlags),
		createWatchCommand(appdraftCommand, watchFlags),
	)

	return root
}

// createRootCommand creates the root command
func createRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "appdraft",
		Short: "Prompt-to-app build orchestrator",
		Long: `Appdraft turns natural-language app ideas into running Expo dev
servers and keeps iterating on them through chat.

Examples:
  appdraft serve config.toml                           # Start the daemon
  appdraft create --prompt="a recipe app" --watch      # Build and stream progress
  appdraft status --session=<id>                       # Poll build progress
  appdraft chat --session=<id> --message="add a tab"   # Request a change
  appdraft stop --session=<id>                         # Tear the session down`,
	}

	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the appdraft daemon",
		Long: `Start the appdraft daemon serving the build API.
Without a config file every setting falls back to its builtin default.

Examples:
  appdraft serve                        # Defaults, listen on :8080
  appdraft serve config.toml            # Load settings from file
  appdraft serve --daemonize            # Run in the background`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCommand(serveFlags, args)
		},
	}

	cmd.Flags().StringVar(&serveFlags.ConfigPath, "config", "", "path to TOML config file (optional)")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write daemon PID to file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file")

	return cmd
}

// createCreateCommand creates the create subcommand
func createCreateCommand(appdraftCommand command, createFlags *CreateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a build session",
		Long: `Create a new build session from a prompt. The daemon scaffolds the
project, generates code and brings up the dev server in the background.

Examples:
  appdraft create --prompt="a workout tracker"
  appdraft create --prompt="a recipe app" --template=tabs --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return appdraftCommand.Create(*createFlags)
		},
	}

	cmd.Flags().StringVar(&createFlags.Prompt, "prompt", "", "app description (required)")
	cmd.Flags().StringVar(&createFlags.Template, "template", "", "project template (blank, tabs, navigation)")
	cmd.Flags().BoolVar(&createFlags.Watch, "watch", false, "stream build events until the session is ready")
	cmd.Flags().StringVar(&createFlags.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8080/api/v1)")
	cmd.Flags().StringVar(&createFlags.Token, "token", "", "bearer token for the daemon API")
	cmd.Flags().DurationVar(&createFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	if err := cmd.MarkFlagRequired("prompt"); err != nil {
		panic(err)
	}

	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(appdraftCommand command, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session progress",
		Long: `Show the progress record of a build session, including buffered
log lines and the dev server address once the build is ready.

Examples:
  appdraft status --session=6f1f3a52-1fd5-4b9f-9a53-0f5c1b2d3e4f
  appdraft status --session=<id> --api-url=http://remote:8080/api/v1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return appdraftCommand.Status(*statusFlags)
		},
	}

	cmd.Flags().StringVar(&statusFlags.Session, "session", "", "session id (required)")
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8080/api/v1)")
	cmd.Flags().StringVar(&statusFlags.Token, "token", "", "bearer token for the daemon API")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	if err := cmd.MarkFlagRequired("session"); err != nil {
		panic(err)
	}

	return cmd
}

// createChatCommand creates the chat subcommand
func createChatCommand(appdraftCommand command, chatFlags *ChatFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send a change request to a session",
		Long: `Send one free-text message against a built session. Change requests
are generated and applied to the project; anything else gets a
conversational reply.

Examples:
  appdraft chat --session=<id> --message="add a settings screen"
  appdraft chat --session=<id> --message="make the header blue"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return appdraftCommand.Chat(*chatFlags)
		},
	}

	cmd.Flags().StringVar(&chatFlags.Session, "session", "", "session id (required)")
	cmd.Flags().StringVar(&chatFlags.Message, "message", "", "change request or question (required)")
	cmd.Flags().StringVar(&chatFlags.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8080/api/v1)")
	cmd.Flags().StringVar(&chatFlags.Token, "token", "", "bearer token for the daemon API")
	cmd.Flags().DurationVar(&chatFlags.APITimeout, "api-timeout", 30*time.Second, "request timeout")

	if err := cmd.MarkFlagRequired("session"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("message"); err != nil {
		panic(err)
	}

	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(appdraftCommand command, stopFlags *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a session",
		Long: `Stop a session: kill its dev server and disconnect its subscribers.
The progress record stays readable until the idle sweep reclaims it.

Examples:
  appdraft stop --session=<id>
  appdraft stop --session=<id> --api-url=http://remote:8080/api/v1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return appdraftCommand.Stop(*stopFlags)
		},
	}

	cmd.Flags().StringVar(&stopFlags.Session, "session", "", "session id (required)")
	cmd.Flags().StringVar(&stopFlags.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8080/api/v1)")
	cmd.Flags().StringVar(&stopFlags.Token, "token", "", "bearer token for the daemon API")
	cmd.Flags().DurationVar(&stopFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	if err := cmd.MarkFlagRequired("session"); err != nil {
		panic(err)
	}

	return cmd
}

// createRecentCommand creates the recent subcommand
func createRecentCommand(appdraftCommand command, recentFlags *RecentFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List archived sessions",
		Long: `List recently archived sessions, newest first. Requires the daemon
to be configured with a session archive store.

Examples:
  appdraft recent
  appdraft recent --limit=50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return appdraftCommand.Recent(*recentFlags)
		},
	}

	cmd.Flags().IntVar(&recentFlags.Limit, "limit", 20, "maximum rows to list")
	cmd.Flags().StringVar(&recentFlags.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8080/api/v1)")
	cmd.Flags().StringVar(&recentFlags.Token, "token", "", "bearer token for the daemon API")
	cmd.Flags().DurationVar(&recentFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	return cmd
}

// createWatchCommand creates the watch subcommand
func createWatchCommand(appdraftCommand command, watchFlags *WatchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream session events",
		Long: `Attach to a session's live event stream and print progress and
command output until the build reaches a terminal state.

Examples:
  appdraft watch --session=<id>
  appdraft watch --session=<id> --api-url=http://remote:8080/api/v1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return appdraftCommand.Watch(*watchFlags)
		},
	}

	cmd.Flags().StringVar(&watchFlags.Session, "session", "", "session id (required)")
	cmd.Flags().StringVar(&watchFlags.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8080/api/v1)")
	cmd.Flags().StringVar(&watchFlags.Token, "token", "", "bearer token for the daemon API")
	cmd.Flags().DurationVar(&watchFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	if err := cmd.MarkFlagRequired("session"); err != nil {
		panic(err)
	}

	return cmd
}
