package cmds

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// NewRootCmd builds the marionette CLI. Logging and env loading happen in a
// persistent pre-run so every subcommand inherits them.
func NewRootCmd() *cobra.Command {
	var (
		logLevel  string
		logPretty bool
	)

	root := &cobra.Command{
		Use:   "marionette",
		Short: "Conversational UI streaming engine",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// .env is optional; real deployments set the environment directly
			_ = godotenv.Load()
			setupLogging(logLevel, logPretty)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (trace, debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&logPretty, "log-pretty", false, "human-readable console logging")

	root.AddCommand(NewServeCmd())
	return root
}

func setupLogging(level string, pretty bool) {
	if level == "" {
		level = os.Getenv("MARIONETTE_LOG_LEVEL")
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
