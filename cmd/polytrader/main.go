// Polytrader - Adaptive multi-strategy paper trading engine
//
// Every cycle each enabled strategy asks a staged LLM pipeline for a
// decision, sizes it with fractional Kelly, and routes it through the
// risk gate into the paper executor. Closed trades feed the pattern
// learner and the allocation manager; a circuit breaker halts entries
// until an operator clears it.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "polytrader",
		Short: "Polytrader - adaptive LLM-driven paper trading",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
		SilenceUsage: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("polytrader v" + version)
		},
	})
	return root
}

// setupLogging loads .env and configures zerolog before config is read
func setupLogging() {
	envErr := godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if envErr != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}
}
