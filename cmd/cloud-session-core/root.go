// Command cloud-session-core runs the glasses/TPA session runtime: the
// glasses websocket listener, the TPA websocket listener, and the HTTP
// surface, all sharing one Session Registry.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cloud-session-core",
		Short: "Cloud Session Core",
		Long:  "Server-side runtime for the glasses session: display, dashboard, subscriptions, audio and media.",
	}
	root.AddCommand(newServeCmd())
	return root
}

func execute() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("cloud-session-core exited")
	}
}

func main() {
	execute()
}
