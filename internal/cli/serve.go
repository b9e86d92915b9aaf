package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chainsync/internal/upstream"
)

func newServeCmd(app *App) *cobra.Command {
	var (
		fixtures string
		addr     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local upstream serving fixture data",
		Long: `Serve the search, expiry and option chain endpoints and the option chain
push channel from a YAML fixture file, for local development.`,
		Example: `  chainsync serve
  chainsync serve --fixtures ./chains.yaml --addr 127.0.0.1:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			if fixtures == "" {
				fixtures = app.Config.Server.FixturesPath
			}
			var (
				fx  *upstream.Fixtures
				err error
			)
			if fixtures != "" {
				fx, err = upstream.LoadFixtures(fixtures)
			} else {
				fx, err = upstream.DefaultFixtures()
			}
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := upstream.New(fx,
				upstream.WithLogger(app.Logger),
				upstream.WithPushInterval(app.Config.Server.PushInterval),
			)

			output.Info("Serving %d instrument(s) on http://%s", len(fx.Instruments), addr)
			output.Dim("REST:   http://%s/api", addr)
			output.Dim("Stream: ws://%s/ws/option_chain/{security_id}/{exchange_segment}", addr)
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&fixtures, "fixtures", "", "YAML fixture file (default: built-in set)")
	cmd.Flags().StringVar(&addr, "addr", app.Config.Server.Addr, "listen address")

	return cmd
}
