package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	apperrors "chainsync/internal/errors"
	"chainsync/internal/models"
	"chainsync/internal/reconciler"
)

func newWatchCmd(app *App) *cobra.Command {
	var (
		expiry string
		once   bool
	)

	cmd := &cobra.Command{
		Use:   "watch <query>",
		Short: "Follow the live option chain for an instrument",
		Long: `Resolve an instrument, show its option chain and keep it current from
the push channel.

While watching, type an expiry label and press enter to switch expiry,
or 'q' to quit.`,
		Example: `  chainsync watch NIFTY
  chainsync watch RELIANCE --expiry 2025-01-30
  chainsync watch BANKNIFTY --once --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, app, args[0], expiry, once)
		},
	}

	cmd.Flags().StringVarP(&expiry, "expiry", "e", "", "expiry to show instead of the nearest")
	cmd.Flags().BoolVar(&once, "once", false, "print the seeded chain and exit")

	return cmd
}

func runWatch(cmd *cobra.Command, app *App, query, expiry string, once bool) error {
	output := NewOutput(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher, err := app.newFetcher()
	if err != nil {
		return err
	}

	opts := []reconciler.Option{
		reconciler.WithLogger(app.Logger),
		reconciler.WithFetchTimeout(3 * app.Config.Upstream.RequestTimeout),
	}
	chains, err := app.openStore()
	if err != nil {
		app.Logger.Warn().Err(err).Msg("Last-known store unavailable")
	} else if chains != nil {
		defer chains.Close()
		opts = append(opts, reconciler.WithStore(chains))
	}

	r := reconciler.New(fetcher, app.newConnector(), opts...)
	r.Start(ctx)
	defer r.Stop()

	states := r.Subscribe()
	defer r.Unsubscribe(states)

	token := r.SelectInstrument(query)
	state, err := waitSettled(ctx, r, token)
	if err != nil {
		return nil
	}
	if state.Phase == models.PhaseEmpty {
		output.Error("%s: %s", query, FormatErrorKind(state.Err))
		return apperrors.Wrapf(kindError(state.Err), "resolving %q", query)
	}

	if expiry != "" && expiry != state.Expiry {
		if !state.Expiries.Contains(expiry) {
			return apperrors.NewValidationError("expiry", expiry,
				fmt.Sprintf("not one of %s", strings.Join(state.Expiries, ", ")))
		}
		token = r.SelectExpiry(expiry)
		if state, err = waitSettled(ctx, r, token); err != nil {
			return nil
		}
	}

	if once {
		return show(output, state)
	}
	if err := show(output, state); err != nil {
		return err
	}

	lines := readLines(ctx, cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil

		case s, ok := <-states:
			if !ok {
				return nil
			}
			if s.Selection < token {
				continue
			}
			state = s
			if err := show(output, state); err != nil {
				return err
			}

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			switch {
			case line == "":
			case line == "q" || line == "quit":
				return nil
			case state.Expiries.Contains(line):
				token = r.SelectExpiry(line)
			default:
				output.Warning("Unknown expiry %q; available: %s", line, strings.Join(state.Expiries, ", "))
			}
		}
	}
}

// waitSettled waits until the selection has left Loading.
func waitSettled(ctx context.Context, r *reconciler.Reconciler, token uint64) (models.SyncState, error) {
	return r.WaitFor(ctx, func(s models.SyncState) bool {
		return s.Selection >= token && s.Phase != models.PhaseLoading && s.Phase != models.PhaseUninitialized
	})
}

func show(output *Output, s models.SyncState) error {
	if output.IsJSON() {
		return output.JSONLine(newStateView(s))
	}
	RenderState(output, s)
	return nil
}

func kindError(kind models.ErrorKind) error {
	switch kind {
	case models.ErrorNotFound:
		return apperrors.ErrNotFound
	case models.ErrorUnavailable:
		return apperrors.ErrUnavailable
	case models.ErrorConnectionLost:
		return apperrors.ErrConnectionLost
	default:
		return apperrors.ErrTransportFailure
	}
}

// readLines delivers trimmed input lines until r is exhausted or ctx ends.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case out <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
