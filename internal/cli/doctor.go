package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chainsync/internal/broker"
	apperrors "chainsync/internal/errors"
	"chainsync/internal/models"
	"chainsync/internal/resilience"
)

func newDoctorCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor [query]",
		Short: "Check the API, the chain store and, given a query, the push channel",
		Example: `  chainsync doctor
  chainsync doctor NIFTY`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*app.Config.Upstream.RequestTimeout)
			defer cancel()

			fetcher, err := app.newFetcher()
			if err != nil {
				return err
			}

			checks := map[string]resilience.HealthCheck{
				"api":    resilience.APIHealthCheck(fetcher.Ping),
				"stream": resilience.SkippedCheck("pass a query to check the push channel"),
				"store":  resilience.SkippedCheck("store disabled"),
			}

			chains, err := app.openStore()
			switch {
			case err != nil:
				checks["store"] = resilience.DatabaseHealthCheck(func(context.Context) error { return err })
			case chains != nil:
				defer chains.Close()
				checks["store"] = resilience.DatabaseHealthCheck(chains.Ping)
			}

			if len(args) == 1 {
				query := args[0]
				checks["stream"] = resilience.StreamHealthCheck(func(ctx context.Context) error {
					inst, err := fetcher.Resolve(ctx, query)
					if err != nil {
						return err
					}
					return probeStream(ctx, app.newConnector(), inst)
				})
			}

			health := resilience.RunChecks(ctx, checks)
			if output.IsJSON() {
				if err := output.JSON(health); err != nil {
					return err
				}
			} else {
				renderHealth(output, health)
			}
			if !health.Healthy() {
				return fmt.Errorf("one or more checks failed")
			}
			return nil
		},
	}
}

// probeStream opens a subscription, waits for the handshake and closes it.
func probeStream(ctx context.Context, connector broker.Connector, inst models.Instrument) error {
	events := make(chan broker.StreamEvent, 1)
	h, err := connector.Open(inst, func(ev broker.StreamEvent) {
		if ev.Kind == broker.EventData {
			return
		}
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer h.Close()

	select {
	case ev := <-events:
		if ev.Kind == broker.EventDisconnected {
			if ev.Err != nil {
				return ev.Err
			}
			return apperrors.ErrConnectionLost
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func renderHealth(output *Output, health resilience.SystemHealth) {
	for _, c := range health.Components {
		line := c.Name + ": " + c.Message
		switch c.Status {
		case resilience.HealthStatusHealthy:
			output.Success("%s", line)
		case resilience.HealthStatusDegraded:
			output.Warning("%s", line)
		case resilience.HealthStatusSkipped:
			output.Dim("%s", line)
		default:
			output.Error("%s", line)
		}
	}
	output.Println()
	output.Printf("Overall: %s (checked %s)\n", health.Status, FormatTime(time.Now()))
}
