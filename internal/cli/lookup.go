package cli

import (
	"context"

	"github.com/spf13/cobra"

	"chainsync/internal/models"
)

func newResolveCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "resolve <query>",
		Short:   "Resolve a query to an instrument",
		Example: "  chainsync resolve nifty",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			inst, err := app.resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(inst)
			}
			printInstrument(output, inst)
			return nil
		},
	}
}

func newExpiriesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "expiries <query>",
		Short:   "List the expiries available for an instrument",
		Example: "  chainsync expiries banknifty",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), app.Config.Upstream.RequestTimeout*2)
			defer cancel()

			fetcher, err := app.newFetcher()
			if err != nil {
				return err
			}
			inst, err := fetcher.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			expiries, err := fetcher.ListExpiries(ctx, inst)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				if expiries == nil {
					expiries = models.ExpirySet{}
				}
				return output.JSON(map[string]interface{}{
					"instrument": inst,
					"expiries":   expiries,
				})
			}
			printInstrument(output, inst)
			output.Println()
			if len(expiries) == 0 {
				output.Dim("No expiries available.")
				return nil
			}
			for _, e := range expiries {
				output.Printf("  %s\n", e)
			}
			return nil
		},
	}
}

func (a *App) resolve(ctx context.Context, query string) (models.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, a.Config.Upstream.RequestTimeout)
	defer cancel()

	fetcher, err := a.newFetcher()
	if err != nil {
		return models.Instrument{}, err
	}
	return fetcher.Resolve(ctx, query)
}

func printInstrument(output *Output, inst models.Instrument) {
	output.Bold("%s", inst.Name)
	output.Printf("  Security ID:  %s\n", inst.ID)
	output.Printf("  Symbol:       %s\n", inst.TradingSymbol)
	output.Printf("  Exchange:     %s\n", inst.Exchange)
	output.Printf("  Segment:      %s (%s)\n", inst.SegmentTag, inst.Segment)
}
