package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"chainsync/internal/store"
)

func newHistoryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored last-known chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			chains, err := app.requireStore()
			if err != nil {
				return err
			}
			defer chains.Close()

			entries, err := chains.ListChains(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				if entries == nil {
					entries = []store.ChainEntry{}
				}
				return output.JSON(entries)
			}
			if len(entries) == 0 {
				output.Dim("No stored chains.")
				return nil
			}
			renderEntries(output, entries)
			return nil
		},
	}

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:     "prune",
		Short:   "Delete stored chains older than a cutoff",
		Example: "  chainsync history prune --older-than 168h",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			chains, err := app.requireStore()
			if err != nil {
				return err
			}
			defer chains.Close()

			n, err := chains.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]int64{"pruned": n})
			}
			output.Success("Pruned %d stored chain(s)", n)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age beyond which chains are deleted")
	cmd.AddCommand(prune)

	return cmd
}

func (a *App) requireStore() (*store.SQLiteStore, error) {
	chains, err := a.openStore()
	if err != nil {
		return nil, err
	}
	if chains == nil {
		return nil, fmt.Errorf("the chain store is disabled (store.enabled = false)")
	}
	return chains, nil
}

func renderEntries(output *Output, entries []store.ChainEntry) {
	table := tablewriter.NewWriter(output.Writer())
	table.SetHeader([]string{"NAME", "SECURITY ID", "SEGMENT", "EXPIRY", "STRIKES", "SAVED"})
	table.SetAutoFormatHeaders(false)
	for _, e := range entries {
		table.Append([]string{
			e.Name,
			e.SecurityID,
			e.SegmentTag,
			e.Expiry,
			strconv.Itoa(e.Strikes),
			FormatDateTime(e.SavedAt),
		})
	}
	table.Render()
}
