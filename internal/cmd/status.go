package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/praxislabs/dirigent/internal/config"
	"github.com/praxislabs/dirigent/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted missions and executions",
	Long: `Status lists the missions and executions recorded in the configured
store. Requires storage.path to be set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Storage.Path == "" {
			return fmt.Errorf("no store configured: set storage.path to use status")
		}

		st, err := store.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		ctx := cmd.Context()
		missions, err := st.ListMissions(ctx)
		if err != nil {
			return err
		}
		executions, err := st.ListExecutions(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)

		fmt.Fprintln(w, "MISSION\tTITLE\tPHASE\tSTATUS\tUPDATED")
		for _, m := range missions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				m.ID, m.Title, m.Phase, m.Status, m.UpdatedAt.Format(time.RFC3339))
		}
		w.Flush()

		fmt.Fprintln(out)
		fmt.Fprintln(w, "EXECUTION\tMISSION\tSTATUS\tSTARTED\tERROR")
		for _, e := range executions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.ID, e.MissionID, e.Status, e.StartedAt.Format(time.RFC3339), e.Error)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
