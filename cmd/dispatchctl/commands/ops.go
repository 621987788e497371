package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"EnrollDispatch/internal/csvparser"
)

func init() {
	poolCmd := &cobra.Command{
		Use:   "pool",
		Short: "Show credential pool health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()

			snap, err := client().Pool(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(snap)
			}

			fmt.Printf("Keys: %d total, %d healthy, %d degraded, %d rate limited, %d unknown\n",
				snap.TotalKeys, snap.HealthyKeys, snap.DegradedKeys, snap.RateLimitedKeys, snap.UnknownKeys)
			fmt.Printf("Usage: %d calls, %d errors\n", snap.TotalUsage, snap.TotalErrors)

			ids := make([]string, 0, len(snap.PerKeyUsage))
			for id := range snap.PerKeyUsage {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tHEALTH\tUSAGE\tERRORS")
			for _, id := range ids {
				u := snap.PerKeyUsage[id]
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", id, u.Health, u.UsageCount, u.ErrorCount)
			}
			return w.Flush()
		},
	}

	var batch int
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a delivery sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()

			res, err := client().Sweep(ctx, batch)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(res)
			}
			fmt.Printf("Due: %d  Sent: %d  Retried: %d  Failed: %d  Skipped: %d\n",
				res.Due, res.Sent, res.Retried, res.Failed, res.Skipped)
			return nil
		},
	}
	sweepCmd.Flags().IntVarP(&batch, "batch", "b", 0, "maximum jobs to dispatch (0 uses the server default)")

	limiterCmd := &cobra.Command{
		Use:   "limiter",
		Short: "Show dispatch concurrency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()

			st, err := client().Limiter(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(st)
			}
			fmt.Printf("Running: %d/%d  Queued: %d\n", st.Running, st.Capacity, st.Queued)
			return nil
		},
	}

	var source string
	importCmd := &cobra.Command{
		Use:   "import [file.csv]",
		Short: "Import a recipient CSV as email enrollment events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Validate locally so a bad file is reported before upload.
			rows, err := csvparser.ParseFile(args[0], 0)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			ctx, cancel := requestContext()
			defer cancel()

			res, err := client().ImportCSV(ctx, source, f)
			if err != nil {
				return err
			}
			fmt.Printf("Parsed %d rows locally, server accepted %d rows and planned %d jobs\n", len(rows), res.Rows, res.Jobs)
			return nil
		},
	}
	importCmd.Flags().StringVar(&source, "source", "", "source tag used to match campaigns")

	rootCmd.AddCommand(poolCmd, sweepCmd, limiterCmd, importCmd)
}
