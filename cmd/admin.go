package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalogsync/internal/identity"
	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/reaper"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("admin"); err != nil {
			return err
		}
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		zap.L().Info("store migrated", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Fail stale runs and delete abandoned locks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rep, err := reaper.New(st, cfg.Sync.StaleAfter()).Cleanup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Runs reclaimed: %d\nLocks reclaimed: %d\n", rep.RunsReclaimed, rep.LocksReclaimed)
		for _, id := range rep.RunIDs {
			fmt.Fprintf(os.Stdout, "  %s\n", id)
		}
		return nil
	},
}

var forceStopCmd = &cobra.Command{
	Use:   "force-stop",
	Short: "Cancel every running run and delete every lock",
	RunE: func(cmd *cobra.Command, _ []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return eris.New("force-stop cancels runs in every process; pass --yes to confirm")
		}
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rep, err := reaper.New(st, cfg.Sync.StaleAfter()).ForceStop(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Runs cancelled: %d\nLocks deleted: %d\n", rep.RunsCancelled, rep.LocksDeleted)
		return nil
	},
}

// -- mapping --

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Inspect and curate identity mappings",
}

var mappingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List identity mappings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		filterArg, _ := cmd.Flags().GetString("filter")
		sourceArg, _ := cmd.Flags().GetString("source")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter, err := model.ParseMappingFilter(filterArg)
		if err != nil {
			return err
		}
		var src model.SourceName
		if sourceArg != "" {
			var ok bool
			if src, ok = model.ParseSourceName(sourceArg); !ok {
				return eris.Errorf("unknown source %q", sourceArg)
			}
		}

		m, closeFn, err := openMapper(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		mappings, err := m.List(cmd.Context(), filter, src)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSONOut(os.Stdout, mappings)
		}
		if len(mappings) == 0 {
			fmt.Fprintln(os.Stderr, "No mappings found.")
			return nil
		}
		formatMappings(os.Stdout, mappings)
		return nil
	},
}

var mappingSetCmd = &cobra.Command{
	Use:   "set <canonical-name> <source> <source-identifier>",
	Short: "Create or replace a manual mapping",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		reason, _ := cmd.Flags().GetString("reason")

		m, closeFn, err := openMapper(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		mp, err := m.Set(cmd.Context(), identity.SetInput{
			CanonicalName:    args[0],
			Source:           args[1],
			SourceIdentifier: args[2],
			ValidationStatus: status,
			Reason:           reason,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s/%s -> %q (%s)\n", mp.Source, mp.CanonicalName, mp.SourceIdentifier, mp.ValidationStatus)
		return nil
	},
}

var mappingDeleteCmd = &cobra.Command{
	Use:   "delete <canonical-name> <source>",
	Short: "Delete a mapping and the cached payload it produced",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, ok := model.ParseSourceName(args[1])
		if !ok {
			return eris.Errorf("unknown source %q", args[1])
		}
		m, closeFn, err := openMapper(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		found, err := m.Delete(cmd.Context(), args[0], src)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintf(os.Stderr, "No mapping for %s/%s.\n", src, args[0])
		}
		return nil
	},
}

var mappingImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import manual mappings from YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "open import file")
		}
		defer f.Close() //nolint:errcheck

		m, closeFn, err := openMapper(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := m.Import(cmd.Context(), f)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Imported %d mappings.\n", n)
		return nil
	},
}

var mappingCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete automatic mappings and every cached source payload",
	RunE: func(cmd *cobra.Command, _ []string) error {
		includeManual, _ := cmd.Flags().GetBool("include-manual")

		m, closeFn, err := openMapper(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		rep, err := m.Cleanup(cmd.Context(), includeManual)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Mappings deleted: %d\nPayloads cleared: %d\n", rep.MappingsDeleted, rep.PayloadsCleared)
		return nil
	},
}

// openMapper opens the store and returns a mapper over it.
func openMapper(cmd *cobra.Command) (*identity.Mapper, func(), error) {
	st, err := openStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	m := identity.NewMapper(st, identity.Options{Threshold: cfg.Identity.Threshold, Margin: cfg.Identity.Margin})
	return m, func() { _ = st.Close() }, nil
}

func formatMappings(out io.Writer, mappings []model.IdentityMapping) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tCANONICAL\tIDENTIFIER\tSTATUS\tCONFIDENCE\tMANUAL")
	_, _ = fmt.Fprintln(w, "------\t---------\t----------\t------\t----------\t------")

	for _, mp := range mappings {
		ident := mp.SourceIdentifier
		if ident == "" {
			ident = "-"
		}
		manual := ""
		if mp.ManualOverride {
			manual = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\n",
			mp.Source, mp.CanonicalName, ident, mp.ValidationStatus, mp.Confidence, manual)
	}
	_ = w.Flush()
}

func init() {
	forceStopCmd.Flags().Bool("yes", false, "confirm the force-stop")

	mappingListCmd.Flags().String("filter", "all", "all, matched, unmatched or manual")
	mappingListCmd.Flags().String("source", "", "only mappings for this source")
	mappingListCmd.Flags().Bool("json", false, "print mappings as JSON")
	mappingSetCmd.Flags().String("status", "", "validation status (default confirmed)")
	mappingSetCmd.Flags().String("reason", "", "why this mapping was set")
	mappingCleanupCmd.Flags().Bool("include-manual", false, "also delete manual mappings")

	mappingCmd.AddCommand(mappingListCmd, mappingSetCmd, mappingDeleteCmd, mappingImportCmd, mappingCleanupCmd)
	rootCmd.AddCommand(migrateCmd, cleanupCmd, forceStopCmd, mappingCmd)
}
