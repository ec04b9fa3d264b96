package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalogsync/internal/catalog"
	"github.com/sells-group/catalogsync/internal/lock"
	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/syncjob"
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Inspect catalog entities and edit their overrides",
}

var entityShowCmd = &cobra.Command{
	Use:   "show <slug>",
	Short: "Print an entity as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openCatalog(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		e, err := svc.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSONOut(os.Stdout, e)
	},
}

var entityOverrideCmd = &cobra.Command{
	Use:   "override <slug>",
	Short: "Lock field groups, set source preferences or supply manual values",
	Long: `Edits the override settings of one entity. Locked groups keep their
current values across runs. --groups with no value locks every group.
--values reads a JSON payload whose groups replace the locked ones.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := patchFromFlags(cmd)
		if err != nil {
			return err
		}

		svc, closeFn, err := openCatalog(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		e, err := svc.Patch(cmd.Context(), args[0], p)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s: manual_override=%t groups=%v preferences=%v\n",
			e.Slug, e.ManualOverride, e.ManualGroups, e.Preferences)
		return nil
	},
}

// patchFromFlags builds an edit from the flags the operator actually set.
func patchFromFlags(cmd *cobra.Command) (model.EntityPatch, error) {
	var p model.EntityPatch
	flags := cmd.Flags()

	if flags.Changed("manual") {
		on, _ := flags.GetBool("manual")
		p.ManualOverride = &on
	}
	if flags.Changed("groups") {
		groups, _ := flags.GetStringSlice("groups")
		p.ManualGroups = make([]model.FieldGroup, 0, len(groups))
		for _, g := range groups {
			p.ManualGroups = append(p.ManualGroups, model.FieldGroup(g))
		}
	}
	if flags.Changed("prefer") {
		prefer, _ := flags.GetStringToString("prefer")
		p.Preferences = make(map[model.FieldGroup]model.SourceName, len(prefer))
		for g, src := range prefer {
			p.Preferences[model.FieldGroup(g)] = model.SourceName(src)
		}
	}
	if path, _ := flags.GetString("values"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return p, eris.Wrap(err, "read values file")
		}
		var merged model.Payload
		if err := json.Unmarshal(raw, &merged); err != nil {
			return p, eris.Wrap(err, "parse values file")
		}
		p.Merged = &merged
	}
	return p, nil
}

// openCatalog opens the store and returns a catalog service over it.
func openCatalog(cmd *cobra.Command) (*catalog.Service, func(), error) {
	st, err := openStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	svc := catalog.NewService(st, lock.NewManager(st), syncjob.CatalogJobName)
	return svc, func() { _ = st.Close() }, nil
}

func addOverrideFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("manual", false, "turn the manual override on or off")
	cmd.Flags().StringSlice("groups", nil, "groups the override locks (empty locks all)")
	cmd.Flags().StringToString("prefer", nil, "preferred source per group, e.g. armament=wiki")
	cmd.Flags().String("values", "", "JSON file with manual values for locked groups")
}

func init() {
	addOverrideFlags(entityOverrideCmd)
	entityCmd.AddCommand(entityShowCmd, entityOverrideCmd)
	rootCmd.AddCommand(entityCmd)
}
