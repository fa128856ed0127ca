// Package locations lists the locations present under the deployment
// home.
package locations

import (
	"fmt"

	"github.com/spf13/cobra"

	"loom/cmd/loom/ui"
	"loom/config"
	"loom/journal"
)

func Cmd() *cobra.Command {
	var home string
	var category, group, name, mode string

	cmd := &cobra.Command{
		Use:     "locations",
		Aliases: []string{"loc"},
		Short:   "List locations under the deployment home",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if home == "" {
				home = cfg.ResolvedHome()
			}
			locator := journal.NewFSLocator(home)

			found, err := locator.ListLocations(category, group, name, mode)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Println(ui.Muted("no locations found"))
				return nil
			}

			rows := make([][]string, len(found))
			for i, l := range found {
				dests, _ := locator.ListLocationDests(l)
				rows[i] = []string{
					fmt.Sprintf("%08x", l.UID),
					l.Mode.String(),
					l.Category.String(),
					l.Group,
					l.Name,
					fmt.Sprintf("%d", len(dests)),
				}
			}
			fmt.Println(ui.Table([]string{"UID", "MODE", "CATEGORY", "GROUP", "NAME", "JOURNALS"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&home, "home", "", "Deployment root (default $LOOM_HOME)")
	cmd.Flags().StringVar(&category, "category", "", "Filter by category")
	cmd.Flags().StringVar(&group, "group", "", "Filter by group")
	cmd.Flags().StringVar(&name, "name", "", "Filter by name")
	cmd.Flags().StringVar(&mode, "mode", "", "Filter by mode")
	return cmd
}
