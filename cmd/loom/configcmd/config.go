// Package configcmd manages persisted configuration records in the
// master's system database.
package configcmd

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"loom"
	"loom/cmd/loom/ui"
	"loom/config"
	"loom/infra/sqlite"
	"loom/journal"
)

func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage persisted configuration records",
	}
	cmd.AddCommand(listCmd(), getCmd(), setCmd(), removeCmd())
	return cmd
}

func openStore(home string) (*sqlite.ConfigStore, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if home == "" {
		home = cfg.ResolvedHome()
	}
	locator := journal.NewFSLocator(home)
	dbPath, err := locator.LayoutFile(loom.MasterLocation(), loom.LayoutSqlite, "system.db")
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := sqlite.NewConfigStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

func listCmd() *cobra.Command {
	var home string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all records",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, db, err := openStore(home)
			if err != nil {
				return err
			}
			defer db.Close()

			all, err := store.GetAllConfigs()
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Println(ui.Muted("no config records"))
				return nil
			}
			rows := make([][]string, 0, len(all))
			for key, c := range all {
				value := c.Value
				if len(value) > 48 {
					value = value[:45] + "..."
				}
				rows = append(rows, []string{key, value})
			}
			fmt.Println(ui.Table([]string{"KEY", "VALUE"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&home, "home", "", "Deployment root (default $LOOM_HOME)")
	return cmd
}

func getCmd() *cobra.Command {
	var home string

	cmd := &cobra.Command{
		Use:   "get <mode/category/group/name>",
		Short: "Print one record's value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, db, err := openStore(home)
			if err != nil {
				return err
			}
			defer db.Close()

			c, ok, err := store.GetConfig(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no record for %q", args[0])
			}
			fmt.Println(c.Value)
			return nil
		},
	}
	cmd.Flags().StringVar(&home, "home", "", "Deployment root (default $LOOM_HOME)")
	return cmd
}

func setCmd() *cobra.Command {
	var home string

	cmd := &cobra.Command{
		Use:   "set <mode/category/group/name> <value>",
		Short: "Insert or replace a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, db, err := openStore(home)
			if err != nil {
				return err
			}
			defer db.Close()

			mode, category, group, name, err := splitKey(args[0])
			if err != nil {
				return err
			}
			if err := store.SetConfig(loom.Config{
				Mode: mode, Category: category, Group: group, Name: name,
				Value: args[1],
			}); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("stored %s", args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&home, "home", "", "Deployment root (default $LOOM_HOME)")
	return cmd
}

func removeCmd() *cobra.Command {
	var home string

	cmd := &cobra.Command{
		Use:     "remove <mode/category/group/name>",
		Aliases: []string{"rm"},
		Short:   "Delete a record",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, db, err := openStore(home)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.RemoveConfig(args[0]); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("removed %s", args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&home, "home", "", "Deployment root (default $LOOM_HOME)")
	return cmd
}

func splitKey(key string) (mode, category, group, name string, err error) {
	var parts []string
	start := 0
	for i := 0; i <= len(key); i++ {
		if i == len(key) || key[i] == '/' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("key must be mode/category/group/name, got %q", key)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}
