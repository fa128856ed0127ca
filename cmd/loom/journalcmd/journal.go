// Package journalcmd inspects and archives journal pages.
package journalcmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"loom"
	"loom/cmd/loom/ui"
	"loom/config"
	"loom/infra/archive"
	"loom/internal/clock"
	"loom/journal"
)

func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and archive journals",
	}
	cmd.AddCommand(pagesCmd(), catCmd(), archiveCmd())
	return cmd
}

func resolveLocator(home string) (journal.Locator, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if home == "" {
		home = cfg.ResolvedHome()
	}
	return journal.NewFSLocator(home), nil
}

func parseLocation(s string) (loom.Location, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return loom.Location{}, fmt.Errorf("location must be mode/category/group/name, got %q", s)
	}
	m, err := loom.ParseMode(parts[0])
	if err != nil {
		return loom.Location{}, err
	}
	c, err := loom.ParseCategory(parts[1])
	if err != nil {
		return loom.Location{}, err
	}
	return loom.NewLocation(m, c, parts[2], parts[3]), nil
}

func pagesCmd() *cobra.Command {
	var home string

	cmd := &cobra.Command{
		Use:   "pages <mode/category/group/name>",
		Short: "List the journal pages a location owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			locator, err := resolveLocator(home)
			if err != nil {
				return err
			}
			l, err := parseLocation(args[0])
			if err != nil {
				return err
			}

			dests, err := locator.ListLocationDests(l)
			if err != nil {
				return err
			}
			if len(dests) == 0 {
				fmt.Println(ui.Muted("no journals"))
				return nil
			}
			var rows [][]string
			for _, dest := range dests {
				ids, err := locator.ListPageIDs(l, dest)
				if err != nil {
					return err
				}
				for _, no := range ids {
					rows = append(rows, []string{
						fmt.Sprintf("%08x", dest),
						fmt.Sprintf("%d", no),
						journal.PageFileName(dest, no),
					})
				}
			}
			fmt.Println(ui.Table([]string{"DEST", "PAGE", "FILE"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&home, "home", "", "Deployment root (default $LOOM_HOME)")
	return cmd
}

func catCmd() *cobra.Command {
	var home string
	var dest uint32
	var pageSize int
	var limit int

	cmd := &cobra.Command{
		Use:   "cat <mode/category/group/name>",
		Short: "Dump the frames of one journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			locator, err := resolveLocator(home)
			if err != nil {
				return err
			}
			l, err := parseLocation(args[0])
			if err != nil {
				return err
			}

			store := journal.NewStore(locator, pageSize, nil)
			reader := store.NewReader()
			defer reader.Close()
			if err := reader.Join(l, dest, 0); err != nil {
				return err
			}

			n := 0
			for reader.DataAvailable() && (limit <= 0 || n < limit) {
				fr := reader.CurrentFrame()
				fmt.Printf("%s  %-22s  src=%08x dest=%08x  %d bytes\n",
					clock.Format(fr.GenTime()), loom.TagName(fr.MsgType()),
					fr.Source(), fr.Dest(), fr.DataLength())
				reader.Next()
				n++
			}
			if n == 0 {
				fmt.Println(ui.Muted("journal empty"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&home, "home", "", "Deployment root (default $LOOM_HOME)")
	cmd.Flags().Uint32Var(&dest, "dest", loom.PublicUID, "Destination uid of the journal")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Journal page size of the deployment")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many frames (0 = all)")
	return cmd
}

func archiveCmd() *cobra.Command {
	var home string
	var remove bool

	cmd := &cobra.Command{
		Use:   "archive <mode/category/group/name>",
		Short: "Compress a location's completed pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			locator, err := resolveLocator(home)
			if err != nil {
				return err
			}
			l, err := parseLocation(args[0])
			if err != nil {
				return err
			}

			ar := archive.New(locator)
			ar.RemoveSource = remove
			res, err := ar.ArchiveLocation(l)
			if err != nil {
				return err
			}
			if res.Archived == 0 {
				fmt.Println(ui.Muted("nothing to archive (live pages are skipped)"))
				return nil
			}
			fmt.Println(ui.SuccessMsg("archived %d pages, %d -> %d bytes",
				res.Archived, res.BytesIn, res.BytesOut))
			return nil
		},
	}
	cmd.Flags().StringVar(&home, "home", "", "Deployment root (default $LOOM_HOME)")
	cmd.Flags().BoolVar(&remove, "rm", false, "Delete page files after archiving")
	return cmd
}
