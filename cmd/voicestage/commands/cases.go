package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dtpsim/voicestage/internal/casedata"
	"github.com/dtpsim/voicestage/internal/config"
)

var checkImages bool

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "List the case catalog",
	Long: `List the cases sessions can be started against.

With --check-images, local case images are compared by perceptual hash and
near-duplicates are reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := casesFile
		if path == "" {
			path = config.Load().CasesFile
		}
		cases, err := loadCatalog(path)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, headerStyle.Render("ID")+"\t"+headerStyle.Render("TITLE")+"\t"+headerStyle.Render("BPE"))
		for _, c := range cases.List() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Title, c.BPEScore)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if !checkImages {
			return nil
		}
		dups := cases.CheckImages(casedata.Reader(os.ReadFile))
		if len(dups) == 0 {
			fmt.Fprintln(out, helpStyle.Render("No duplicate images."))
			return nil
		}
		for _, d := range dups {
			fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("%s looks like %s (distance %d)", d.Name, d.Matches, d.Distance)))
		}
		return fmt.Errorf("%d duplicate case images", len(dups))
	},
}

func init() {
	casesCmd.Flags().BoolVar(&checkImages, "check-images", false, "report near-duplicate case images")
}
