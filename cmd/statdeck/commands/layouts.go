package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/bryanchriswhite/StatDeck/internal/layout"
	"github.com/bryanchriswhite/StatDeck/internal/logger"
	"github.com/bryanchriswhite/StatDeck/internal/profile"
	"github.com/spf13/cobra"
)

var layoutsCmd = &cobra.Command{
	Use:   "layouts",
	Short: "Inspect profile layouts",
	Long: `Inspect the layouts directory. Each file is named after the process it
applies to ("chrome.json"); default.json is the fallback and must exist for
profile switching to run.`,
}

var layoutsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profile layouts",
	Example: `  # List profiles and their tile counts
  statdeck layouts list`,
	RunE: runLayoutsList,
}

var layoutsShowCmd = &cobra.Command{
	Use:   "show PROFILE",
	Short: "Show a profile layout",
	Example: `  # Show the fallback layout as JSON
  statdeck layouts show default --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runLayoutsShow,
}

var layoutsFormat string

func init() {
	rootCmd.AddCommand(layoutsCmd)
	layoutsCmd.AddCommand(layoutsListCmd)
	layoutsCmd.AddCommand(layoutsShowCmd)

	layoutsShowCmd.Flags().StringVarP(&layoutsFormat, "format", "f", "json", "output format (yaml or json)")
}

func openSwitcher() (*profile.Switcher, error) {
	configMgr, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return profile.New(configMgr.LayoutsPath(), 0, nil, logger.WithComponent("profile")), nil
}

func runLayoutsList(cmd *cobra.Command, args []string) error {
	switcher, err := openSwitcher()
	if err != nil {
		return err
	}
	profiles, err := switcher.Profiles()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", switcher.Dir(), err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Layouts in %s\n", switcher.Dir())
	if switcher.Enabled() {
		fmt.Fprintln(out, "Profile switching: enabled")
	} else {
		fmt.Fprintln(out, "Profile switching: disabled (default.json missing)")
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROFILE\tTILES\tSTATUS")
	for _, name := range profiles {
		l, err := switcher.Load(name)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t%v\n", name, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%d\tok\n", name, l.TileCount())
	}
	return w.Flush()
}

func runLayoutsShow(cmd *cobra.Command, args []string) error {
	switcher, err := openSwitcher()
	if err != nil {
		return err
	}
	l, err := switcher.Load(args[0])
	if err != nil {
		return err
	}

	doc, err := layoutDoc(l)
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), layoutsFormat, doc)
}

// layoutDoc decodes a layout into generic values for rendering.
func layoutDoc(l layout.Layout) (any, error) {
	var doc any
	if err := json.Unmarshal(l, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
