package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/bryanchriswhite/StatDeck/internal/gateway"
	"github.com/bryanchriswhite/StatDeck/internal/layout"
	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running service's status",
	Long:  `Ask the running service whether the display is connected and how many tiles the active layout has.`,
	RunE:  runStatus,
}

var pushCmd = &cobra.Command{
	Use:   "push FILE",
	Short: "Push a layout to the running service",
	Long: `Replace the active layout and forward it to the display. The file may
contain comments and trailing commas.`,
	Example: `  statdeck push layouts/default.json`,
	Args:    cobra.ExactArgs(1),
	RunE:    runPush,
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Print the running service's active layout",
	RunE:  runPull,
}

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Change the sampling rate and profile debounce",
	Long: `Change the sampling rate and profile debounce of the running service.
Values below 100ms and 500ms are raised to those floors. The service
persists the result.`,
	Example: `  statdeck tune --rate 250 --debounce 2000`,
	RunE:    runTune,
}

var (
	clientTimeout time.Duration
	pullFormat    string
	tuneRate      float64
	tuneDebounce  float64
)

func init() {
	rootCmd.AddCommand(statusCmd, pushCmd, pullCmd, tuneCmd)
	for _, c := range []*cobra.Command{statusCmd, pushCmd, pullCmd, tuneCmd} {
		c.Flags().DurationVar(&clientTimeout, "timeout", 5*time.Second, "time to wait for the service")
	}
	pullCmd.Flags().StringVarP(&pullFormat, "format", "f", "json", "output format (yaml or json)")
	tuneCmd.Flags().Float64Var(&tuneRate, "rate", 500, "stats rate in milliseconds")
	tuneCmd.Flags().Float64Var(&tuneDebounce, "debounce", 1500, "profile debounce in milliseconds")
}

func newClient() (*gateway.Client, error) {
	configMgr, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return gateway.NewClient(configMgr.Get().ConfigPort, clientTimeout), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	st, err := client.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("service not reachable: %w", err)
	}

	out := cmd.OutOrStdout()
	if st.USBConnected {
		fmt.Fprintln(out, "Display:  connected")
	} else {
		fmt.Fprintln(out, "Display:  disconnected")
	}
	fmt.Fprintf(out, "Tiles:    %d\n", st.PiLayoutTiles)
	fmt.Fprintf(out, "As of:    %s\n", time.UnixMilli(st.Timestamp).Format(time.RFC3339))
	return nil
}

func runPush(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	l, err := layout.Parse(jsonc.ToJSON(data))
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ok, err := client.Push(cmd.Context(), l)
	if err != nil {
		return fmt.Errorf("service not reachable: %w", err)
	}
	if !ok {
		return fmt.Errorf("layout stored but not delivered to the display")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Pushed %d tiles\n", l.TileCount())
	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	l, err := client.Layout(cmd.Context())
	if err != nil {
		return fmt.Errorf("service not reachable: %w", err)
	}
	doc, err := layoutDoc(l)
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), pullFormat, doc)
}

func runTune(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ok, err := client.Tune(cmd.Context(), tuneRate, tuneDebounce)
	if err != nil {
		return fmt.Errorf("service not reachable: %w", err)
	}
	if !ok {
		return fmt.Errorf("service could not save the new tuning")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✅ Tuning updated")
	return nil
}
