package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/StatDeck/internal/action"
	"github.com/bryanchriswhite/StatDeck/internal/api"
	"github.com/bryanchriswhite/StatDeck/internal/clock"
	"github.com/bryanchriswhite/StatDeck/internal/collector"
	"github.com/bryanchriswhite/StatDeck/internal/devicelink"
	"github.com/bryanchriswhite/StatDeck/internal/logger"
	"github.com/bryanchriswhite/StatDeck/internal/service"
	"github.com/bryanchriswhite/StatDeck/internal/window"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the StatDeck service",
	Long: `Start the StatDeck service: stream metrics to the display, run tile
actions, switch layouts with the focused application, and serve the local
config port and the HTTP stats endpoint. SIGHUP rereads the layouts
directory and re-applies the current profile.`,
	Example: `  # Start with the default config
  statdeck serve

  # Point at a display by address
  statdeck serve --pi-host 192.168.1.40

  # Start with debug logging on the console
  statdeck serve --log-level debug --pretty

  # Pick up edited layout files without a restart
  kill -HUP $(pidof statdeck)`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, viper.GetBool("pretty"))
	log := logger.WithComponent("service")

	windows := window.Open(logger.WithComponent("window"))
	defer windows.Close()
	registry := collector.NewDefaultRegistry(window.NewTracker(windows), clock.Real(), logger.WithComponent("collector"))
	log.Info().Strs("collectors", registry.List()).Msg("Collectors registered")

	var keys action.KeySender
	if x, err := action.NewX11Keys(); err != nil {
		log.Warn().Err(err).Msg("Hotkey actions disabled")
	} else {
		defer x.Close()
		keys = x
	}
	router := action.NewRouter(logger.WithComponent("action"))
	action.RegisterDefaults(router, keys)

	link := devicelink.New(cfg.PiHost, cfg.PiPort, logger.WithComponent("device-link"))
	svc := service.New(configMgr, link, registry, router, log,
		service.WithComponentLoggers(logger.WithComponent))
	stats := api.NewServer(svc, svc, svc.Interval, logger.WithComponent("api"))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(ctx)
	})
	g.Go(func() error {
		if err := stats.Start(cfg.HTTPPort); err != nil {
			log.Error().Err(err).Msg("Stats endpoint failed")
		}
		return nil
	})
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				svc.ReloadLayouts()
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return stats.Shutdown(shutdownCtx)
	})

	log.Info().
		Str("device", link.Addr()).
		Int("http_port", cfg.HTTPPort).
		Int("config_port", cfg.ConfigPort).
		Msg("StatDeck running, press Ctrl+C to stop")

	err = g.Wait()
	log.Info().Msg("Shut down")
	return err
}
