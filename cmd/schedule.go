package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ThatOneAnimeGuy/seiso/internal/app"
	"github.com/ThatOneAnimeGuy/seiso/internal/importer"
	"github.com/ThatOneAnimeGuy/seiso/internal/vault"
)

func newScheduleCmd() *cobra.Command {
	var keyPath string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the auto-import scheduler loop.",
		Long: `Periodically decrypts due stored credentials with the RSA private key
and runs one import per credential. The private key is read from disk at
startup and exists only in this process.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("read private key: %w", err)
			}
			priv, err := vault.ParsePrivateKey(raw)
			if err != nil {
				return fmt.Errorf("parse private key: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Boot(ctx); err != nil {
				return fmt.Errorf("boot: %w", err)
			}

			sched := importer.NewScheduler(a.Store, a.Engine, cfg.Scheduler.Cooldown, a.Logger)

			c := cron.New()
			_, err = c.AddFunc(cfg.Scheduler.CronSpec, func() {
				started, err := sched.RunDue(ctx, priv)
				if err != nil {
					a.Logger.Error("scheduler tick failed", zap.Error(err))
					return
				}
				a.Logger.Info("scheduler tick", zap.Int("runs_started", started))
			})
			if err != nil {
				return fmt.Errorf("parse cron spec %q: %w", cfg.Scheduler.CronSpec, err)
			}

			a.Logger.Info("scheduler running", zap.String("cron", cfg.Scheduler.CronSpec))
			c.Start()
			<-ctx.Done()
			<-c.Stop().Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&keyPath, "private-key", "", "path to the RSA private key (PEM or base64 DER)")
	_ = cmd.MarkFlagRequired("private-key")
	return cmd
}
