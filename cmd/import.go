package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ThatOneAnimeGuy/seiso/internal/app"
	"github.com/ThatOneAnimeGuy/seiso/internal/importer"
)

func newImportCmd() *cobra.Command {
	var (
		service    string
		sessionKey string
		accountID  string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run one import to completion and exit.",
		Long: `Runs a single import for one service with the supplied session key.
The feed source must be configured (feeds.replay_dirs for replay pages).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Boot(cmd.Context()); err != nil {
				return fmt.Errorf("boot: %w", err)
			}

			req := importer.RunRequest{
				Credential: importer.Credential{
					Service:    service,
					SessionKey: sessionKey,
				},
			}
			if accountID != "" {
				req.Credential.AccountID = &accountID
			}

			res := a.Engine.Run(cmd.Context(), req)
			a.Logger.Info("run finished",
				zap.String("run_id", res.RunID.String()),
				zap.String("status", string(res.Status)),
				zap.Int("imported", res.Imported),
				zap.Int("skipped", res.Skipped),
				zap.Int("failed", res.Failed))
			if res.Err != nil {
				return fmt.Errorf("run ended %s: %w", res.Status, res.Err)
			}
			if res.Status != importer.StatusSuccess {
				return fmt.Errorf("run ended %s", res.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "service to import (e.g. patreon)")
	cmd.Flags().StringVar(&sessionKey, "session-key", "", "session key for the service")
	cmd.Flags().StringVar(&accountID, "account", "", "known account id for the credential")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("session-key")
	return cmd
}
