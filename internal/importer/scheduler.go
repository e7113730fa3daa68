package importer

import (
	"context"
	"crypto/rsa"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThatOneAnimeGuy/seiso/internal/store"
	"github.com/ThatOneAnimeGuy/seiso/internal/vault"
)

// SchedulerStore is the credential surface the scheduler consumes.
type SchedulerStore interface {
	DueAutoImportCredentials(ctx context.Context, cooldown time.Duration) ([]store.StoredCredential, error)
	MarkCredentialRun(ctx context.Context, credID uuid.UUID) error
	DeleteCredential(ctx context.Context, credID uuid.UUID) error
}

// Runner starts import runs. Satisfied by *Engine.
type Runner interface {
	Run(ctx context.Context, req RunRequest) RunResult
}

// Scheduler walks due stored credentials and starts one run per credential.
// The RSA private key is supplied per invocation and never retained.
type Scheduler struct {
	store    SchedulerStore
	runner   Runner
	cooldown time.Duration
	logger   *zap.Logger
}

// NewScheduler builds a Scheduler.
func NewScheduler(s SchedulerStore, r Runner, cooldown time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cooldown <= 0 {
		cooldown = 23*time.Hour + 55*time.Minute
	}
	return &Scheduler{store: s, runner: r, cooldown: cooldown, logger: logger}
}

// RunDue decrypts and runs every due credential sequentially. A ciphertext
// that no longer decrypts discards the row permanently. Returns how many
// runs were started.
func (s *Scheduler) RunDue(ctx context.Context, priv *rsa.PrivateKey) (int, error) {
	creds, err := s.store.DueAutoImportCredentials(ctx, s.cooldown)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, cred := range creds {
		sessionKey, err := vault.OpenStored(cred.Ciphertext, priv)
		if err != nil {
			s.logger.Warn("stored credential no longer decrypts, discarding",
				zap.String("account_id", cred.AccountID),
				zap.String("service", cred.Service),
				zap.Error(err))
			if derr := s.store.DeleteCredential(ctx, cred.ID); derr != nil {
				s.logger.Error("delete stale credential", zap.Error(derr))
			}
			continue
		}

		// Stamp before running so a crash mid-run does not retrigger the
		// same credential on the next tick.
		if err := s.store.MarkCredentialRun(ctx, cred.ID); err != nil {
			s.logger.Error("mark credential run", zap.Error(err))
			continue
		}

		accountID := cred.AccountID
		credID := cred.ID
		res := s.runner.Run(ctx, RunRequest{
			Credential: Credential{
				Service:    cred.Service,
				SessionKey: sessionKey,
				AccountID:  &accountID,
			},
			StoredCredentialID: &credID,
		})
		started++
		s.logger.Info("scheduled run finished",
			zap.String("run_id", res.RunID.String()),
			zap.String("service", cred.Service),
			zap.String("status", string(res.Status)),
			zap.Int("imported", res.Imported),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed))
	}
	return started, nil
}
