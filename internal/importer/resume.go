package importer

import (
	"context"

	"go.uber.org/zap"
)

// Boot prepares the engine after a process start: the lock table is swept
// (single-node: any surviving row belongs to a dead run) and runs left in
// the ongoing-import registry are replayed. The registry itself is never
// swept; its ciphertexts are exactly what makes replay possible.
func (e *Engine) Boot(ctx context.Context) error {
	if err := e.deps.Store.ClearLockTable(ctx); err != nil {
		return err
	}

	ongoing, err := e.deps.Store.ListOngoingImports(ctx)
	if err != nil {
		return err
	}
	for _, oi := range ongoing {
		sessionKey, err := e.deps.Vault.Open(oi.Ciphertext)
		if err != nil {
			// Key rotation or corruption: the stash is useless, drop it.
			e.deps.Logger.Warn("dropping undecryptable ongoing import",
				zap.String("service", oi.Service), zap.Error(err))
			if rerr := e.deps.Store.ReleaseCredentialSlot(ctx, oi.CredHash); rerr != nil {
				e.deps.Logger.Error("release stale credential slot", zap.Error(rerr))
			}
			continue
		}

		// The registry row must be released first or the resumed run would
		// collide with it and report a duplicate.
		if err := e.deps.Store.ReleaseCredentialSlot(ctx, oi.CredHash); err != nil {
			e.deps.Logger.Error("release credential slot for resume", zap.Error(err))
			continue
		}
		e.deps.Logger.Info("resuming interrupted import",
			zap.String("service", oi.Service), zap.String("run_id", oi.RunID.String()))
		res := e.Run(ctx, RunRequest{
			RunID: oi.RunID,
			Credential: Credential{
				Service:    oi.Service,
				SessionKey: sessionKey,
				AccountID:  oi.AccountID,
			},
		})
		if res.Err != nil {
			e.deps.Logger.Error("resumed run ended with error",
				zap.String("run_id", res.RunID.String()),
				zap.String("status", string(res.Status)),
				zap.Error(res.Err))
		}
	}
	return nil
}
