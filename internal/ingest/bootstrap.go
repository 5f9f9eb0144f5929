package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nbaldr2/sil-sub001/internal/db"
)

// Bootstrap upserts the system account and the sentinel default automate
// once at process start, so no first-message races can create them lazily.
// It is idempotent and must run before the MLLP server starts.
func (p *Processor) Bootstrap(ctx context.Context) error {
	account, err := p.store.UpsertAccount(ctx, db.Account{
		ID:        uuid.New().String(),
		Name:      SystemAccountName,
		IsSystem:  true,
		CreatedAt: p.Now(),
	})
	if err != nil {
		return fmt.Errorf("sistem hesabı oluşturulamadı: %w", err)
	}
	p.systemAccountID = account.ID

	automate, err := p.store.UpsertAutomate(ctx, db.Automate{
		ID:        uuid.New().String(),
		Code:      DefaultAutomateCode,
		Name:      "Varsayılan otomat",
		CreatedAt: p.Now(),
	})
	if err != nil {
		return fmt.Errorf("varsayılan otomat oluşturulamadı: %w", err)
	}
	p.defaultAutomate = automate

	slog.Info("Başlangıç kayıtları hazır",
		"account", account.Name,
		"automate", automate.Code)
	return nil
}
