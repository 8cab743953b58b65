package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/matcher"
)

// ImportResult counts what a directory import did.
type ImportResult struct {
	Upserted int      `json:"upserted"`
	Skipped  []string `json:"skipped,omitempty"`
}

// DirectoryUseCase maintains the counterparty directory.
type DirectoryUseCase struct {
	dir    domain.DirectoryRepository
	logger *slog.Logger
}

func NewDirectoryUseCase(dir domain.DirectoryRepository, logger *slog.Logger) *DirectoryUseCase {
	return &DirectoryUseCase{dir: dir, logger: logger.With("component", "directory")}
}

// Import upserts records with identifiers folded the same way the extraction
// stage folds senders, so exact lookups hit. Records whose identifier folds to
// nothing are skipped. When two records fold to the same key the later wins.
func (uc *DirectoryUseCase) Import(ctx context.Context, recs []domain.CounterpartyRecord) (ImportResult, error) {
	var res ImportResult
	byKey := make(map[string]int, len(recs))
	var normalized []domain.CounterpartyRecord
	for _, rec := range recs {
		key := matcher.NormalizeKey(rec.Identifier)
		if key == "" {
			res.Skipped = append(res.Skipped, rec.Identifier)
			continue
		}
		rec.Identifier = key
		if rec.DisplayName == "" {
			rec.DisplayName = key
		}
		if i, ok := byKey[key]; ok {
			normalized[i] = rec
			continue
		}
		byKey[key] = len(normalized)
		normalized = append(normalized, rec)
	}

	for _, rec := range normalized {
		if err := uc.dir.Upsert(ctx, rec); err != nil {
			return res, fmt.Errorf("upsert %s: %w", rec.Identifier, err)
		}
		res.Upserted++
	}
	uc.logger.Info("directory imported", "upserted", res.Upserted, "skipped", len(res.Skipped))
	return res, nil
}
