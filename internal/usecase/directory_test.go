package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/domain/mocks"
)

func TestDirectoryUseCase_Import(t *testing.T) {
	ctx := context.Background()

	t.Run("Normalizes And Deduplicates", func(t *testing.T) {
		dir := mocks.NewMockDirectory()
		uc := NewDirectoryUseCase(dir, testLogger())

		res, err := uc.Import(ctx, []domain.CounterpartyRecord{
			{Identifier: "ACME.com", DisplayName: "Acme", Active: true},
			{Identifier: "acme.com.", DisplayName: "Acme Corp", Active: true},
			{Identifier: "  ", Active: true},
		})
		if err != nil {
			t.Fatal(err)
		}
		if res.Upserted != 1 || len(res.Skipped) != 1 {
			t.Fatalf("unexpected result %+v", res)
		}
		rec, err := dir.LookupExact(ctx, "acme.com")
		if err != nil {
			t.Fatalf("expected acme.com in directory: %v", err)
		}
		if rec.DisplayName != "Acme Corp" {
			t.Errorf("expected later record to win, got %q", rec.DisplayName)
		}
	})

	t.Run("Repository Failure", func(t *testing.T) {
		dir := mocks.NewMockDirectory()
		dir.Err = errors.New("db down")
		uc := NewDirectoryUseCase(dir, testLogger())

		if _, err := uc.Import(ctx, []domain.CounterpartyRecord{{Identifier: "globex.io"}}); err == nil {
			t.Error("expected error")
		}
	})
}
