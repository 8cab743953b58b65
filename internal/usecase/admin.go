package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/V4T54L/invoice-router/internal/domain"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
	defaultListCount  = 100
)

// ErrInvalidArgument marks a bad operator request.
var ErrInvalidArgument = errors.New("invalid argument")

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// StageQueue binds a stage to the queue and consumer group it reads.
type StageQueue struct {
	Stream string
	Group  string
}

// StageQueues maps stage names to their queues.
var StageQueues = map[string]StageQueue{
	StageExtract: {Stream: domain.StreamRaw, Group: domain.GroupExtract},
	StageRoute:   {Stream: domain.StreamEnriched, Group: domain.GroupRoute},
	StageNotify:  {Stream: domain.StreamNotify, Group: domain.GroupNotify},
}

// QueueReport summarizes a stage queue for operators.
type QueueReport struct {
	Stage   string                        `json:"stage"`
	Stream  string                        `json:"stream"`
	Groups  []domain.ConsumerGroupInfo    `json:"groups"`
	Pending []domain.PendingMessageDetail `json:"pending"`
}

// AdminUseCase is the read-mostly operator surface: audit queries, queue
// inspection and poison replay.
type AdminUseCase struct {
	ledger domain.AuditLedger
	queue  domain.QueueRepository
	admin  domain.QueueAdminRepository
	logger *slog.Logger
}

func NewAdminUseCase(ledger domain.AuditLedger, queue domain.QueueRepository, admin domain.QueueAdminRepository, logger *slog.Logger) *AdminUseCase {
	return &AdminUseCase{ledger: ledger, queue: queue, admin: admin, logger: logger.With("component", "admin")}
}

func stageQueue(stage string) (StageQueue, error) {
	q, ok := StageQueues[stage]
	if !ok {
		return StageQueue{}, fmt.Errorf("%w: unknown stage %q", ErrInvalidArgument, stage)
	}
	return q, nil
}

func (uc *AdminUseCase) QueryAudit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditRecord, error) {
	if f.Period != "" && !periodPattern.MatchString(f.Period) {
		return nil, fmt.Errorf("%w: period must be YYYY-MM", ErrInvalidArgument)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = defaultAuditLimit
	}
	if f.Limit > maxAuditLimit {
		f.Limit = maxAuditLimit
	}
	return uc.ledger.Query(ctx, f)
}

func (uc *AdminUseCase) GetAudit(ctx context.Context, txID string) (*domain.AuditRecord, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: transaction id required", ErrInvalidArgument)
	}
	return uc.ledger.Get(ctx, txID)
}

func (uc *AdminUseCase) QueueInfo(ctx context.Context, stage string) (*QueueReport, error) {
	q, err := stageQueue(stage)
	if err != nil {
		return nil, err
	}
	groups, err := uc.admin.GroupInfo(ctx, q.Stream)
	if err != nil {
		return nil, err
	}
	pending, err := uc.admin.PendingMessages(ctx, q.Stream, q.Group, defaultListCount)
	if err != nil {
		return nil, err
	}
	return &QueueReport{Stage: stage, Stream: q.Stream, Groups: groups, Pending: pending}, nil
}

func (uc *AdminUseCase) ListPoison(ctx context.Context, stage string, count int64) ([]domain.PoisonEntry, error) {
	q, err := stageQueue(stage)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = defaultListCount
	}
	return uc.admin.ListPoison(ctx, q.Stream, count)
}

// ReplayPoison puts a poisoned entry back on its queue with a fresh attempt
// budget. An error record is reopened first so the normal path can finish it.
func (uc *AdminUseCase) ReplayPoison(ctx context.Context, stage, id string) (*domain.PoisonEntry, error) {
	q, err := stageQueue(stage)
	if err != nil {
		return nil, err
	}
	entry, err := uc.admin.GetPoison(ctx, q.Stream, id)
	if err != nil {
		return nil, err
	}
	log := uc.logger.With("stage", stage, "poison_id", id, "transaction_id", entry.Envelope.TransactionID)

	if entry.Envelope.TransactionID != "" && stage != StageNotify {
		if err := uc.ledger.Reopen(ctx, entry.Envelope.TransactionID); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("reopen audit record: %w", err)
			}
			log.Info("audit record not in error, replaying without reopening")
		}
	}

	env := entry.Envelope
	env.ID = ""
	env.Attempt = 1
	env.Replay = true
	if err := uc.queue.Requeue(ctx, q.Stream, env); err != nil {
		return nil, fmt.Errorf("requeue: %w", err)
	}
	if err := uc.admin.DeletePoison(ctx, q.Stream, id); err != nil {
		log.Warn("replayed entry could not be removed from poison", "error", err)
	}
	log.Info("poison entry replayed")
	return entry, nil
}
