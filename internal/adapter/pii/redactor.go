package pii

import (
	"log/slog"
	"strings"

	"github.com/V4T54L/invoice-router/internal/domain"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor masks configured notification fields before they leave the
// service.
type Redactor struct {
	fieldsToRedact map[string]struct{}
	logger         *slog.Logger
}

// NewRedactor creates a Redactor for the given field names.
func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field != "" {
			fieldSet[field] = struct{}{}
		}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger,
	}
}

// Redact masks matching fields of msg in place. Masked values are also
// scrubbed from the free text. It reports whether anything was masked.
func (r *Redactor) Redact(msg *domain.FormattedMessage) bool {
	if r == nil || len(r.fieldsToRedact) == 0 || msg == nil {
		return false
	}
	redacted := false
	for i, f := range msg.Fields {
		if _, ok := r.fieldsToRedact[f.Name]; !ok || f.Value == "" {
			continue
		}
		masked := Mask(f.Value)
		if msg.Text != "" {
			msg.Text = strings.ReplaceAll(msg.Text, f.Value, masked)
		}
		if msg.Title != "" {
			msg.Title = strings.ReplaceAll(msg.Title, f.Value, masked)
		}
		msg.Fields[i].Value = masked
		redacted = true
	}
	if redacted {
		r.logger.Debug("redacted notification fields", "transaction_id", msg.TransactionID)
	}
	return redacted
}

// Mask hides a value. E-mail addresses keep their first letter and domain so
// operators can still tell senders apart.
func Mask(v string) string {
	at := strings.LastIndexByte(v, '@')
	if at <= 0 || at == len(v)-1 {
		return RedactedPlaceholder
	}
	return v[:1] + "***" + v[at:]
}
