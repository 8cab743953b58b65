package redis

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/invoice-router/internal/domain"
)

// Stream entry fields. The retry promoter script writes the same fields, so
// changes here must be mirrored there.
const (
	fieldPayload    = "payload"
	fieldTx         = "tx"
	fieldAttempt    = "attempt"
	fieldReplay     = "replay"
	fieldEnqueuedAt = "enqueued_at"

	fieldOriginalStream = "original_stream"
	fieldOriginalID     = "original_msg_id"
	fieldGroup          = "group"
	fieldReason         = "reason"
	fieldFailedAt       = "failed_at"
)

func envelopeValues(env domain.Envelope) map[string]interface{} {
	return map[string]interface{}{
		fieldPayload:    string(env.Body),
		fieldTx:         env.TransactionID,
		fieldAttempt:    strconv.Itoa(max(env.Attempt, 1)),
		fieldReplay:     boolFlag(env.Replay),
		fieldEnqueuedAt: env.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	}
}

// envelopeFromMessage never fails: an entry with missing fields still reaches
// the stage, whose decode error sends it to the poison stream.
func envelopeFromMessage(stream string, msg redis.XMessage) domain.Envelope {
	env := domain.Envelope{
		ID:      msg.ID,
		Stream:  stream,
		Attempt: 1,
	}
	env.Body = json.RawMessage(stringValue(msg.Values, fieldPayload))
	env.TransactionID = stringValue(msg.Values, fieldTx)
	if n, err := strconv.Atoi(stringValue(msg.Values, fieldAttempt)); err == nil && n > 0 {
		env.Attempt = n
	}
	env.Replay = stringValue(msg.Values, fieldReplay) == "1"
	if t, err := time.Parse(time.RFC3339Nano, stringValue(msg.Values, fieldEnqueuedAt)); err == nil {
		env.EnqueuedAt = t
	}
	return env
}

func poisonFromMessage(msg redis.XMessage) domain.PoisonEntry {
	original := stringValue(msg.Values, fieldOriginalStream)
	entry := domain.PoisonEntry{
		ID:             msg.ID,
		OriginalStream: original,
		Group:          stringValue(msg.Values, fieldGroup),
		Reason:         stringValue(msg.Values, fieldReason),
		Envelope:       envelopeFromMessage(original, msg),
	}
	entry.Envelope.ID = stringValue(msg.Values, fieldOriginalID)
	if t, err := time.Parse(time.RFC3339Nano, stringValue(msg.Values, fieldFailedAt)); err == nil {
		entry.FailedAt = t
	}
	return entry
}

// retryMember is the sorted-set member for a delayed retry. The original
// entry id keeps members unique when the same body is retried twice.
type retryMember struct {
	ID         string `json:"id"`
	Tx         string `json:"tx"`
	Attempt    string `json:"attempt"`
	Replay     string `json:"replay"`
	Body       string `json:"body"`
	EnqueuedAt string `json:"enqueued_at"`
}

func encodeRetryMember(env domain.Envelope) (string, error) {
	data, err := json.Marshal(retryMember{
		ID:         env.ID,
		Tx:         env.TransactionID,
		Attempt:    strconv.Itoa(env.Attempt),
		Replay:     boolFlag(env.Replay),
		Body:       string(env.Body),
		EnqueuedAt: env.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func stringValue(values map[string]interface{}, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
