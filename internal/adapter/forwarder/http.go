package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/V4T54L/invoice-router/internal/domain"
)

// HTTPForwarder posts the invoice as multipart/form-data. The recipient must
// answer 2xx with a JSON body carrying an ack_id; anything else is not a
// delivery.
type HTTPForwarder struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPForwarder(url, token string, timeout time.Duration) *HTTPForwarder {
	return &HTTPForwarder{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

type ackResponse struct {
	AckID      string    `json:"ack_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

func (f *HTTPForwarder) Send(ctx context.Context, req domain.ForwardRequest) (domain.ForwardAck, error) {
	body, contentType, err := encodeMultipart(req)
	if err != nil {
		return domain.ForwardAck{}, domain.WrapPermanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, body)
	if err != nil {
		return domain.ForwardAck{}, domain.WrapPermanent(err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	// Lets the recipient drop a resend after an ack we never recorded.
	httpReq.Header.Set("Idempotency-Key", req.TransactionID)
	if f.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return domain.ForwardAck{}, domain.WrapTransient(fmt.Errorf("forward %s: %w", req.TransactionID, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("recipient returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if permanentStatus(resp.StatusCode) {
			return domain.ForwardAck{}, domain.WrapPermanent(err)
		}
		return domain.ForwardAck{}, domain.WrapTransient(err)
	}

	var ack ackResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&ack); err != nil || ack.AckID == "" {
		return domain.ForwardAck{}, domain.WrapTransient(fmt.Errorf("%w: status %d without ack_id", domain.ErrNoAck, resp.StatusCode))
	}
	if ack.AcceptedAt.IsZero() {
		ack.AcceptedAt = time.Now().UTC()
	}
	return domain.ForwardAck{AckID: ack.AckID, AcceptedAt: ack.AcceptedAt}, nil
}

// permanentStatus reports client errors that a retry cannot fix.
func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

func encodeMultipart(req domain.ForwardRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := map[string]string{
		"transaction_id": req.TransactionID,
		"recipient":      req.Recipient,
		"attachment_ref": req.AttachmentRef,
	}
	for k, v := range req.Metadata {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, fields[k]); err != nil {
			return nil, "", err
		}
	}

	if len(req.Attachment) > 0 {
		name := req.AttachmentName
		if name == "" {
			name = req.TransactionID + ".bin"
		}
		part, err := mw.CreateFormFile("attachment", name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(req.Attachment); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
