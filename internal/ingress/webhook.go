package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/aurora/internal/domain"
	"github.com/oriys/aurora/internal/ledger"
)

// verifyGitHub checks a GitHub-style signature: "sha256=<hex hmac>"
// computed over the raw request body with no timestamp component,
// grounded on the donor's verify_github/verify_generic split.
func verifyGitHub(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	got := mac.Sum(nil)
	return hmac.Equal(want, got)
}

// verifyGeneric checks the generic contract: HMAC-SHA256 over the raw
// body, salted by a timestamp joined with a dot, plus a tolerance check
// on how far the timestamp may drift from now.
func verifyGeneric(secret string, body []byte, signatureHex, timestampHeader string, tolerance time.Duration) bool {
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return false
	}
	eventTime := time.Unix(ts, 0)
	if math.Abs(time.Since(eventTime).Seconds()) > tolerance.Seconds() {
		return false
	}

	want, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestampHeader + "."))
	mac.Write(body)
	got := mac.Sum(nil)
	return hmac.Equal(want, got)
}

// WebhookGitHub handles GitHub-style webhook deliveries: signature in
// X-Hub-Signature-256, event type in X-GitHub-Event, no timestamp.
func (s *Server) WebhookGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_body_failed", err.Error())
		return
	}

	if !verifyGitHub(s.cfg.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		writeError(w, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	s.acceptWebhook(w, r, "github", eventType, deliveryID, body)
}

// WebhookGeneric handles the generic HMAC+timestamp contract described
// in the ingress interface: X-Signature carries the hex HMAC,
// X-Timestamp carries the unix-seconds salt.
func (s *Server) WebhookGeneric(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_body_failed", err.Error())
		return
	}

	timestamp := r.Header.Get("X-Timestamp")
	tolerance := time.Duration(s.cfg.WebhookTimestampToleranceS) * time.Second
	if !verifyGeneric(s.cfg.WebhookSecret, body, r.Header.Get("X-Signature"), timestamp, tolerance) {
		writeError(w, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
		return
	}

	eventType := r.Header.Get("X-Event-Type")
	deliveryID := r.Header.Get("X-Delivery-Id")
	s.acceptWebhook(w, r, "generic", eventType, deliveryID, body)
}

// acceptWebhook records the inbox entry (duplicate ⇒ 401 replay) then
// enqueues a webhook_process task carrying the source, event type, and
// raw body.
func (s *Server) acceptWebhook(w http.ResponseWriter, r *http.Request, source, eventType, externalID string, body []byte) {
	if externalID == "" {
		// Sources without a stable delivery id fall back to a hash of the
		// body itself so at least exact-duplicate replays are still caught.
		mac := sha256.Sum256(body)
		externalID = hex.EncodeToString(mac[:])
	}

	if err := s.store.InsertInbox(r.Context(), source, externalID, "", ledger.InboxAccepted, ""); err != nil {
		if isReplay(err) {
			writeError(w, http.StatusUnauthorized, "replay", "duplicate webhook delivery")
			return
		}
		writeError(w, http.StatusInternalServerError, "inbox_write_failed", err.Error())
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"source":     source,
		"event_type": eventType,
		"body":       json.RawMessage(body),
	})
	task := domain.NewTask("webhook_process", payload, domain.PriorityNormal, "", "", nil)
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, "create_task_failed", err.Error())
		return
	}
	if _, err := s.engine.Enqueue(r.Context(), task, ""); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: task.ID.String(), Status: string(task.Status)})
}
