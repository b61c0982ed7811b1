// ABOUTME: HTTP receivers for chat and tracker webhooks
// ABOUTME: Validate, normalize, enqueue; all domain work happens in the processor

package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/itamar-marom/oblivion/internal/dedupe"
	"github.com/itamar-marom/oblivion/internal/queue"
)

// maxBodyBytes caps webhook payload size.
const maxBodyBytes = 1 << 20

// Enqueuer is the slice of the queue the receiver needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, idempotencyKey string) error
}

// Receiver terminates provider webhooks. Handlers acknowledge fast:
// signature check, in-memory duplicate check, enqueue, respond. The
// queue's task IDs are the durable idempotency layer; the dedupe cache
// only short-circuits rapid redelivery without a Redis round trip.
type Receiver struct {
	enqueuer      Enqueuer
	recent        *dedupe.Cache
	chatSecret    []byte
	trackerSecret []byte
	logger        *slog.Logger
	now           func() time.Time
}

// NewReceiver creates a Receiver. Empty secrets disable verification
// for the corresponding provider; this is for local development only
// and is logged loudly at startup.
func NewReceiver(enqueuer Enqueuer, chatSecret, trackerSecret string) *Receiver {
	logger := slog.Default().With("component", "webhook")
	if chatSecret == "" {
		logger.Warn("chat signing secret not configured, signature verification disabled")
	}
	if trackerSecret == "" {
		logger.Warn("tracker webhook secret not configured, signature verification disabled")
	}
	return &Receiver{
		enqueuer:      enqueuer,
		recent:        dedupe.New(10*time.Minute, 10000),
		chatSecret:    []byte(chatSecret),
		trackerSecret: []byte(trackerSecret),
		logger:        logger,
		now:           time.Now,
	}
}

// Routes mounts the webhook endpoints.
func (rc *Receiver) Routes(r chi.Router) {
	r.Post("/webhooks/chat", rc.handleChat)
	r.Post("/webhooks/tracker", rc.handleTracker)
}

// Close stops the dedupe cache's background sweep.
func (rc *Receiver) Close() {
	rc.recent.Close()
}

// chatEnvelope is the subset of the chat provider's event callback the
// receiver needs.
type chatEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	EventID   string `json:"event_id"`
	Event     struct {
		Type     string `json:"type"`
		Channel  string `json:"channel"`
		User     string `json:"user"`
		BotID    string `json:"bot_id"`
		Text     string `json:"text"`
		ThreadTS string `json:"thread_ts"`
		TS       string `json:"ts"`
	} `json:"event"`
}

func (rc *Receiver) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	var env chatEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}

	// The provider's endpoint handshake must be answered synchronously
	// and happens before signing secrets are exchanged.
	if env.Type == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	}

	if len(rc.chatSecret) > 0 {
		sig := r.Header.Get("X-Signature")
		ts := r.Header.Get("X-Request-Timestamp")
		if err := verifyChatSignature(rc.chatSecret, ts, body, sig, rc.now()); err != nil {
			rc.logger.Warn("chat webhook rejected", "error", err)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
			return
		}
	}

	key := rc.chatIdempotencyKey(env, body)
	if rc.recent.Check(key) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	// Messages authored by bots, our own announcements included, do
	// not re-enter the pipeline.
	if env.Event.Type != "message" || env.Event.BotID != "" || env.Event.User == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	payload := queue.ChatMessagePayload{
		ChannelID: env.Event.Channel,
		ThreadRef: env.Event.ThreadTS,
		UserID:    env.Event.User,
		Text:      env.Event.Text,
	}
	rc.enqueue(w, r, queue.KindChatMessage, payload, key)
}

// chatIdempotencyKey prefers the provider's event id. Events without
// one fall back to a content key bucketed by minute, so an identical
// message sent later is still a new event.
func (rc *Receiver) chatIdempotencyKey(env chatEnvelope, body []byte) string {
	if env.EventID != "" {
		return "chat:" + env.EventID
	}
	if env.Event.TS != "" {
		return fmt.Sprintf("chat:%s:%s", env.Event.Channel, env.Event.TS)
	}
	bucket := rc.now().UTC().Truncate(time.Minute).Unix()
	return fmt.Sprintf("chat:%x:%d", sha256Sum(body), bucket)
}

// trackerEnvelope is the subset of the tracker provider's webhook the
// receiver needs. Status and comment detail ride in history items.
type trackerEnvelope struct {
	WebhookID string `json:"webhook_id"`
	Event     string `json:"event"`
	EventID   string `json:"event_id"`
	TaskID    string `json:"task_id"`
	History   []struct {
		Field string `json:"field"`
		After struct {
			Status string `json:"status"`
		} `json:"after"`
		Comment struct {
			Text string `json:"text_content"`
			User struct {
				Username string `json:"username"`
				Bot      bool   `json:"bot"`
			} `json:"user"`
		} `json:"comment"`
	} `json:"history_items"`
}

func (rc *Receiver) handleTracker(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if len(rc.trackerSecret) > 0 {
		sig := r.Header.Get("X-Webhook-Signature")
		if err := verifyTrackerSignature(rc.trackerSecret, body, sig); err != nil {
			rc.logger.Warn("tracker webhook rejected", "error", err)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
			return
		}
	}

	var env trackerEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}

	key := rc.trackerIdempotencyKey(env)
	if rc.recent.Check(key) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	switch env.Event {
	case "taskCreated":
		rc.enqueue(w, r, queue.KindTaskCreated, queue.TaskCreatedPayload{ExternalRef: env.TaskID}, key)
	case "taskStatusUpdated", "taskUpdated":
		rc.enqueue(w, r, queue.KindTaskUpdated, queue.TaskUpdatedPayload{
			ExternalRef: env.TaskID,
			RawStatus:   trackerStatus(env),
			Archived:    false,
		}, key)
	case "taskArchived":
		rc.enqueue(w, r, queue.KindTaskUpdated, queue.TaskUpdatedPayload{
			ExternalRef: env.TaskID,
			Archived:    true,
		}, key)
	case "taskCommentPosted":
		author, text, isHuman := trackerComment(env)
		if text == "" {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		rc.enqueue(w, r, queue.KindTaskComment, queue.TaskCommentPayload{
			ExternalRef: env.TaskID,
			Author:      author,
			Content:     text,
			IsHuman:     isHuman,
		}, key)
	default:
		rc.logger.Debug("unhandled tracker event", "event", env.Event)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (rc *Receiver) trackerIdempotencyKey(env trackerEnvelope) string {
	if env.EventID != "" {
		return "tracker:" + env.EventID
	}
	bucket := rc.now().UTC().Truncate(time.Minute).Unix()
	return fmt.Sprintf("tracker:%s:%s:%s:%d", env.WebhookID, env.TaskID, env.Event, bucket)
}

func trackerStatus(env trackerEnvelope) string {
	for _, h := range env.History {
		if h.Field == "status" {
			return h.After.Status
		}
	}
	return ""
}

func trackerComment(env trackerEnvelope) (author, text string, isHuman bool) {
	for _, h := range env.History {
		if h.Field == "comment" && h.Comment.Text != "" {
			return h.Comment.User.Username, h.Comment.Text, !h.Comment.User.Bot
		}
	}
	return "", "", false
}

// enqueue lands a job and acknowledges the webhook. A duplicate task ID
// means the queue already has this event, which is a success for the
// caller. The dedupe key is marked only once the event is durably in
// the queue: a failed enqueue leaves the key unmarked so the provider's
// retry of the same event is not swallowed by the fast path.
func (rc *Receiver) enqueue(w http.ResponseWriter, r *http.Request, kind string, payload any, key string) {
	err := rc.enqueuer.Enqueue(r.Context(), kind, payload, key)
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		rc.recent.Mark(key)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case err != nil:
		rc.logger.Error("enqueue failed", "kind", kind, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue unavailable"})
	default:
		rc.recent.Mark(key)
		writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
