package mail

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/smartnet-labs/smartnet/internal/model"
)

type handlers struct {
	db                  *DB
	outbound            *Outbound
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// handleSendInternal handles POST /v1/smartmail/send_internal.
func (h *handlers) handleSendInternal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var req model.SendInternalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateSendInternal(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	result, err := h.db.SendInternal(r.Context(), userFromContext(r.Context()), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		case errors.Is(err, ErrThreadNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
		default:
			h.logger.Error("send internal failed", "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to send message")
		}
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// handleMailbox handles GET /v1/smartmail/mailbox.
func (h *handlers) handleMailbox(w http.ResponseWriter, r *http.Request) {
	folder := model.Folder(r.URL.Query().Get("folder"))
	if folder == "" {
		folder = model.FolderInbox
	}
	if !model.ValidFolder(folder) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "folder must be inbox, sent or trash")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	// Fetch one row past the page to tell whether more exist.
	entries, err := h.db.Mailbox(r.Context(), userFromContext(r.Context()), folder, limit+1, offset)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
			return
		}
		h.logger.Error("mailbox failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list mailbox")
		return
	}
	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []model.MailboxEntry{}
	}
	writeList(w, r, entries, hasMore, limit, offset)
}

// handleThread handles GET /v1/smartmail/thread/{thread_id}.
func (h *handlers) handleThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := uuid.Parse(r.PathValue("thread_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid thread id")
		return
	}

	messages, err := h.db.Thread(r.Context(), userFromContext(r.Context()), threadID)
	if err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		case errors.Is(err, ErrThreadNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
		default:
			h.logger.Error("thread failed", "thread_id", threadID, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read thread")
		}
		return
	}
	writeJSON(w, r, http.StatusOK, messages)
}

// handleSearchUsers handles GET /v1/smartmail/search_users.
func (h *handlers) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "q is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	users, err := h.db.SearchUsers(r.Context(), q, limit)
	if err != nil {
		h.logger.Error("search users failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to search users")
		return
	}
	if users == nil {
		users = []model.MailUser{}
	}
	writeJSON(w, r, http.StatusOK, users)
}

// handleSendExternal handles POST /v1/smartmail/send_external. Upstream
// failures pass through with their original status and body; on success a
// local "sent" copy is recorded for the sender.
func (h *handlers) handleSendExternal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var req model.SendExternalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateSendExternal(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	sender := userFromContext(r.Context())
	if _, err := h.db.UserByUsername(r.Context(), sender); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
			return
		}
		h.logger.Error("resolve sender failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to resolve sender")
		return
	}

	if err := h.outbound.Send(r.Context(), req.To, req.Subject, req.Body); err != nil {
		var upstream *UpstreamError
		switch {
		case errors.Is(err, ErrMissingAPIKey):
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeMissingConfig, "email API key not configured")
		case errors.As(err, &upstream):
			// Verbatim pass-through of the upstream response.
			w.WriteHeader(upstream.Status)
			_, _ = w.Write(upstream.Body)
		default:
			h.logger.Error("send external failed", "error", err)
			writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamError, "email API unreachable")
		}
		return
	}

	resp := model.SendExternalResult{Delivered: true}
	if copy, err := h.db.RecordExternalCopy(r.Context(), sender, req.To, req.Subject, req.Body); err != nil {
		// The email went out; a failed local copy is logged, not surfaced,
		// and the response carries no copy ids.
		h.logger.Error("record external copy failed", "error", err)
	} else {
		resp.ThreadID = &copy.ThreadID
		resp.MessageID = &copy.MessageID
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handleHealth handles GET /health.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "database unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
	})
}
