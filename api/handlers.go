package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"goa.design/relay/auth"
	"goa.design/relay/dispatch"
	"goa.design/relay/event"
	"goa.design/relay/session"
)

type (
	// chatRequest is the POST /chat and POST /chat/sync body.
	chatRequest struct {
		Message        string          `json:"message"`
		SessionID      string          `json:"session_id,omitempty"`
		Context        json.RawMessage `json:"context,omitempty"`
		TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	}

	// chatResponse is the POST /chat reply.
	chatResponse struct {
		SessionID string `json:"session_id"`
		TaskID    string `json:"task_id"`
		StreamURL string `json:"stream_url"`
	}

	// syncResponse is the POST /chat/sync reply.
	syncResponse struct {
		SessionID  string            `json:"session_id"`
		TaskID     string            `json:"task_id"`
		Status     string            `json:"status"`
		Response   string            `json:"response,omitempty"`
		Error      string            `json:"error,omitempty"`
		ErrorType  string            `json:"error_type,omitempty"`
		TokenUsage *event.TokenUsage `json:"token_usage,omitempty"`
		Events     int               `json:"events"`
	}
)

func (r chatRequest) validate() error {
	msg := strings.TrimSpace(r.Message)
	if msg == "" {
		return errors.New("message is required")
	}
	if len(r.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds %d characters", MaxMessageLen)
	}
	if len(r.Context) > 0 && !json.Valid(r.Context) {
		return errors.New("context must be valid JSON")
	}
	return nil
}

// startTask resolves or creates the session and enqueues the work.
func (s *Server) startTask(ctx context.Context, req chatRequest) (session.Session, dispatch.Job, error) {
	userID := auth.UserID(ctx)
	var sess session.Session
	var err error
	if req.SessionID != "" {
		sess, err = s.sessions.Get(ctx, req.SessionID)
		if err == nil {
			// Follow-up message on an existing session.
			sess, err = s.sessions.Update(ctx, sess.ID, map[string]any{"prompt": req.Message})
		} else if errors.Is(err, session.ErrNotFound) {
			sess, err = s.sessions.Create(ctx, req.SessionID, req.Message, userID, req.Context)
		}
	} else {
		sess, err = s.sessions.Create(ctx, "", req.Message, userID, req.Context)
	}
	if err != nil {
		return session.Session{}, dispatch.Job{}, err
	}
	job, err := s.queue.Enqueue(ctx, dispatch.Job{
		SessionID: sess.ID,
		Prompt:    req.Message,
		UserID:    userID,
		Context:   req.Context,
	})
	if err != nil {
		return session.Session{}, dispatch.Job{}, err
	}
	return sess, job, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	sess, job, err := s.startTask(ctx, req)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	log.Info(ctx, log.KV{K: "msg", V: "task accepted"},
		log.KV{K: "session_id", V: sess.ID}, log.KV{K: "task_id", V: job.TaskID})
	writeJSON(w, http.StatusAccepted, chatResponse{
		SessionID: sess.ID,
		TaskID:    job.TaskID,
		StreamURL: "/chat/stream?session_id=" + url.QueryEscape(sess.ID),
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		// Prompt-only connect: create the session and start work before
		// attaching, so a single round trip yields a live stream.
		prompt := r.URL.Query().Get("prompt")
		if prompt == "" {
			writeError(ctx, w, http.StatusBadRequest, "session_id or prompt is required")
			return
		}
		req := chatRequest{Message: prompt}
		if err := req.validate(); err != nil {
			writeError(ctx, w, http.StatusBadRequest, err.Error())
			return
		}
		sess, _, err := s.startTask(ctx, req)
		if err != nil {
			writeDomainError(ctx, w, err)
			return
		}
		sessionID = sess.ID
	} else if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	if err := s.streamer.Stream(w, r, sessionID); err != nil && !errors.Is(err, context.Canceled) {
		// Headers are long gone; nothing to send the client.
		log.Warn(ctx, log.KV{K: "msg", V: "stream ended with error"},
			log.KV{K: "session_id", V: sessionID}, log.KV{K: "err", V: err})
	}
}

func (s *Server) handleChatSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	timeout := DefaultSyncTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
		if timeout > MaxSyncTimeout {
			timeout = MaxSyncTimeout
		}
	}
	sess, job, err := s.startTask(ctx, req)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	entries, err := s.events.TailUntilTerminal(waitCtx, sess.ID)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}

	if len(entries) == 0 {
		writeDomainError(ctx, w, errors.New("stream ended without a terminal event"))
		return
	}
	resp := syncResponse{SessionID: sess.ID, TaskID: job.TaskID, Events: len(entries)}
	last := entries[len(entries)-1]
	switch last.Event.Type {
	case event.TypeFinal:
		var payload event.FinalPayload
		if err := json.Unmarshal(last.Event.Data, &payload); err != nil {
			writeDomainError(ctx, w, fmt.Errorf("decode final payload: %w", err))
			return
		}
		resp.Status = "completed"
		resp.Response = payload.Response
		resp.TokenUsage = payload.TokenUsage
	case event.TypeError:
		var payload event.ErrorPayload
		if err := json.Unmarshal(last.Event.Data, &payload); err != nil {
			writeDomainError(ctx, w, fmt.Errorf("decode error payload: %w", err))
			return
		}
		resp.Status = "error"
		resp.Error = payload.Message
		resp.ErrorType = payload.ErrorType
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.sessions.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleSessionDelete removes the session and everything keyed to it: the
// event stream, the delivered set and any cancel flag.
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(ctx, id); err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	if err := s.events.Cleanup(ctx, id); err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	if err := s.pub.ClearCancelFlag(ctx, id); err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	if err := s.sessions.Delete(ctx, id); err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	log.Info(ctx, log.KV{K: "msg", V: "session deleted"}, log.KV{K: "session_id", V: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	switch sess.Status {
	case session.StatusIdle, session.StatusProcessing:
	default:
		writeError(ctx, w, http.StatusConflict,
			fmt.Sprintf("session is %s, nothing to cancel", sess.Status))
		return
	}
	if err := s.pub.SetCancelFlag(ctx, id); err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	log.Info(ctx, log.KV{K: "msg", V: "cancellation requested"}, log.KV{K: "session_id", V: id})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"cancelled":  true,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

// handleReadyz reports whether this replica can serve traffic: the store
// must answer and at least one worker must be heartbeating. A workerless
// cluster still accepts requests (they queue), hence degraded rather than
// unavailable.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	if s.checker != nil {
		_, ready = s.checker.Check(ctx)
	} else if s.redis != nil {
		ready = s.redis.Ping(ctx) == nil
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"reason": "store unreachable",
		})
		return
	}
	workers := 0
	if s.workers != nil {
		workers = dispatch.LiveWorkers(s.workers)
	}
	status := "ok"
	if workers == 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"workers": workers,
	})
}

func (s *Server) handleBufferStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.buffers.Snapshot())
}
