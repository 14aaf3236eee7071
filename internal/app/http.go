package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"slateboard/api/internal/attach"
	"slateboard/api/internal/auth"
	"slateboard/api/internal/document"
	"slateboard/api/internal/rbac"
	"slateboard/api/internal/room"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/rt/admit" {
		var body struct {
			BoardID string `json:"boardId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.BoardID) == "" {
			writeError(w, http.StatusUnprocessableEntity, CodeValidation, "boardId is required", nil)
			return
		}
		admission, err := s.service.Admit(r.Context(), bearerToken(r), body.BoardID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, admission)
		return
	}

	// Internal route for the CRUD surface: resolve a user's effective
	// access level on any resource in the hierarchy.
	if r.Method == http.MethodGet && r.URL.Path == "/api/rt/access" {
		internalToken := strings.TrimSpace(r.Header.Get("x-slateboard-internal-token"))
		if internalToken == "" || internalToken != s.service.InternalToken() {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
			return
		}
		scope := rbac.Scope(strings.TrimSpace(r.URL.Query().Get("scope")))
		resourceID := strings.TrimSpace(r.URL.Query().Get("id"))
		userID := strings.TrimSpace(r.URL.Query().Get("userId"))
		if resourceID == "" || userID == "" {
			writeError(w, http.StatusUnprocessableEntity, CodeValidation, "scope, id and userId are required", nil)
			return
		}
		level, ok, err := s.service.ResolveAccessLevel(r.Context(), userID, rbac.Resource{Scope: scope, ID: resourceID})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"hasAccess": false, "level": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"hasAccess": true, "level": level})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 5 && parts[0] == "api" && parts[1] == "rt" && parts[2] == "invites" && parts[4] == "redeem" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		upgraded, err := s.service.RedeemInvite(r.Context(), bearerToken(r), parts[3])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "grantsApplied": upgraded})
		return
	}

	if len(parts) == 5 && parts[0] == "api" && parts[1] == "rt" && parts[2] == "boards" {
		s.handleBoard(w, r, parts[3], parts[4])
		return
	}

	if len(parts) == 6 && parts[0] == "api" && parts[1] == "rt" && parts[2] == "boards" && parts[4] == "attachments" && parts[5] == "remove" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			IDs []string `json:"ids"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.QueueRemoveAttachments(r.Context(), connID(r), parts[3], body.IDs); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleBoard(w http.ResponseWriter, r *http.Request, boardID, action string) {
	if action == "edit" && r.Method == http.MethodPost {
		var body struct {
			Elements     []document.Element `json:"elements"`
			TransientIDs []string           `json:"transientIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		merged, err := s.service.ApplyEdit(r.Context(), connID(r), boardID, body.Elements, body.TransientIDs)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"elements": merged, "version": document.Version(merged)})
		return
	}

	if action == "attachments" && r.Method == http.MethodPost {
		var body struct {
			Items []attach.Item `json:"items"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.AddAttachments(r.Context(), connID(r), boardID, body.Items)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if action == "leave" && r.Method == http.MethodPost {
		s.service.Leave(r.Context(), connID(r), boardID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if action == "presence" && r.Method == http.MethodPost {
		var body struct {
			State string `json:"state"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetPresence(connID(r), boardID, room.PresenceState(body.State)); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if action == "snapshot" && r.Method == http.MethodGet {
		if !s.requireManage(w, r, boardID) {
			return
		}
		snapshot, err := s.service.Snapshot(r.Context(), boardID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
		return
	}

	if action == "kick" && r.Method == http.MethodPost {
		if !s.requireManage(w, r, boardID) {
			return
		}
		var body struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.UserID) == "" {
			writeError(w, http.StatusUnprocessableEntity, CodeValidation, "userId is required", nil)
			return
		}
		kicked := s.service.Kick(r.Context(), boardID, body.UserID)
		writeJSON(w, http.StatusOK, map[string]any{"kicked": kicked})
		return
	}

	if action == "access" && r.Method == http.MethodGet {
		if !s.requireManage(w, r, boardID) {
			return
		}
		grants, err := s.service.AccessList(r.Context(), boardID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

// requireManage gates admin actions behind a live session with manage
// access on the board.
func (s *HTTPServer) requireManage(w http.ResponseWriter, r *http.Request, boardID string) bool {
	session, err := s.service.boardSession(connID(r), boardID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return false
	}
	if !session.CanManage {
		writeError(w, http.StatusForbidden, CodePermissionInsufficient, "Session has no manage access", nil)
		return false
	}
	return true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Conn-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func connID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Conn-ID"))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil
	}
	if errors.Is(err, document.ErrCorrupt) {
		return http.StatusInternalServerError, CodeSnapshotCorrupt, "Board snapshot is unreadable", nil
	}
	return http.StatusInternalServerError, CodeServerError, "Server error", nil
}
