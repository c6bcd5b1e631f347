// Package httpapi implements the HTTP surface (§6 "HTTP surface"): the
// hardware button-press endpoint, the POV-photo upload endpoint, the
// gallery listing, and the health check. All three authenticated routes
// resolve a bearer token to a user id the same way glasses connection_init
// does. Button-press and upload then hand work to the user's live
// UserSession actor rather than mutating session state from the HTTP
// goroutine directly; the gallery listing reads the store directly.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/auth"
	"github.com/sebas/cloudsessioncore/internal/media"
	"github.com/sebas/cloudsessioncore/internal/session"
	"github.com/sebas/cloudsessioncore/internal/store"
	"github.com/sebas/cloudsessioncore/internal/types"
)

// dispatchTimeout bounds how long an HTTP handler waits for a posted
// closure to run on a session's actor inbox before giving up.
const dispatchTimeout = 3 * time.Second

// Handler wires the HTTP surface to the Session Registry and the
// persisted-state store.
type Handler struct {
	registry *session.Registry
	store    store.Store
	glasses  auth.GlassesAuthenticator
	log      zerolog.Logger
}

func New(registry *session.Registry, st store.Store, glassesAuth auth.GlassesAuthenticator, log zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		store:    st,
		glasses:  glassesAuth,
		log:      log.With().Str("component", "httpapi").Logger(),
	}
}

// Router builds the gorilla/mux router exposing every route in §6.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/hardware/button-press", h.buttonPress).Methods(http.MethodPost)
	r.HandleFunc("/api/upload-pov-photo", h.uploadPhoto).Methods(http.MethodPost)
	r.HandleFunc("/api/gallery", h.gallery).Methods(http.MethodGet)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	return r
}

func (h *Handler) authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		return "", ErrMissingBearerToken
	}
	return h.glasses.ValidateGlassesToken(r.Context(), token)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// buttonPressRequest mirrors the device's POST body (§4.8).
type buttonPressRequest struct {
	ButtonID  string                `json:"buttonId"`
	PressType types.ButtonPressType `json:"pressType"`
	DeviceID  string                `json:"deviceId"`
}

// buttonPress implements §4.8's button endpoint decision tree by posting
// the dispatch onto the owning session's actor and waiting for the result.
func (h *Handler) buttonPress(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var body buttonPressRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	sess, ok := h.registry.Find(userID)
	if !ok {
		// §4.8 step 1: no UserSession for this user is a no-op, not an error.
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	type result struct {
		outcome media.ButtonOutcome
		err     error
	}
	done := make(chan result, 1)
	sess.Post(func(ctx context.Context) {
		outcome, err := media.DispatchButton(ctx, sess.Subscriptions(), sess, sess.Photos(), userID, body.ButtonID, body.PressType)
		done <- result{outcome, err}
	})

	select {
	case res := <-done:
		if res.err != nil {
			writeError(w, http.StatusInternalServerError, res.err.Error())
			return
		}
		if res.outcome.Action == "" {
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"action":        res.outcome.Action,
			"requestId":     res.outcome.RequestID,
			"saveToGallery": res.outcome.SaveToGallery,
		})
	case <-time.After(dispatchTimeout):
		writeError(w, http.StatusGatewayTimeout, "session busy")
	}
}

// uploadPhoto implements §4.8's upload endpoint: multipart body carrying
// requestId, appId, save_to_gallery and the media bytes.
func (h *Handler) uploadPhoto(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	requestID := r.FormValue("requestId")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "missing requestId")
		return
	}

	file, header, err := r.FormFile("photo")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing photo file")
		return
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed reading upload")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	sess, ok := h.registry.Find(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "no active session for this user")
		return
	}

	type result struct {
		url string
		err error
	}
	done := make(chan result, 1)
	sess.Post(func(ctx context.Context) {
		photos := sess.Photos()
		url, err := photos.Complete(ctx, requestID, userID, body, contentType)
		if err == nil {
			req, _ := photos.Get(requestID)
			if notifyErr := sess.SendPhotoTaken(ctx, req.RequestingPkg, requestID, url); notifyErr != nil {
				h.log.Warn().Err(notifyErr).Str("request_id", requestID).Msg("photo_taken notify failed")
			}
		}
		done <- result{url, err}
	})

	select {
	case res := <-done:
		switch res.err {
		case nil:
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "photoUrl": res.url})
		case media.ErrNotFound:
			writeError(w, http.StatusNotFound, "unknown request id")
		case media.ErrUserMismatch:
			writeError(w, http.StatusForbidden, "request belongs to a different user")
		case media.ErrAlreadyMatched:
			writeError(w, http.StatusConflict, "request already completed")
		case media.ErrExpired:
			writeError(w, http.StatusGone, "request expired")
		default:
			writeError(w, http.StatusInternalServerError, res.err.Error())
		}
	case <-time.After(dispatchTimeout):
		writeError(w, http.StatusGatewayTimeout, "session busy")
	}
}

// gallery implements §6 "GET /api/gallery" — a store read, bypassing the
// session actor entirely since gallery entries are persisted state, not
// session state.
func (h *Handler) gallery(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	cursor := r.URL.Query().Get("cursor")

	entries, next, err := h.store.ListGallery(r.Context(), userID, limit, cursor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"entries":    entries,
		"nextCursor": next,
	})
}

// health implements §6 "GET /health".
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ErrMissingBearerToken is returned when a request omits its bearer token.
var ErrMissingBearerToken = httpAuthError("httpapi: missing bearer token")

type httpAuthError string

func (e httpAuthError) Error() string { return string(e) }
