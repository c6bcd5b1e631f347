package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/media"
	"github.com/sebas/cloudsessioncore/internal/objectstore"
	"github.com/sebas/cloudsessioncore/internal/store"
	"github.com/sebas/cloudsessioncore/internal/transcription"
)

// Registry is the process-wide Session Registry (§4.2): the single
// mapping from user identity to the live UserSession. Reads (find,
// resolve-by-id) are expected to vastly outnumber writes (create,
// destroy), so the index is guarded by a plain RWMutex rather than the
// per-session actor model the sessions themselves use.
type Registry struct {
	mu      sync.RWMutex
	byUser  map[string]*UserSession
	byID    map[string]*UserSession

	cfg         Config
	store       store.Store
	objects     objectstore.Store
	transcribe  transcription.Control
	photoExpire time.Duration
	log         zerolog.Logger
}

func NewRegistry(cfg Config, st store.Store, objects objectstore.Store, tc transcription.Control, photoExpire time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		byUser:      make(map[string]*UserSession),
		byID:        make(map[string]*UserSession),
		cfg:         cfg,
		store:       st,
		objects:     objects,
		transcribe:  tc,
		photoExpire: photoExpire,
		log:         log.With().Str("component", "registry").Logger(),
	}
}

// Find is a non-blocking read by user identity (§4.2).
func (r *Registry) Find(userID string) (*UserSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUser[userID]
	return s, ok
}

// FindByID looks up a session by its own id, used to resolve a TPA's
// sub-session id back to the owning UserSession.
func (r *Registry) FindByID(sessionID string) (*UserSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	return s, ok
}

// AttachGlasses implements §4.2 attachGlasses: if a session for userID
// exists (within its glasses-grace window, or with a link still
// attached), the glasses link is swapped in and "reconnected" is
// reported; otherwise a new session is created and "started" is reported.
func (r *Registry) AttachGlasses(ctx context.Context, userID string, link GlassesLink) (sess *UserSession, reconnected bool) {
	r.mu.Lock()
	existing, ok := r.byUser[userID]
	if ok {
		r.mu.Unlock()
		reconnected = existing.AttachGlasses(link)
		r.log.Info().Str("user_id", userID).Str("session_id", existing.ID).Bool("reconnected", reconnected).Msg("glasses attached")
		return existing, reconnected
	}

	id := fmt.Sprintf("sess-%s", uuid.NewString())
	sess = New(id, userID, r.cfg, r.store, r.transcribe, r.log)
	photos := media.NewTable(r.photoExpire, r.objects, r.store, r.log)
	sess.SetPhotoTable(photos)
	sess.AttachGlasses(link)
	sess.OnDestroyed(func(reason string) { r.destroyLocked(sess, reason) })

	r.byUser[userID] = sess
	r.byID[id] = sess
	r.mu.Unlock()

	r.log.Info().Str("user_id", userID).Str("session_id", id).Msg("session started")
	return sess, false
}

// AttachTpa implements §4.2 attachTpa: resolves userSessionID, then swaps
// (or inserts) the link for pkg. It does not check whether pkg is
// installed; Router.ConnectTPA does that against the store beforehand.
func (r *Registry) AttachTpa(userSessionID, pkg string, link TpaLink) (*UserSession, error) {
	sess, ok := r.FindByID(userSessionID)
	if !ok {
		return nil, ErrUnknownSession
	}
	sess.AttachTpa(pkg, link)
	r.log.Info().Str("session_id", userSessionID).Str("package", pkg).Msg("tpa connected")
	return sess, nil
}

// DetachGlasses implements §4.2 detachGlasses: clears the glasses link and
// starts the session's own teardown timer; the session keeps accepting
// TPA traffic and buffering outbound glasses messages during the window.
func (r *Registry) DetachGlasses(sess *UserSession) {
	sess.DetachGlasses()
}

// Destroy implements §4.2 destroy: tears the session down and drops it
// from both registry indices.
func (r *Registry) Destroy(ctx context.Context, sess *UserSession, reason string) {
	sess.Destroy(ctx, reason)
	r.destroyLocked(sess, reason)
}

func (r *Registry) destroyLocked(sess *UserSession, reason string) {
	r.mu.Lock()
	if current, ok := r.byUser[sess.UserID]; ok && current == sess {
		delete(r.byUser, sess.UserID)
	}
	delete(r.byID, sess.ID)
	r.mu.Unlock()

	// A grace-expiry callback reaches here without having called
	// sess.Destroy itself (the timer fires Destroy via onDestroy), so make
	// sure destruction actually runs exactly once.
	sess.Destroy(context.Background(), reason)
	r.log.Info().Str("session_id", sess.ID).Str("user_id", sess.UserID).Str("reason", reason).Msg("session destroyed")
}

// Sessions returns a snapshot of every live session, for health/debug
// surfaces; never returned directly as the live map.
func (r *Registry) Sessions() []*UserSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*UserSession, 0, len(r.byUser))
	for _, s := range r.byUser {
		out = append(out, s)
	}
	return out
}

// ErrUnknownSession is returned when a TPA targets a session id the
// registry has no record of (§7 unknown_session).
var ErrUnknownSession = fmt.Errorf("session: unknown session id")
