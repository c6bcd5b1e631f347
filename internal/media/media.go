// Package media implements the PhotoRequest table and hardware-button
// dispatch flow (§4.8): the decision between routing a button press to a
// subscribed TPA versus the system default action (capture + upload).
package media

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/objectstore"
	"github.com/sebas/cloudsessioncore/internal/store"
	"github.com/sebas/cloudsessioncore/internal/types"
)

var (
	ErrNotFound      = errors.New("media: photo request not found")
	ErrAlreadyMatched = errors.New("media: photo request already completed")
	ErrExpired        = errors.New("media: photo request expired")
	ErrUserMismatch   = errors.New("media: photo request belongs to a different user")
)

const SystemPackage = "system"

// GlassesControl sends the take_photo control message carrying a request
// id to the glasses link.
type GlassesControl interface {
	SendTakePhoto(ctx context.Context, requestID string) error
}

// TPANotifier delivers button_press data_stream events and photo_taken
// events to a TPA's link.
type TPANotifier interface {
	SendButtonPress(ctx context.Context, pkg, buttonID string, pressType types.ButtonPressType) error
	SendPhotoTaken(ctx context.Context, pkg, requestID, url string) error
}

// Table is the per-session PhotoRequest table. A PhotoRequest is matched
// at most once (§3 invariant); subsequent uploads for the same id are
// rejected.
type Table struct {
	mu      sync.Mutex
	reqs    map[string]*types.PhotoRequest
	expire  time.Duration
	objects objectstore.Store
	st      store.Store
	log     zerolog.Logger
}

func NewTable(expire time.Duration, objects objectstore.Store, st store.Store, log zerolog.Logger) *Table {
	return &Table{
		reqs:    make(map[string]*types.PhotoRequest),
		expire:  expire,
		objects: objects,
		st:      st,
		log:     log.With().Str("component", "media").Logger(),
	}
}

// Allocate reserves a fresh opaque PhotoRequest id and schedules its
// expiry (§4.8, §5).
func (t *Table) Allocate(userID, requestingPkg string, saveToGallery bool) types.PhotoRequest {
	req := types.PhotoRequest{
		ID:            uuid.NewString(),
		UserID:        userID,
		RequestingPkg: requestingPkg,
		SaveToGallery: saveToGallery,
		CreatedAt:     time.Now(),
		Status:        types.PhotoStatusPending,
	}

	t.mu.Lock()
	t.reqs[req.ID] = &req
	t.mu.Unlock()

	time.AfterFunc(t.expire, func() { t.expireOne(req.ID) })
	return req
}

func (t *Table) expireOne(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.reqs[id]; ok && r.Status == types.PhotoStatusPending {
		r.Status = types.PhotoStatusExpired
	}
}

// Get looks up a PhotoRequest by id.
func (t *Table) Get(id string) (types.PhotoRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.reqs[id]
	if !ok {
		return types.PhotoRequest{}, false
	}
	return *r, true
}

// Complete validates and marks a PhotoRequest matched by an upload, then
// persists the media and records the gallery entry (§4.8 upload endpoint).
func (t *Table) Complete(ctx context.Context, id, userID string, body []byte, contentType string) (url string, err error) {
	t.mu.Lock()
	r, ok := t.reqs[id]
	if !ok {
		t.mu.Unlock()
		return "", ErrNotFound
	}
	if r.UserID != userID {
		t.mu.Unlock()
		return "", ErrUserMismatch
	}
	switch r.Status {
	case types.PhotoStatusCompleted:
		t.mu.Unlock()
		return "", ErrAlreadyMatched
	case types.PhotoStatusExpired:
		t.mu.Unlock()
		return "", ErrExpired
	}
	if time.Since(r.CreatedAt) > t.expire {
		r.Status = types.PhotoStatusExpired
		t.mu.Unlock()
		return "", ErrExpired
	}
	reqCopy := *r
	t.mu.Unlock()

	path := "photos/" + userID + "/" + id
	url, err = t.objects.Put(ctx, path, bytes.NewReader(body), contentType)
	if err != nil {
		return "", err
	}
	t.log.Info().Str("request_id", id).Str("size", humanize.Bytes(uint64(len(body)))).Msg("photo uploaded")

	if reqCopy.SaveToGallery {
		entry := types.GalleryEntry{RequestID: id, UserID: userID, URL: url, CreatedAt: time.Now()}
		if err := t.st.SaveGalleryEntry(ctx, entry); err != nil {
			t.log.Warn().Err(err).Str("request_id", id).Msg("save gallery entry failed")
		}
	}
	if err := t.st.RecordPhotoRequestAudit(ctx, reqCopy, url); err != nil {
		t.log.Warn().Err(err).Str("request_id", id).Msg("record photo audit failed")
	}

	t.mu.Lock()
	r.Status = types.PhotoStatusCompleted
	t.mu.Unlock()

	return url, nil
}

// SubscriberChecker is the subset of subscription.Manager the button
// dispatcher consults.
type SubscriberChecker interface {
	HasSubscribers(kind types.StreamKind, filter map[string]string) bool
}

// ButtonOutcome is what the HTTP handler reports back to the device.
type ButtonOutcome struct {
	RoutedToTPA   bool
	Action        string // "take_photo" or ""
	RequestID     string
	SaveToGallery bool
}

// Router is the set of subscribed packages to fan a button_press event out
// to, returned by the caller's subscription lookup so DispatchButton stays
// agnostic of how subscriptions are stored.
type Router interface {
	SubscriberChecker
	Subscribers(kind types.StreamKind, filter map[string]string) []string
}

// DispatchButton implements the decision tree in §4.8: route to every
// subscribed TPA, else fall back to the system default action for the
// photo button, else a bare acknowledgement.
func DispatchButton(ctx context.Context, router Router, tpas TPANotifier, photos *Table, userID, buttonID string, pressType types.ButtonPressType) (ButtonOutcome, error) {
	filter := map[string]string{"id": buttonID}
	if router.HasSubscribers(types.StreamButtonPress, filter) {
		for _, pkg := range router.Subscribers(types.StreamButtonPress, filter) {
			if err := tpas.SendButtonPress(ctx, pkg, buttonID, pressType); err != nil {
				return ButtonOutcome{}, err
			}
		}
		return ButtonOutcome{RoutedToTPA: true}, nil
	}

	if buttonID == "photo" && pressType == types.ButtonPressShort {
		req := photos.Allocate(userID, SystemPackage, true)
		return ButtonOutcome{Action: "take_photo", RequestID: req.ID, SaveToGallery: true}, nil
	}

	return ButtonOutcome{}, nil
}
