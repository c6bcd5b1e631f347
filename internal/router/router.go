// Package router implements the Message Router (§4.5… cross-cutting
// §4): inbound glasses frames are dispatched by type, inbound TPA frames
// are authorized then dispatched, and outbound fan-out to TPAs is
// filtered by subscription. The router never touches a transport socket
// directly — it is handed a session.GlassesLink/session.TpaLink by the
// transport layer and drives the UserSession's subsystems through the
// accessors session.UserSession already exposes.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/auth"
	"github.com/sebas/cloudsessioncore/internal/media"
	"github.com/sebas/cloudsessioncore/internal/session"
	"github.com/sebas/cloudsessioncore/internal/store"
	"github.com/sebas/cloudsessioncore/internal/types"
)

var (
	// ErrAuthFailed is the §7 auth_failed error kind.
	ErrAuthFailed = errors.New("router: authentication failed")
	// ErrProtocolViolation is the §7 protocol_violation error kind.
	ErrProtocolViolation = errors.New("router: protocol violation")
)

// Router is the single entry point transport adapters call into. It owns
// no connections itself; each method is handed a link already upgraded by
// the transport layer.
type Router struct {
	registry  *session.Registry
	store     store.Store
	glassesAuth auth.GlassesAuthenticator
	tpaAuth     auth.TPAAuthenticator
	systemDashboardPkg string
	log zerolog.Logger
}

func New(registry *session.Registry, st store.Store, glassesAuth auth.GlassesAuthenticator, tpaAuth auth.TPAAuthenticator, systemDashboardPkg string, log zerolog.Logger) *Router {
	return &Router{
		registry:           registry,
		store:              st,
		glassesAuth:        glassesAuth,
		tpaAuth:            tpaAuth,
		systemDashboardPkg: systemDashboardPkg,
		log:                log.With().Str("component", "router").Logger(),
	}
}

// ConnectGlasses authenticates a coreToken and attaches the link to the
// user's session (creating one if none exists), per §4.2 attachGlasses.
func (r *Router) ConnectGlasses(ctx context.Context, coreToken string, link session.GlassesLink) (*session.UserSession, error) {
	userID, err := r.glassesAuth.ValidateGlassesToken(ctx, coreToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	sess, _ := r.registry.AttachGlasses(ctx, userID, link)

	installed, err := r.store.InstalledApps(ctx, userID)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("installed apps lookup failed")
	}
	sess.SetInstalledApps(installed)

	ack := types.MustEnvelope(types.GlassesOutConnectionAck, types.ConnectionAck{
		InstalledApps:         installed,
		ActiveAppPackageNames: sess.ConnectedPackages(),
	})
	_ = link.SendEnvelope(ctx, ack)
	return sess, nil
}

// DisconnectGlasses implements transport_dropped/clean-close handling for
// the glasses link (§4.2 detachGlasses).
func (r *Router) DisconnectGlasses(sess *session.UserSession) {
	r.registry.DetachGlasses(sess)
}

// ConnectTPA authenticates an API key, resolves the target session, and
// validates the package is installed for that session's user before
// attaching the link (§4.2 attachTpa).
func (r *Router) ConnectTPA(ctx context.Context, apiKey, sessionID string, link session.TpaLink) (*session.UserSession, string, error) {
	pkg, err := r.tpaAuth.ValidateAPIKey(ctx, apiKey)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	sess, ok := r.registry.FindByID(sessionID)
	if !ok {
		return nil, "", session.ErrUnknownSession
	}

	installed, err := r.store.IsInstalled(ctx, sess.UserID, pkg)
	if err != nil {
		r.log.Warn().Err(err).Str("package", pkg).Msg("install check failed")
	} else if !installed {
		return nil, "", fmt.Errorf("%w: %s not installed for this user", ErrProtocolViolation, pkg)
	}

	if _, err := r.registry.AttachTpa(sessionID, pkg, link); err != nil {
		return nil, "", err
	}

	ack := types.MustEnvelope(types.TPAOutConnectionAck, types.TPAConnectionAck{SessionID: sessionID})
	_ = link.SendEnvelope(ctx, ack)
	return sess, pkg, nil
}

// DisconnectTPA clears pkg's link and subscriptions (§3 invariant: no
// zombie subscriptions).
func (r *Router) DisconnectTPA(ctx context.Context, sess *session.UserSession, pkg string) {
	sess.DetachTpa(ctx, pkg)
}

// HandleGlassesText decodes and dispatches one inbound glasses text
// envelope, posting the mutation onto the session's actor inbox so it is
// serialized with every other handler (§4.3, §5 "within a single link,
// messages are processed in arrival order").
func (r *Router) HandleGlassesText(sess *session.UserSession, raw []byte) error {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: malformed envelope: %v", ErrProtocolViolation, err)
	}
	sess.Touch()
	sess.Post(func(ctx context.Context) {
		r.dispatchGlasses(ctx, sess, env)
	})
	return nil
}

// HandleGlassesBinary appends one audio frame to the session's Audio
// Buffer, fed by the sender task to subscribed TPAs (§4.7). The session
// builds its sender with no transcription feed, so frames do not reach
// the transcription collaborator.
func (r *Router) HandleGlassesBinary(sess *session.UserSession, payload []byte) {
	sess.Touch()
	sess.Post(func(ctx context.Context) {
		sess.AudioBuffer().Append(types.AudioFrame{Timestamp: time.Now(), Payload: payload})
	})
}

func (r *Router) dispatchGlasses(ctx context.Context, sess *session.UserSession, env types.Envelope) {
	switch env.Type {
	case types.GlassesInVAD:
		// Voice-activity hints are consumed by the transcription
		// collaborator out of band; this core has nothing to mutate.

	case types.GlassesInButtonPress:
		var ev types.ButtonPressEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			r.log.Warn().Err(err).Msg("malformed button_press")
			return
		}
		if _, err := media.DispatchButton(ctx, sess.Subscriptions(), sess, sess.Photos(), sess.UserID, ev.ButtonID, ev.PressType); err != nil {
			r.log.Warn().Err(err).Msg("button dispatch failed")
		}

	case types.GlassesInHeadPosition:
		r.fanOut(ctx, sess, types.StreamHeadPosition, env.Payload)

	case types.GlassesInBatteryUpdate:
		r.fanOut(ctx, sess, types.StreamGlassesBattery, env.Payload)

	case types.GlassesInLocationUpdate:
		r.fanOut(ctx, sess, types.StreamLocation, env.Payload)

	case types.GlassesInCalendarEvent:
		r.fanOut(ctx, sess, types.StreamCalendarEvent, env.Payload)

	case types.GlassesInCoreStatus:
		r.log.Debug().RawJSON("status", env.Payload).Str("session_id", sess.ID).Msg("core_status")

	case types.GlassesInStartApp:
		var msg types.StartApp
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			r.log.Warn().Err(err).Msg("malformed start_app")
			return
		}
		appName := msg.PackageName
		if entry, err := r.store.AppByPackage(ctx, msg.PackageName); err == nil {
			appName = entry.Name
		}
		sess.Display().StartApp(ctx, msg.PackageName, appName)

	case types.GlassesInStopApp:
		var msg types.StopApp
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			r.log.Warn().Err(err).Msg("malformed stop_app")
			return
		}
		sess.DetachTpa(ctx, msg.PackageName)

	default:
		r.log.Warn().Str("type", env.Type).Msg("unknown glasses envelope type")
	}
}

// fanOut delivers payload as a DataStream to every package subscribed to
// kind (§4.4 "who wants stream X for this user").
func (r *Router) fanOut(ctx context.Context, sess *session.UserSession, kind types.StreamKind, payload json.RawMessage) {
	for _, sub := range sess.Subscriptions().Get(kind) {
		if err := sess.SendDataStream(ctx, sub.Package, kind, payload); err != nil {
			r.log.Warn().Err(err).Str("package", sub.Package).Str("kind", string(kind)).Msg("data_stream delivery failed")
		}
	}
}

// HandleTpaText decodes and dispatches one inbound TPA text envelope from
// pkg, posted onto the owning session's actor inbox.
func (r *Router) HandleTpaText(sess *session.UserSession, pkg string, raw []byte) error {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: malformed envelope: %v", ErrProtocolViolation, err)
	}
	sess.Touch()
	sess.Post(func(ctx context.Context) {
		r.dispatchTPA(ctx, sess, pkg, env)
	})
	return nil
}

func (r *Router) dispatchTPA(ctx context.Context, sess *session.UserSession, pkg string, env types.Envelope) {
	switch env.Type {
	case types.TPAInHeartbeat:
		// Touch already recorded arrival; nothing else to do.

	case types.TPAInSubscriptionUpdate:
		var msg types.SubscriptionUpdateMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			r.log.Warn().Err(err).Msg("malformed subscription_update")
			return
		}
		subs := make([]types.Subscription, 0, len(msg.Subscriptions))
		for _, w := range msg.Subscriptions {
			subs = append(subs, types.Subscription{Package: pkg, Kind: w.Kind, Params: w.Params, Registered: time.Now()})
		}
		sess.Subscriptions().Set(ctx, pkg, subs)

	case types.TPAInDisplayRequest:
		var msg types.DisplayRequestMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			r.log.Warn().Err(err).Msg("malformed display_request")
			return
		}
		req := types.DisplayRequest{
			Package:   pkg,
			View:      msg.View,
			Layout:    msg.Layout,
			Priority:  msg.Priority,
			Timestamp: time.Now(),
		}
		if msg.DurationMs != nil {
			req.Duration = time.Duration(*msg.DurationMs) * time.Millisecond
		}
		if req.Priority == "" {
			req.Priority = types.PriorityNormal
		}
		sess.Display().Show(ctx, req)

	case types.TPAInDashboardContent:
		var msg types.DashboardContentUpdateMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			r.log.Warn().Err(err).Msg("malformed dashboard_content_update")
			return
		}
		sess.Dashboard().SubmitContent(ctx, pkg, msg.Content, msg.Modes)

	case types.TPAInDashboardModeChange:
		var msg types.DashboardModeChangeMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			r.log.Warn().Err(err).Msg("malformed dashboard_mode_change")
			return
		}
		if err := sess.Dashboard().SetMode(ctx, pkg, msg.Mode); err != nil {
			r.log.Warn().Err(err).Str("package", pkg).Msg("protocol_violation: dashboard_mode_change from non-system package")
		}

	case types.TPAInDashboardSystemUpdate:
		var msg types.DashboardSystemUpdateMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			r.log.Warn().Err(err).Msg("malformed dashboard_system_update")
			return
		}
		if err := sess.Dashboard().UpdateSystemSection(ctx, pkg, msg.Section, msg.Content); err != nil {
			r.log.Warn().Err(err).Str("package", pkg).Msg("protocol_violation: dashboard_system_update from non-system package")
		}

	case types.TPAInPhotoRequest:
		var msg types.PhotoRequestMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			r.log.Warn().Err(err).Msg("malformed photo_request")
			return
		}
		req := sess.Photos().Allocate(sess.UserID, pkg, msg.SaveToGallery)
		if err := sess.SendTakePhoto(ctx, req.ID); err != nil {
			r.log.Warn().Err(err).Str("package", pkg).Msg("take_photo control send failed")
		}

	default:
		r.log.Warn().Str("type", env.Type).Str("package", pkg).Msg("unknown tpa envelope type")
	}
}
