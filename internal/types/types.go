// Package types holds the wire envelopes and session-local entities shared
// across the cloud session core.
package types

import "time"

// StreamKind enumerates the closed, versioned set of subscribable stream
// kinds a TPA can register interest in.
type StreamKind string

const (
	StreamAudioChunk       StreamKind = "audio_chunk"
	StreamTranscription    StreamKind = "transcription"
	StreamTranslation      StreamKind = "translation"
	StreamPhoneNotification StreamKind = "phone_notification"
	StreamHeadPosition     StreamKind = "head_position"
	StreamButtonPress      StreamKind = "button_press"
	StreamGlassesBattery   StreamKind = "glasses_battery"
	StreamLocation         StreamKind = "location"
	StreamCalendarEvent    StreamKind = "calendar_event"
	StreamPhotoTaken       StreamKind = "photo_taken"
)

// Subscription is one TPA's standing interest in a stream kind, with
// optional kind-specific parameters (language pair for transcription,
// button id for button_press).
type Subscription struct {
	Package    string
	Kind       StreamKind
	Params     map[string]string
	Registered time.Time
}

// Key identifies this subscription uniquely within a package's subscription
// set, e.g. "button_press:photo" or "transcription:en-US".
func (s Subscription) Key() string {
	if len(s.Params) == 0 {
		return string(s.Kind)
	}
	switch s.Kind {
	case StreamTranscription:
		return string(s.Kind) + ":" + s.Params["lang"]
	case StreamTranslation:
		return string(s.Kind) + ":" + s.Params["from"] + "-" + s.Params["to"]
	}
	return string(s.Kind) + ":" + s.Params["id"]
}

// View is one of the two surfaces a DisplayRequest can target.
type View string

const (
	ViewMain      View = "MAIN"
	ViewDashboard View = "DASHBOARD"
)

// Priority governs whether a DisplayRequest bypasses boot queuing.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityCritical Priority = "critical"
)

// LayoutKind is the discriminated tag on a rendered layout payload.
type LayoutKind string

const (
	LayoutTextWall       LayoutKind = "TEXT_WALL"
	LayoutDoubleTextWall LayoutKind = "DOUBLE_TEXT_WALL"
	LayoutDashboardCard  LayoutKind = "DASHBOARD_CARD"
	LayoutReferenceCard  LayoutKind = "REFERENCE_CARD"
)

// Layout is a tagged variant; only the fields relevant to Kind are set.
type Layout struct {
	Kind   LayoutKind `json:"kind"`
	Text   string     `json:"text,omitempty"`
	Top    string     `json:"top,omitempty"`
	Bottom string     `json:"bottom,omitempty"`
	Title  string     `json:"title,omitempty"`
	Body   string     `json:"body,omitempty"`
}

// DisplayRequest is a request from a TPA (or generated internally) to show
// something on the glasses.
type DisplayRequest struct {
	Package   string
	View      View
	Layout    Layout
	Duration  time.Duration // 0 means no expiry
	Priority  Priority
	Timestamp time.Time
}

// ActiveDisplay is the single currently-shown DisplayRequest for a session.
type ActiveDisplay struct {
	Request   DisplayRequest
	ShownAt   time.Time
	ExpiresAt time.Time // zero means no expiry
}

// DashboardMode selects the Dashboard Manager's composition rules.
type DashboardMode string

const (
	DashboardModeMain      DashboardMode = "MAIN"
	DashboardModeExpanded  DashboardMode = "EXPANDED"
	DashboardModeAlwaysOn  DashboardMode = "ALWAYS_ON"
	DashboardModeNone      DashboardMode = "none"
)

// DashboardContent is one TPA's most recent submission to a content queue.
type DashboardContent struct {
	Package   string
	Content   Layout
	Timestamp time.Time
}

// DisplayStatus is the feedback envelope sent back to a TPA for every
// display attempt it makes.
type DisplayStatus string

const (
	DisplayStatusDisplayed  DisplayStatus = "displayed"
	DisplayStatusThrottled  DisplayStatus = "throttled"
	DisplayStatusQueuedBoot DisplayStatus = "queued_boot"
	DisplayStatusRejected   DisplayStatus = "rejected"
)

// PhotoRequestStatus tracks the lifecycle of a PhotoRequest.
type PhotoRequestStatus string

const (
	PhotoStatusPending   PhotoRequestStatus = "pending"
	PhotoStatusCompleted PhotoRequestStatus = "completed"
	PhotoStatusExpired   PhotoRequestStatus = "expired"
)

// PhotoRequest reserves an opaque id that a later device upload matches
// back to its originator.
type PhotoRequest struct {
	ID              string
	UserID          string
	RequestingPkg   string // "system" or a TPA package name
	SaveToGallery   bool
	CreatedAt       time.Time
	Status          PhotoRequestStatus
}

// AudioFrame is one sequenced chunk of PCM/encoded audio from the glasses.
type AudioFrame struct {
	Sequence  uint64
	Timestamp time.Time
	Payload   []byte
	Encoding  string // optional
}

// ButtonPressType distinguishes a tap from a long hold.
type ButtonPressType string

const (
	ButtonPressShort ButtonPressType = "short"
	ButtonPressLong  ButtonPressType = "long"
)

// GalleryEntry is a completed photo capture recorded for a user.
type GalleryEntry struct {
	RequestID string
	UserID    string
	URL       string
	CreatedAt time.Time
}
