package types

import "encoding/json"

// Envelope is the text-frame wire shape for both the glasses and TPA
// duplex transports: a closed, versioned set of discriminated kinds tagged
// by Type, with the kind-specific payload carried as raw JSON.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Glasses -> Cloud inbound envelope kinds.
const (
	GlassesInConnectionInit       = "connection_init"
	GlassesInVAD                  = "VAD"
	GlassesInButtonPress          = "button_press"
	GlassesInHeadPosition         = "head_position"
	GlassesInBatteryUpdate        = "glasses_battery_update"
	GlassesInLocationUpdate       = "location_update"
	GlassesInCalendarEvent        = "calendar_event"
	GlassesInCoreStatus           = "core_status"
	GlassesInStartApp             = "start_app"
	GlassesInStopApp              = "stop_app"
)

// Cloud -> Glasses outbound envelope kinds.
const (
	GlassesOutConnectionAck       = "connection_ack"
	GlassesOutAppStateChange      = "app_state_change"
	GlassesOutDisplayEvent        = "display_event"
	GlassesOutMicrophoneState     = "microphone_state_change"
	GlassesOutConnectionError     = "connection_error"
	GlassesOutAuthError           = "auth_error"
	GlassesOutRequestSingle       = "request_single"
	GlassesOutReconnect           = "reconnect"
)

// TPA -> Cloud inbound envelope kinds.
const (
	TPAInConnectionInit       = "tpa_connection_init"
	TPAInSubscriptionUpdate   = "subscription_update"
	TPAInDisplayRequest       = "display_request"
	TPAInDashboardContent     = "dashboard_content_update"
	TPAInDashboardModeChange  = "dashboard_mode_change"
	TPAInDashboardSystemUpdate = "dashboard_system_update"
	TPAInPhotoRequest         = "photo_request"
	TPAInHeartbeat            = "heartbeat"
)

// Cloud -> TPA outbound envelope kinds.
const (
	TPAOutConnectionAck           = "connection_ack"
	TPAOutDataStream              = "data_stream"
	TPAOutDisplayRequestStatus    = "display_request_status"
	TPAOutDashboardModeChanged    = "dashboard_mode_changed"
	TPAOutDashboardAlwaysOnChanged = "dashboard_always_on_changed"
	TPAOutPhotoTaken              = "photo_taken"
	TPAOutSessionClosing          = "session_closing"
)

// ConnectionInit is sent by the glasses to authenticate a new link.
type ConnectionInit struct {
	CoreToken string `json:"coreToken"`
}

// ButtonPressEvent mirrors the HTTP button-press payload when delivered
// in-band over the glasses link instead.
type ButtonPressEvent struct {
	ButtonID  string          `json:"buttonId"`
	PressType ButtonPressType `json:"pressType"`
}

// BatteryUpdate carries the glasses' current power state.
type BatteryUpdate struct {
	Level         int   `json:"level"`
	Charging      bool  `json:"charging"`
	TimeRemaining *int  `json:"timeRemaining,omitempty"`
}

// LocationUpdate carries the glasses' current GPS fix.
type LocationUpdate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CalendarEvent carries a device-side calendar entry.
type CalendarEvent struct {
	Title    string `json:"title"`
	EventID  string `json:"eventId"`
	DTStart  string `json:"dtStart"`
	DTEnd    string `json:"dtEnd"`
	TimeZone string `json:"timeZone"`
}

// StartApp / StopApp name the package to boot or terminate on the glasses.
type StartApp struct {
	PackageName string `json:"packageName"`
}

type StopApp struct {
	PackageName string `json:"packageName"`
}

// ConnectionAck is the glasses-facing handshake response.
type ConnectionAck struct {
	InstalledApps        []string `json:"installedApps"`
	ActiveAppPackageNames []string `json:"activeAppPackageNames"`
}

// DisplayEvent is the outbound glasses rendering of an ActiveDisplay.
type DisplayEvent struct {
	PackageName string  `json:"packageName"`
	View        View    `json:"view"`
	Layout      Layout  `json:"layout"`
	DurationMs  *int64  `json:"durationMs,omitempty"`
}

// MicrophoneStateChange toggles the glasses' microphone.
type MicrophoneStateChange struct {
	IsMicrophoneEnabled bool `json:"isMicrophoneEnabled"`
}

// TPAConnectionInit authenticates a new TPA link to a specific sub-session.
type TPAConnectionInit struct {
	PackageName string `json:"packageName"`
	APIKey      string `json:"apiKey"`
	SessionID   string `json:"sessionId"`
}

// SubscriptionUpdateMsg replaces a TPA's full subscription set.
type SubscriptionUpdateMsg struct {
	Subscriptions []SubscriptionWire `json:"subscriptions"`
}

// SubscriptionWire is the wire shape of one requested subscription.
type SubscriptionWire struct {
	Kind   StreamKind        `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}

// DisplayRequestMsg is a TPA's request to render to MAIN or DASHBOARD.
type DisplayRequestMsg struct {
	View       View     `json:"view"`
	Layout     Layout   `json:"layout"`
	DurationMs *int64   `json:"durationMs,omitempty"`
	Priority   Priority `json:"priority,omitempty"`
}

// DashboardContentUpdateMsg submits content to one or more mode queues.
type DashboardContentUpdateMsg struct {
	Content   Layout          `json:"content"`
	Modes     []DashboardMode `json:"modes"`
	Timestamp int64           `json:"timestamp"`
}

// DashboardModeChangeMsg is system-package-only: change the active mode.
type DashboardModeChangeMsg struct {
	Mode DashboardMode `json:"mode"`
}

// DashboardSystemUpdateMsg is system-package-only: write a system section.
type DashboardSystemUpdateMsg struct {
	Section string `json:"section"`
	Content string `json:"content"`
}

// PhotoRequestMsg lets a TPA allocate a PhotoRequest in its own name.
type PhotoRequestMsg struct {
	SaveToGallery bool `json:"saveToGallery,omitempty"`
}

// TPAConnectionAck is the cloud-facing handshake response to a TPA.
type TPAConnectionAck struct {
	SessionID string `json:"sessionId"`
}

// DataStream fans out a subscribed stream's payload to an interested TPA.
type DataStream struct {
	StreamKind StreamKind      `json:"streamKind"`
	Payload    json.RawMessage `json:"payload"`
}

// DisplayRequestStatus is the feedback envelope for every display attempt.
type DisplayRequestStatus struct {
	Status DisplayStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// DashboardModeChanged / DashboardAlwaysOnChanged broadcast mode flips.
type DashboardModeChanged struct {
	Mode DashboardMode `json:"mode"`
}

type DashboardAlwaysOnChanged struct {
	Enabled bool `json:"enabled"`
}

// PhotoTaken notifies the originating TPA that its capture completed.
type PhotoTaken struct {
	RequestID string `json:"requestId"`
	URL       string `json:"url"`
}

// SessionClosing is sent to every TPA link when a session is torn down.
type SessionClosing struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
}

// AuthError closes a glasses link that failed authentication.
type AuthError struct {
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
}

// MustEnvelope builds an Envelope from a typed payload, panicking only on
// a programmer error (a payload type that cannot marshal).
func MustEnvelope(kind string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic("types: envelope payload does not marshal: " + err.Error())
	}
	return Envelope{Type: kind, Payload: raw}
}
