// Package config loads the cloud session core's runtime configuration.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the root configuration struct, one sub-struct per concern,
// following the same envconfig.Process("", &cfg) convention the rest of
// this codebase's ancestry uses.
type Config struct {
	Server       Server
	Session      Session
	Display      Display
	Dashboard    Dashboard
	Audio        Audio
	Media        Media
	Collaborators Collaborators
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Server holds listener addresses for the three surfaces: glasses
// websocket, TPA websocket, and the HTTP API.
type Server struct {
	GlassesAddr string `envconfig:"GLASSES_ADDR" default:":8082"`
	TPAAddr     string `envconfig:"TPA_ADDR" default:":8083"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	IdleTimeout time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	PingInterval time.Duration `envconfig:"PING_INTERVAL" default:"20s"`
	// OutboundHighWaterMark is the per-connection outbound queue depth at
	// which audio-class frames start getting dropped (§4.1 backpressure).
	OutboundHighWaterMark int `envconfig:"OUTBOUND_HIGH_WATER_MARK" default:"256"`
}

// Session controls the glasses reconnection grace window (§4.2, §5).
type Session struct {
	GlassesGrace time.Duration `envconfig:"T_GLASSES_GRACE" default:"60s"`
	// OutboundGlassesBufferCap bounds the outbound-to-glasses buffer kept
	// during the grace window; oldest entries are dropped on overflow.
	OutboundGlassesBufferCap int `envconfig:"OUTBOUND_GLASSES_BUFFER_CAP" default:"200"`
}

// Display controls the Display Manager's throttle/boot timing (§4.5).
type Display struct {
	Throttle     time.Duration `envconfig:"T_THROTTLE" default:"300ms"`
	Boot         time.Duration `envconfig:"T_BOOT" default:"1500ms"`
	BootQueueCap int           `envconfig:"BOOT_QUEUE_CAP_PER_APP" default:"4"`
}

// Dashboard controls the Dashboard Manager's recomposition cadence (§4.6).
type Dashboard struct {
	RecomposeTick time.Duration `envconfig:"DASHBOARD_TICK" default:"500ms"`
	SystemPackage string        `envconfig:"DASHBOARD_SYSTEM_PACKAGE" default:"system.dashboard"`
}

// Audio controls the Audio Buffer's live/sliding window sizing (§4.7).
type Audio struct {
	LiveCap   time.Duration `envconfig:"AUDIO_LIVE_CAP_MS" default:"1s"`
	SlideCap  time.Duration `envconfig:"AUDIO_SLIDE_MS" default:"3s"`
	FrameSize time.Duration `envconfig:"AUDIO_FRAME_SIZE_MS" default:"10ms"`
}

// Media controls PhotoRequest TTL (§4.8).
type Media struct {
	PhotoExpire time.Duration `envconfig:"T_PHOTO_EXPIRE" default:"120s"`
}

// Collaborators configures the external systems this core talks to:
// auth token verification, object storage, and the NATS broadcaster.
type Collaborators struct {
	AuthJWTSecret      string `envconfig:"AUTH_JWT_SECRET" required:"true"`
	ObjectStoreBucket  string `envconfig:"OBJECT_STORE_BUCKET"`
	NATSURL            string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
}
