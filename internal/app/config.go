package app

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config contains all runtime configuration, loaded from RELAY_* environment
// variables. Nothing else in the process reads the environment directly; the
// gateway and collaborators get their knobs injected from here.
type Config struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	ReadHeaderTimeout time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	IdleTimeout       time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`

	// Origin policy shared by the CORS layer and the websocket gateway.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost,http://127.0.0.1"`
	OriginRequired bool     `envconfig:"ORIGIN_REQUIRED" default:"true"`

	WSDevInsecure       bool          `envconfig:"WS_DEV_INSECURE" default:"false"`
	WSWriteTimeout      time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"5s"`
	WSReadIdleTimeout   time.Duration `envconfig:"WS_READ_IDLE_TIMEOUT" default:"2m"`
	WSSendQueue         int           `envconfig:"WS_SEND_QUEUE" default:"256"`
	WSHeartbeatInterval time.Duration `envconfig:"WS_HEARTBEAT_INTERVAL" default:"25s"`
	WSHeartbeatTimeout  time.Duration `envconfig:"WS_HEARTBEAT_TIMEOUT" default:"5s"`
	WSRateEvents        int           `envconfig:"WS_RATE_EVENTS" default:"120"`
	WSRateWindow        time.Duration `envconfig:"WS_RATE_WINDOW" default:"10s"`

	VisitorTTL time.Duration `envconfig:"VISITOR_TTL" default:"30m"`

	// External persistence API. Empty base URL selects the in-memory dev store.
	StoreBaseURL string        `envconfig:"STORE_BASE_URL"`
	StoreToken   string        `envconfig:"STORE_API_TOKEN"`
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"10s"`

	// AI bridge. Empty API key disables automated replies.
	OpenAIAPIKey string        `envconfig:"OPENAI_API_KEY"`
	OpenAIModel  string        `envconfig:"OPENAI_MODEL"`
	AITimeout    time.Duration `envconfig:"AI_TIMEOUT" default:"20s"`
	AIMaxTurns   int           `envconfig:"AI_MAX_TURNS" default:"10"`
	AIStreaming  bool          `envconfig:"AI_STREAMING" default:"false"`
}

// LoadConfig loads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("relay", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
