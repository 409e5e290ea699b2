package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	HistoryLimit  int    `mapstructure:"history_limit"`
}

// Config drives cmd/server.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`
	SendBuffer int           `mapstructure:"send_buffer"`
	ChatRate   RateConfig    `mapstructure:"chat_rate"`
	Store      StoreConfig   `mapstructure:"store"`
}

type WhiteboardConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	Debounce         time.Duration `mapstructure:"debounce"`
	RemoteSettle     time.Duration `mapstructure:"remote_settle"`
	AutosaveInterval time.Duration `mapstructure:"autosave_interval"`
}

// ParticipantConfig drives cmd/participant.
type ParticipantConfig struct {
	ServerURL          string           `mapstructure:"server_url"`
	APIURL             string           `mapstructure:"api_url"`
	SessionID          string           `mapstructure:"session_id"`
	UserID             string           `mapstructure:"user_id"`
	UserName           string           `mapstructure:"user_name"`
	Role               string           `mapstructure:"role"`
	Voice              bool             `mapstructure:"voice"`
	Video              bool             `mapstructure:"video"`
	ReconnectAttempts  int              `mapstructure:"reconnect_attempts"`
	ReconnectDelay     time.Duration    `mapstructure:"reconnect_delay"`
	AckTimeout         time.Duration    `mapstructure:"ack_timeout"`
	PingPeriod         time.Duration    `mapstructure:"ping_period"`
	Whiteboard         WhiteboardConfig `mapstructure:"whiteboard"`
	ICEServers         []string         `mapstructure:"ice_servers"`
	NegotiationTimeout time.Duration    `mapstructure:"negotiation_timeout"`
	LogLevel           string           `mapstructure:"log_level"`
}

var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("STUDYROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readFile(v *viper.Viper, kind string) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", kind, env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("chat_rate.limit", 5)
	v.SetDefault("chat_rate.interval", "1s")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.history_limit", 50)
}

func setParticipantDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("api_url", "http://localhost:8080/api")
	v.SetDefault("role", "student")
	v.SetDefault("voice", false)
	v.SetDefault("video", false)
	v.SetDefault("reconnect_attempts", 5)
	v.SetDefault("reconnect_delay", "1s")
	v.SetDefault("ack_timeout", "5s")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("whiteboard.poll_interval", "1s")
	v.SetDefault("whiteboard.debounce", "500ms")
	v.SetDefault("whiteboard.remote_settle", "100ms")
	v.SetDefault("whiteboard.autosave_interval", "30s")
	v.SetDefault("ice_servers", DefaultICEServers)
	v.SetDefault("negotiation_timeout", "30s")
	v.SetDefault("log_level", "info")
}

// Load reads config/config.<CONFIG_ENV>.yaml for the server.
func Load() (*Config, error) {
	v := newViper()
	setServerDefaults(v)
	readFile(v, "config")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Store: %s\n", cfg.Mode, cfg.Port, cfg.Store.Driver)
	return &cfg, nil
}

// ParticipantFlags declares the command-line overrides of the participant binary.
func ParticipantFlags(fs *pflag.FlagSet) {
	fs.String("server-url", "", "relay websocket url")
	fs.String("api-url", "", "REST base url")
	fs.String("session-id", "", "session to join")
	fs.String("user-id", "", "local user id")
	fs.String("user-name", "", "display name")
	fs.String("role", "", "teacher|student|ai")
	fs.Bool("voice", false, "join the voice channel")
	fs.Bool("video", false, "publish a video track")
	fs.String("log-level", "", "zerolog level")
}

var flagKeys = map[string]string{
	"server-url": "server_url",
	"api-url":    "api_url",
	"session-id": "session_id",
	"user-id":    "user_id",
	"user-name":  "user_name",
	"role":       "role",
	"voice":      "voice",
	"video":      "video",
	"log-level":  "log_level",
}

// LoadParticipant reads config/participant.<CONFIG_ENV>.yaml, then env, then flags.
func LoadParticipant(fs *pflag.FlagSet) (*ParticipantConfig, error) {
	v := newViper()
	setParticipantDefaults(v)
	readFile(v, "participant")

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg ParticipantConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
