package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "broker"

// Options is the raw, environment-shaped configuration. Fields may be
// overridden by flags before validation.
type Options struct {
	ServerAddr          string        `envconfig:"SERVER_ADDR" default:"localhost:4000"`
	SigningSecret       string        `envconfig:"SIGNING_SECRET"`
	InternalToken       string        `envconfig:"INTERNAL_TOKEN"`
	AllowedOrigins      []string      `envconfig:"ALLOWED_ORIGINS"`
	SendQueueSize       int           `envconfig:"SEND_QUEUE_SIZE" default:"256"`
	MaxConsecutiveDrops int           `envconfig:"MAX_CONSECUTIVE_DROPS" default:"32"`
	OfflineGrace        time.Duration `envconfig:"OFFLINE_GRACE" default:"2s"`
	RoomIdleTimeout     time.Duration `envconfig:"ROOM_IDLE_TIMEOUT" default:"30s"`
}

func FromEnv() (Options, error) {
	var opts Options
	if err := envconfig.Process(envPrefix, &opts); err != nil {
		return opts, fmt.Errorf("process env: %w", err)
	}
	return opts, nil
}

type Config struct {
	ServerAddr          string
	SigningKey          []byte
	InternalToken       string
	AllowedOrigins      []string
	SendQueueSize       int
	MaxConsecutiveDrops int
	OfflineGrace        time.Duration
	RoomIdleTimeout     time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(opts Options) (*Config, error) {
	if opts.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if opts.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if opts.InternalToken == "" {
		return nil, fmt.Errorf("internal token cannot be empty")
	}
	if opts.SendQueueSize <= 0 {
		return nil, fmt.Errorf("send queue size must be positive")
	}
	if opts.MaxConsecutiveDrops <= 0 {
		return nil, fmt.Errorf("max consecutive drops must be positive")
	}

	signingKey, err := decodeSigningSecret(opts.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:          opts.ServerAddr,
		SigningKey:          signingKey,
		InternalToken:       opts.InternalToken,
		AllowedOrigins:      opts.AllowedOrigins,
		SendQueueSize:       opts.SendQueueSize,
		MaxConsecutiveDrops: opts.MaxConsecutiveDrops,
		OfflineGrace:        opts.OfflineGrace,
		RoomIdleTimeout:     opts.RoomIdleTimeout,
	}, nil
}
