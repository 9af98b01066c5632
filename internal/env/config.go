package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Addr        string        `env:"REDISCLIENT_ADDR,default=127.0.0.1:6379"`
	DialTimeout time.Duration `env:"REDISCLIENT_DIAL_TIMEOUT,default=5s"`

	// PushBufferSize bounds the replies held for Session.Pushes
	PushBufferSize int `env:"REDISCLIENT_PUSH_BUFFER,default=255"`

	LogLevel  string `env:"REDISCLIENT_LOG_LEVEL,default=info"`
	DebugHTTP bool   `env:"REDISCLIENT_DEBUG_HTTP"`
}

// LoadConfig reads .env.local, if there is one, and then the environment.
func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
