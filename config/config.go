package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Config struct {
	HTTPAddr    string `envconfig:"http_addr" default:":8080"`
	DatabaseURL string `envconfig:"database_url" default:""`
	VerifyToken string `envconfig:"verify_token"`

	// WhatsApp Cloud API (provider B)
	CloudGraphURL        string `envconfig:"cloud_graph_url" default:"https://graph.facebook.com/v21.0"`
	CloudAccessToken     string `envconfig:"cloud_access_token"`
	CloudProfilePhotoURL string `envconfig:"cloud_profile_photo_url" default:"https://graph.facebook.com/v21.0/{phone}/picture?redirect=false&type=large"`

	// Evolution gateway (provider A)
	GatewayURL           string `envconfig:"gateway_url"`
	GatewayAPIKey        string `envconfig:"gateway_api_key"`
	GatewayWebhookSecret string `envconfig:"gateway_webhook_secret"`
	PublicWebhookURL     string `envconfig:"public_webhook_url"`

	StorageURL         string `envconfig:"storage_url"`
	StorageKey         string `envconfig:"storage_key"`
	StorageMediaBucket string `envconfig:"storage_media_bucket" default:"chat-media"`
	StorageAudioBucket string `envconfig:"storage_audio_bucket" default:"chat-audio"`

	BusDriver    string `envconfig:"bus_driver" default:"none"`
	AMQPURL      string `envconfig:"amqp_url"`
	AMQPExchange string `envconfig:"amqp_exchange" default:"realtime"`
	RedisURL     string `envconfig:"redis_url"`

	DeadLetterPath string `envconfig:"dead_letter_path" default:"deadletters.db"`

	UpstreamTimeout time.Duration `envconfig:"upstream_timeout" default:"15s"`
	PhotoTTL        time.Duration `envconfig:"photo_ttl" default:"168h"`

	LogLevel  string `envconfig:"log_level" default:"info"`
	LogFormat string `envconfig:"log_format" default:"text"`
}

func NewLoadedConfig() (*Config, error) {
	godotenv.Load()

	var c Config
	err := envconfig.Process("rimont", &c)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &c, nil
}

// NewLogger builds the process logger from the log settings.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", c.LogLevel)
	}
	logger.SetLevel(level)
	switch c.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, errors.Errorf("unknown log format %q", c.LogFormat)
	}
	return logger, nil
}
