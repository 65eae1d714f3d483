package commands

import (
	"crypto/tls"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/mediocregopher/redpub"
)

const defaultConnectTimeout = 5 * time.Second

type redisSettings struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	DB             int           `yaml:"db"`
	TLS            bool          `yaml:"tls"`
	Persistent     bool          `yaml:"persistent"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	MaxChannels    int           `yaml:"maxChannels"`
}

type logSettings struct {
	Level string `yaml:"level"`
}

// settings are the effective configuration, gathered from flags, the
// environment and the config file.
type settings struct {
	Redis redisSettings `yaml:"redis"`
	Log   logSettings   `yaml:"log"`
}

func settingsFrom(v *viper.Viper) (settings, error) {
	s := settings{
		Redis: redisSettings{
			Host:           v.GetString("redis.host"),
			Port:           v.GetInt("redis.port"),
			User:           v.GetString("redis.user"),
			Password:       v.GetString("redis.password"),
			DB:             v.GetInt("redis.db"),
			TLS:            v.GetBool("redis.tls"),
			Persistent:     v.GetBool("redis.persistent"),
			ConnectTimeout: v.GetDuration("redis.connectTimeout"),
			MaxChannels:    v.GetInt("redis.maxChannels"),
		},
		Log: logSettings{
			Level: v.GetString("log.level"),
		},
	}

	if s.Redis.Host == "" {
		return s, errors.New("redis host cannot be empty")
	} else if s.Redis.Port <= 0 || s.Redis.Port > 65535 {
		return s, errors.Errorf("invalid redis port %d", s.Redis.Port)
	} else if s.Redis.DB < 0 {
		return s, errors.Errorf("invalid redis db %d", s.Redis.DB)
	}
	if s.Redis.ConnectTimeout <= 0 {
		s.Redis.ConnectTimeout = defaultConnectTimeout
	}
	return s, nil
}

func (s settings) dialOpts() []redpub.DialOpt {
	opts := []redpub.DialOpt{redpub.DialConnectTimeout(s.Redis.ConnectTimeout)}
	if s.Redis.Password != "" {
		if s.Redis.User != "" {
			opts = append(opts, redpub.DialAuthUser(s.Redis.User, s.Redis.Password))
		} else {
			opts = append(opts, redpub.DialAuthPass(s.Redis.Password))
		}
	}
	if s.Redis.DB != 0 {
		opts = append(opts, redpub.DialSelectDB(s.Redis.DB))
	}
	if s.Redis.TLS {
		opts = append(opts, redpub.DialUseTLS(&tls.Config{ServerName: s.Redis.Host}))
	}
	return opts
}

func (s settings) client(log *logrus.Logger) *redpub.Client {
	return redpub.ClientConfig{
		DialOpts:    s.dialOpts(),
		Persistent:  s.Redis.Persistent,
		MaxChannels: s.Redis.MaxChannels,
		Log:         log,
	}.New()
}

// redacted returns a copy of the settings which is safe to print.
func (s settings) redacted() settings {
	if s.Redis.Password != "" {
		s.Redis.Password = "********"
	}
	return s
}
