package config

import "time"

type configDefinition struct {
	Port           int        `koanf:"port"`
	ApiSecret      string     `koanf:"api_secret"`
	Backend        backend    `koanf:"backend"`
	Batch          batch      `koanf:"batch"`
	StatsFlush     statsFlush `koanf:"stats_flush"`
	Cache          cache      `koanf:"cache"`
	Logging        logging    `koanf:"logging"`
	Prometheus     Prometheus `koanf:"prometheus"`
	Sentry         sentry     `koanf:"sentry"`
	Pyroscope      pyroscope  `koanf:"pyroscope"`
	Webhooks       webhooks   `koanf:"webhooks"`
	NotifyOnChange bool       `koanf:"notify_on_change"`
}

type backend struct {
	DSN               string        `koanf:"dsn"`
	Namespace         string        `koanf:"namespace"`
	QuotaBytes        int           `koanf:"quota_bytes"`
	QuotaBytesPerItem int           `koanf:"quota_bytes_per_item"`
	PollInterval      time.Duration `koanf:"poll_interval"`
}

type batch struct {
	Window             time.Duration `koanf:"window"`
	SafetyInterval     time.Duration `koanf:"safety_interval"`
	MaxWritesPerWindow int           `koanf:"max_writes_per_window"`
	RateWindow         time.Duration `koanf:"rate_window"`
}

type statsFlush struct {
	Debounce       time.Duration `koanf:"debounce"`
	SafetyInterval time.Duration `koanf:"safety_interval"`
}

type cache struct {
	FastTTL time.Duration `koanf:"fast_ttl"`
	TTL     time.Duration `koanf:"ttl"`
}

type Prometheus struct {
	Enabled    bool      `koanf:"enabled"`
	Token      string    `koanf:"token"`
	BucketSize []float64 `koanf:"bucket_size"`
}

type sentry struct {
	DSN              string  `koanf:"dsn"`
	SampleRate       float64 `koanf:"sample_rate"`
	EnableTracing    bool    `koanf:"enable_tracing"`
	TracesSampleRate float64 `koanf:"traces_sample_rate"`
}

type pyroscope struct {
	ApplicationName      string `koanf:"application_name"`
	ServerAddress        string `koanf:"server_address"`
	ApiKey               string `koanf:"api_key"`
	Logger               bool   `koanf:"logger"`
	MutexProfileFraction int    `koanf:"mutex_profile_fraction"`
	BlockProfileRate     int    `koanf:"block_profile_rate"`
}

type logging struct {
	Debug      bool `koanf:"debug"`
	SaveLogs   bool `koanf:"save_logs"`
	MaxSize    int  `koanf:"max_size"`
	MaxBackups int  `koanf:"max_backups"`
	MaxAge     int  `koanf:"max_age"`
	Compress   bool `koanf:"compress"`
}

type webhooks struct {
	Interval  time.Duration `koanf:"interval"`
	Listeners []Webhook     `koanf:"listeners"`
}

// Webhook is one listener. An empty Types list receives every message type.
type Webhook struct {
	Url   string   `koanf:"url"`
	Types []string `koanf:"types"`
}

func (c configDefinition) GetPrometheus() Prometheus {
	return c.Prometheus
}

func (c configDefinition) GetWebhookInterval() time.Duration {
	return c.Webhooks.Interval
}

func (c configDefinition) GetWebhooks() []Webhook {
	return c.Webhooks.Listeners
}

// ListenerUrls returns the configured webhook listener addresses.
func (c configDefinition) ListenerUrls() []string {
	urls := make([]string, 0, len(c.Webhooks.Listeners))
	for _, l := range c.Webhooks.Listeners {
		if l.Url != "" {
			urls = append(urls, l.Url)
		}
	}
	return urls
}

func defaultConfig() configDefinition {
	return configDefinition{
		Port: 9001,
		Backend: backend{
			DSN:               "memory://",
			Namespace:         "sync",
			QuotaBytes:        102400,
			QuotaBytesPerItem: 8192,
			PollInterval:      2 * time.Second,
		},
		Batch: batch{
			Window:             50 * time.Millisecond,
			SafetyInterval:     10 * time.Second,
			MaxWritesPerWindow: 120,
			RateWindow:         time.Minute,
		},
		StatsFlush: statsFlush{
			Debounce:       time.Second,
			SafetyInterval: 30 * time.Second,
		},
		Cache: cache{
			FastTTL: 100 * time.Millisecond,
			TTL:     5 * time.Second,
		},
		Logging: logging{
			SaveLogs:   true,
			MaxSize:    50,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
		Sentry: sentry{
			SampleRate:       1.0,
			TracesSampleRate: 1.0,
		},
		Pyroscope: pyroscope{
			ApplicationName:      "settingsync",
			MutexProfileFraction: 5,
			BlockProfileRate:     5,
		},
		Webhooks: webhooks{
			Interval: time.Second,
		},
	}
}

var Config = defaultConfig()
