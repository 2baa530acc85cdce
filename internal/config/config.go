package config

import (
	"encoding/json"
	"os"
	"time"
)

// Token grants a bearer token an identity.
type Token struct {
	UserID    int64 `json:"user_id"`
	Superuser bool  `json:"superuser"`
}

type Config struct {
	DBPath     string `json:"db_path"`
	ListenAddr string `json:"listen_addr"`

	WorkerCount      int `json:"worker_count"`
	MaxAttempts      int `json:"max_attempts"`
	RetryBackoffSecs int `json:"retry_backoff_secs"`

	ProviderBaseURL  string `json:"provider_base_url"`
	ProviderAPIKey   string `json:"provider_api_key"`
	PollIntervalSecs int    `json:"poll_interval_secs"`
	PollTimeoutSecs  int    `json:"poll_timeout_secs"`

	// When S3Bucket or SQSQueueURL are empty the process falls back to a
	// local directory store and an in-process queue.
	AWSRegion   string `json:"aws_region"`
	S3Bucket    string `json:"s3_bucket"`
	S3Prefix    string `json:"s3_prefix"`
	SQSQueueURL string `json:"sqs_queue_url"`
	LocalDir    string `json:"local_dir"`

	AuthTokens map[string]Token `json:"auth_tokens"`
}

func Default() *Config {
	return &Config{
		DBPath:           "audioscribe.db",
		ListenAddr:       ":8080",
		WorkerCount:      2,
		MaxAttempts:      3,
		RetryBackoffSecs: 60,
		ProviderBaseURL:  "https://api.assemblyai.com",
		PollIntervalSecs: 5,
		PollTimeoutSecs:  1800,
		AWSRegion:        "us-east-1",
		S3Prefix:         "uploads",
		LocalDir:         "data",
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Default(), nil
	}
	defer f.Close()
	c := Default()
	if err := json.NewDecoder(f).Decode(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSecs) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSecs) * time.Second
}
