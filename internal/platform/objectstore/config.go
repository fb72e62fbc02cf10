package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chainops/chain-go/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketReports string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("OBJECT_STORE_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("OBJECT_STORE_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("OBJECT_STORE_ACCESS_KEY", "chain"),
		SecretKey:     env.String("OBJECT_STORE_SECRET_KEY", "chainminio"),
		Region:        env.String("OBJECT_STORE_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketReports: env.String("OBJECT_STORE_BUCKET_REPORTS", "operation-reports"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketReports) == "" {
		return errors.New("reports bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
