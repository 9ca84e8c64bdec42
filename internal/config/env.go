package config

import (
	"os"
	"strconv"
)

// LoadFromEnv applies environment overrides on top of file values. Secrets
// (master key, storage credentials, webhook URL) usually arrive this way.
func LoadFromEnv(cfg *Config) {
	if addr := os.Getenv("BASTION_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if level := os.Getenv("BASTION_LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = level
	}

	if mode := os.Getenv("BASTION_STORAGE_MODE"); mode != "" {
		cfg.Storage.Mode = mode
	}
	if path := os.Getenv("BASTION_STORAGE_PATH"); path != "" {
		cfg.Storage.LocalPath = path
	}
	if endpoint := os.Getenv("BASTION_S3_ENDPOINT"); endpoint != "" {
		cfg.Storage.Endpoint = endpoint
	}
	if region := os.Getenv("BASTION_S3_REGION"); region != "" {
		cfg.Storage.Region = region
	}
	if bucket := os.Getenv("BASTION_S3_BUCKET"); bucket != "" {
		cfg.Storage.Bucket = bucket
	}
	if key := os.Getenv("BASTION_S3_ACCESS_KEY"); key != "" {
		cfg.Storage.AccessKey = key
	}
	if secret := os.Getenv("BASTION_S3_SECRET_KEY"); secret != "" {
		cfg.Storage.SecretKey = secret
	}

	if masterKey := os.Getenv("BASTION_MASTER_KEY"); masterKey != "" {
		cfg.Crypto.MasterKeyHex = masterKey
	}
	if dsn := os.Getenv("BASTION_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}

	if retention := os.Getenv("BASTION_RETENTION_DAYS"); retention != "" {
		if days, err := strconv.Atoi(retention); err == nil {
			cfg.Backup.RetentionDays = days
		}
	}
	if webhook := os.Getenv("BASTION_ALERT_WEBHOOK"); webhook != "" {
		cfg.Monitoring.WebhookURL = webhook
	}
}

// GetEnvOrDefault returns an environment variable or a fallback.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
