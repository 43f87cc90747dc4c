package config

import "strings"

// envMappings maps environment names to koanf paths. The first three are
// the names the service has always been deployed with.
var envMappings = map[string]string{
	"api_key":            "classifier.api_key",
	"telegram_bot_token": "telegram.bot_token",
	"channel_id":         "telegram.channel_id",

	"port":                "server.port",
	"max_upload_bytes":    "server.max_upload_bytes",
	"rate_limit_requests": "server.rate_limit_requests",
	"rate_limit_window":   "server.rate_limit_window",
	"shutdown_timeout":    "server.shutdown_timeout",

	"cache_max_size":     "cache.max_size",
	"cache_ttl":          "cache.ttl",
	"cache_negative_ttl": "cache.negative_ttl",
	"classify_timeout":   "cache.classify_timeout",

	"classifier_provider": "classifier.provider",
	"nim_url":             "classifier.url",
	"nim_model":           "classifier.model",
	"nim_max_attempts":    "classifier.max_attempts",
	"gemini_api_key":      "classifier.gemini_api_key",
	"gemini_model":        "classifier.gemini_model",

	"telegram_api_endpoint": "telegram.api_endpoint",
	"telegram_startup_ping": "telegram.startup_ping",

	"database_url":    "database.url",
	"verdict_max_age": "database.max_age",

	"minio_endpoint":   "archive.endpoint",
	"minio_access_key": "archive.access_key_id",
	"minio_secret_key": "archive.secret_access_key",
	"minio_bucket":     "archive.bucket",
	"minio_use_ssl":    "archive.use_ssl",
	"minio_prefix":     "archive.prefix",
	"minio_region":     "archive.region",

	"log_level":  "log.level",
	"log_format": "log.format",
}

// envTransformFunc returns "" for variables we do not know, so koanf skips them.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
