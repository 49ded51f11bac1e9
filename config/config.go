// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// キーストアの種別。
const (
	KeyStoreMemory = "memory"
	KeyStoreFile   = "file"
	KeyStoreDB     = "db"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	KMSKeyName         string
	GoogleCloudProject string
	LogLevel           string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64

	QKD QKDConfig

	KeyStore     string
	KeyStorePath string
	// KMEID はKMEシミュレータが名乗るID。
	KMEID string
	// KMEMaxKeySize はKMEシミュレータが発行する鍵の最大ビット長。0 は既定値。
	KMEMaxKeySize int

	DefaultSecurityLevel int
	MaxAttachmentSize    int64
}

// QKDConfig は鍵配送サービス（KME）への接続設定を表す。
type QKDConfig struct {
	UseSimulator bool
	Host         string
	Port         int
	APIVersion   string
	MasterSAEID  string
	SlaveSAEID   string
	UseTLS       bool
	VerifyTLS    bool
	Timeout      time.Duration
	Retries      int
}

// BaseURL はETSI APIのベースURLを返す。
func (q QKDConfig) BaseURL() string {
	scheme := "http"
	if q.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d/api/%s", scheme, q.Host, q.Port, q.APIVersion)
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),

		OtelEnabled:      getBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "qcrypt-service"),
		OtelSamplingRate: getFloat("OTEL_SAMPLING_RATE", 1.0),

		QKD: QKDConfig{
			UseSimulator: getBool("QKD_USE_SIMULATOR", true),
			Host:         getEnv("QKD_KM_HOST", "localhost"),
			Port:         getInt("QKD_KM_PORT", 8080),
			APIVersion:   getEnv("QKD_KM_API_VERSION", "v1"),
			MasterSAEID:  os.Getenv("QKD_KM_MASTER_SAE_ID"),
			SlaveSAEID:   os.Getenv("QKD_KM_SLAVE_SAE_ID"),
			UseTLS:       getBool("QKD_KM_USE_HTTPS", false),
			VerifyTLS:    getBool("QKD_KM_VERIFY_SSL", true),
			Timeout:      getDuration("QKD_KM_TIMEOUT", 30*time.Second),
			Retries:      getInt("QKD_KM_RETRIES", 2),
		},

		KeyStore:      strings.ToLower(getEnv("QKD_KEYSTORE", KeyStoreFile)),
		KeyStorePath:  getEnv("QKD_KEYSTORE_PATH", "instance/sim_qkd_keys.json"),
		KMEID:         getEnv("QKD_KME_ID", "KME_SIM"),
		KMEMaxKeySize: getInt("QKD_KME_MAX_KEY_SIZE", 65536),

		DefaultSecurityLevel: getInt("DEFAULT_SECURITY_LEVEL", 2),
		MaxAttachmentSize:    int64(getInt("MAX_ATTACHMENT_SIZE_MB", 25)) * 1024 * 1024,
	}
}

// Validate は設定値の整合性を検証する。
// 問題はすべて集約して返す。
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.DefaultSecurityLevel < 1 || c.DefaultSecurityLevel > 4 {
		result = multierror.Append(result, fmt.Errorf("DEFAULT_SECURITY_LEVEL must be between 1 and 4, got %d", c.DefaultSecurityLevel))
	}
	if c.MaxAttachmentSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("MAX_ATTACHMENT_SIZE_MB must be positive"))
	}
	if c.KMEMaxKeySize < 0 || c.KMEMaxKeySize%8 != 0 {
		result = multierror.Append(result, fmt.Errorf("QKD_KME_MAX_KEY_SIZE must be a positive multiple of 8, got %d", c.KMEMaxKeySize))
	}

	switch c.KeyStore {
	case KeyStoreMemory:
	case KeyStoreFile:
		if c.KeyStorePath == "" {
			result = multierror.Append(result, fmt.Errorf("QKD_KEYSTORE_PATH is required for the file keystore"))
		}
	case KeyStoreDB:
		if c.DatabaseURL == "" {
			result = multierror.Append(result, fmt.Errorf("DATABASE_URL is required for the db keystore"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown QKD_KEYSTORE %q", c.KeyStore))
	}

	if !c.QKD.UseSimulator {
		if c.QKD.Host == "" {
			result = multierror.Append(result, fmt.Errorf("QKD_KM_HOST is required"))
		}
		if c.QKD.Port <= 0 || c.QKD.Port > 65535 {
			result = multierror.Append(result, fmt.Errorf("QKD_KM_PORT is out of range: %d", c.QKD.Port))
		}
		if c.QKD.MasterSAEID == "" {
			result = multierror.Append(result, fmt.Errorf("QKD_KM_MASTER_SAE_ID is required"))
		}
		if c.QKD.Timeout <= 0 {
			result = multierror.Append(result, fmt.Errorf("QKD_KM_TIMEOUT must be positive"))
		}
	}

	return result.ErrorOrNil()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

// getDuration は "30s" 形式に加えて秒数の整数表記も受け付ける。
func getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
