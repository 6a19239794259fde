package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "FIELDINSPECT"
	defaultHTTPAddress    = "127.0.0.1:8765"
	defaultEnvironment    = EnvironmentProduction
	defaultDatabasePath   = "fieldinspect.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultIdentityIssuer = "fieldinspect-identity"
	defaultRemoteDriver   = RemoteDriverFirestore
	defaultBlobDriver     = BlobDriverFirebase
	defaultS3Region       = "auto"
	defaultSyncDebounce   = 2 * time.Second
)

const (
	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"

	RemoteDriverFirestore = "firestore"
	RemoteDriverMemory    = "memory"

	BlobDriverFirebase = "firebase"
	BlobDriverS3       = "s3"
	BlobDriverMemory   = "memory"
)

// S3Config holds settings for the S3-compatible blob driver.
type S3Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

// AppConfig captures runtime configuration for the inspection agent.
type AppConfig struct {
	HTTPAddress           string
	Environment           string
	DatabasePath          string
	LogLevel              string
	LogFormat             string
	IdentitySigningSecret string
	IdentityIssuer        string
	RemoteDriver          string
	FirebaseProjectID     string
	FirebaseCredentials   string
	BlobDriver            string
	BlobBucket            string
	S3                    S3Config
	SyncDebounce          time.Duration
	InitiallyOnline       bool
}

// Development reports whether remote write errors should be surfaced to callers.
func (c AppConfig) Development() bool {
	return c.Environment == EnvironmentDevelopment
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("environment", defaultEnvironment)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("identity.issuer", defaultIdentityIssuer)
	configViper.SetDefault("remote.driver", defaultRemoteDriver)
	configViper.SetDefault("blob.driver", defaultBlobDriver)
	configViper.SetDefault("s3.region", defaultS3Region)
	configViper.SetDefault("sync.debounce", defaultSyncDebounce)
	configViper.SetDefault("connectivity.initial_online", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		Environment:           strings.ToLower(strings.TrimSpace(configViper.GetString("environment"))),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		LogFormat:             strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		IdentitySigningSecret: configViper.GetString("identity.signing_secret"),
		IdentityIssuer:        configViper.GetString("identity.issuer"),
		RemoteDriver:          strings.ToLower(strings.TrimSpace(configViper.GetString("remote.driver"))),
		FirebaseProjectID:     configViper.GetString("firebase.project_id"),
		FirebaseCredentials:   configViper.GetString("firebase.credentials_file"),
		BlobDriver:            strings.ToLower(strings.TrimSpace(configViper.GetString("blob.driver"))),
		BlobBucket:            configViper.GetString("blob.bucket"),
		S3: S3Config{
			Endpoint:      configViper.GetString("s3.endpoint"),
			Region:        configViper.GetString("s3.region"),
			AccessKey:     configViper.GetString("s3.access_key"),
			SecretKey:     configViper.GetString("s3.secret_key"),
			PublicBaseURL: configViper.GetString("s3.public_base_url"),
		},
		SyncDebounce:    configViper.GetDuration("sync.debounce"),
		InitiallyOnline: configViper.GetBool("connectivity.initial_online"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.IdentitySigningSecret) == "" {
		return fmt.Errorf("identity.signing_secret is required")
	}
	if strings.TrimSpace(c.IdentityIssuer) == "" {
		return fmt.Errorf("identity.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.Environment {
	case EnvironmentProduction, EnvironmentDevelopment:
	default:
		return fmt.Errorf("environment must be %q or %q, got %q", EnvironmentProduction, EnvironmentDevelopment, c.Environment)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.SyncDebounce <= 0 {
		return fmt.Errorf("sync.debounce must be positive")
	}

	needsFirebase := false
	switch c.RemoteDriver {
	case RemoteDriverFirestore:
		needsFirebase = true
	case RemoteDriverMemory:
	default:
		return fmt.Errorf("remote.driver must be %q or %q, got %q", RemoteDriverFirestore, RemoteDriverMemory, c.RemoteDriver)
	}
	switch c.BlobDriver {
	case BlobDriverFirebase:
		needsFirebase = true
		if strings.TrimSpace(c.BlobBucket) == "" {
			return fmt.Errorf("blob.bucket is required for the firebase blob driver")
		}
	case BlobDriverS3:
		if strings.TrimSpace(c.BlobBucket) == "" {
			return fmt.Errorf("blob.bucket is required for the s3 blob driver")
		}
		if strings.TrimSpace(c.S3.AccessKey) == "" || strings.TrimSpace(c.S3.SecretKey) == "" {
			return fmt.Errorf("s3.access_key and s3.secret_key are required for the s3 blob driver")
		}
	case BlobDriverMemory:
	default:
		return fmt.Errorf("blob.driver must be %q, %q or %q, got %q", BlobDriverFirebase, BlobDriverS3, BlobDriverMemory, c.BlobDriver)
	}
	if needsFirebase && strings.TrimSpace(c.FirebaseProjectID) == "" {
		return fmt.Errorf("firebase.project_id is required for firebase drivers")
	}
	return nil
}
