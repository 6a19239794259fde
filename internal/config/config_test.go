package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("identity.signing_secret", "secret")
	configViper.Set("firebase.project_id", "fleet-inspections")
	configViper.Set("blob.bucket", "fleet-inspections.appspot.com")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RemoteDriver != RemoteDriverFirestore || cfg.BlobDriver != BlobDriverFirebase {
		t.Fatalf("unexpected drivers %q/%q", cfg.RemoteDriver, cfg.BlobDriver)
	}
	if cfg.SyncDebounce != 2*time.Second || !cfg.InitiallyOnline || cfg.Development() {
		t.Fatalf("unexpected runtime defaults %+v", cfg)
	}
	if cfg.IdentityIssuer != "fieldinspect-identity" || cfg.S3.Region != "auto" {
		t.Fatalf("unexpected identity/s3 defaults %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("FIELDINSPECT_IDENTITY_SIGNING_SECRET", "env-secret")
	t.Setenv("FIELDINSPECT_REMOTE_DRIVER", "memory")
	t.Setenv("FIELDINSPECT_BLOB_DRIVER", "memory")
	t.Setenv("FIELDINSPECT_ENVIRONMENT", "Development")
	t.Setenv("FIELDINSPECT_SYNC_DEBOUNCE", "500ms")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.IdentitySigningSecret != "env-secret" || !cfg.Development() || cfg.SyncDebounce != 500*time.Millisecond {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name      string
		overrides map[string]any
		expected  string
	}{
		{name: "missing secret", overrides: map[string]any{"identity.signing_secret": ""}, expected: "identity.signing_secret"},
		{name: "blank issuer", overrides: map[string]any{"identity.issuer": " "}, expected: "identity.issuer"},
		{name: "unknown environment", overrides: map[string]any{"environment": "staging"}, expected: "environment"},
		{name: "unknown log format", overrides: map[string]any{"log.format": "xml"}, expected: "log.format"},
		{name: "unknown remote driver", overrides: map[string]any{"remote.driver": "postgres"}, expected: "remote.driver"},
		{name: "firebase without project", overrides: map[string]any{"remote.driver": "firestore"}, expected: "firebase.project_id"},
		{name: "s3 without bucket", overrides: map[string]any{"blob.driver": "s3"}, expected: "blob.bucket"},
		{name: "s3 without keys", overrides: map[string]any{"blob.driver": "s3", "blob.bucket": "photos"}, expected: "s3.access_key"},
		{name: "non-positive debounce", overrides: map[string]any{"sync.debounce": "0s"}, expected: "sync.debounce"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("identity.signing_secret", "secret")
			configViper.Set("remote.driver", RemoteDriverMemory)
			configViper.Set("blob.driver", BlobDriverMemory)
			for key, value := range testCase.overrides {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.expected) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.expected, err)
			}
		})
	}
}
