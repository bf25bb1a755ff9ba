package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigMarshalUnmarshal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Driver = StoreDriverPostgres
	cfg.Store.PostgresDSN = "postgres://inv@localhost/warehouse"
	cfg.Events.KafkaBrokers = []string{"kafka-1:9092", "kafka-2:9092"}
	cfg.Recommend.BoostPriority = true

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	var got Config
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, cfg, got)
}

func TestLoadConfig_PartialFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "store:\n  driver: memory\nleasing:\n  max_attempts: 3\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Leasing.Attempts())
	assert.Equal(t, DefaultZonePrefixLen, cfg.Leasing.PrefixLen())
	assert.Equal(t, 2*time.Hour, cfg.Leasing.TTL())
	assert.Equal(t, time.Hour, cfg.Leasing.Extension())
	assert.Equal(t, 50, cfg.Leasing.ZoneSize())
	assert.Equal(t, time.Duration(0), cfg.Leasing.SweepInterval())
	assert.Equal(t, 20, cfg.Recommend.Nearest())
	assert.Equal(t, 12, cfg.Recommend.Suggestions())
	assert.Equal(t, 5, cfg.Recommend.Priority())
	assert.Equal(t, 30*time.Second, cfg.Daemon.ShutdownTimeout())
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown driver", "store:\n  driver: mysql\n"},
		{"postgres without dsn", "store:\n  driver: postgres\n"},
		{"negative prefix", "leasing:\n  zone_prefix_len: -1\n"},
		{"negative sweep", "leasing:\n  sweep_interval_sec: -5\n"},
		{"broken yaml", "store: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestValidateLeaseTransition(t *testing.T) {
	assert.NoError(t, ValidateLeaseTransition(LeaseActive, LeaseCompleted))
	assert.NoError(t, ValidateLeaseTransition(LeaseActive, LeaseExpired))
	assert.Error(t, ValidateLeaseTransition(LeaseActive, LeaseActive))
	assert.Error(t, ValidateLeaseTransition(LeaseCompleted, LeaseActive))
	assert.Error(t, ValidateLeaseTransition(LeaseExpired, LeaseCompleted))
	assert.Error(t, ValidateLeaseTransition(LeaseStatus("bogus"), LeaseExpired))
}

func TestParseLeaseStatus(t *testing.T) {
	st, err := ParseLeaseStatus("completed")
	require.NoError(t, err)
	assert.Equal(t, LeaseCompleted, st)

	_, err = ParseLeaseStatus("paused")
	assert.Error(t, err)
}

func TestLease_IsLive(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l := Lease{Status: LeaseActive, ExpiresAt: now.Add(time.Minute)}
	assert.True(t, l.IsLive(now))

	l.ExpiresAt = now
	assert.False(t, l.IsLive(now), "expiry at now is no longer live")

	l.ExpiresAt = now.Add(time.Hour)
	l.Status = LeaseCompleted
	assert.False(t, l.IsLive(now))
}

func TestNewActiveLease_HoursLeft(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	al := NewActiveLease(Lease{Status: LeaseActive, ExpiresAt: now.Add(95 * time.Minute)}, now)
	assert.Equal(t, 1.6, al.HoursLeft)

	al = NewActiveLease(Lease{Status: LeaseActive, ExpiresAt: now.Add(-time.Minute)}, now)
	assert.Equal(t, 0.0, al.HoursLeft)
}

func TestAddressDistance(t *testing.T) {
	ref := Address{Floor: 2, Row: 40, Section: 140}
	assert.Equal(t, 0, ref.Distance(Address{Floor: 2, Row: 40, Section: 140, Shelf: 6, Cell: 3}))
	assert.Equal(t, 1+10+40, ref.Distance(Address{Floor: 3, Row: 30, Section: 100}))
	assert.Equal(t, 182, ref.Distance(Address{}))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("request zone: %w", ErrAllZonesBusy)))
	assert.False(t, IsRetryable(ErrCatalogEmpty))
	assert.False(t, IsRetryable(errors.New("connection refused")))

	assert.True(t, IsDomainError(fmt.Errorf("extend: %w", ErrLeaseNotFound)))
	assert.False(t, IsDomainError(errors.New("disk I/O error")))
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("request: %w", ErrAllZonesBusy), CodeAllZonesBusy},
		{ErrCatalogEmpty, CodeCatalogEmpty},
		{fmt.Errorf("extend lease 3: %w", ErrLeaseNotFound), CodeNotFound},
		{fmt.Errorf("%w: badge is required", ErrInvalidInput), CodeValidation},
		{ErrForbidden, CodeForbidden},
		{errors.New("database is locked"), CodeStore},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, ErrorCode(tt.err))
			if tt.code != CodeStore {
				assert.ErrorIs(t, tt.err, ErrorForCode(tt.code))
			} else {
				assert.Nil(t, ErrorForCode(tt.code))
			}
		})
	}
}
