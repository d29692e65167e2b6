package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "default values",
			env:  map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Port != "8080" {
					t.Errorf("expected port 8080, got %s", cfg.Port)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("expected log level info, got %s", cfg.LogLevel)
				}
				if cfg.WSReadTimeout != 60*time.Second {
					t.Errorf("expected WSReadTimeout 60s, got %v", cfg.WSReadTimeout)
				}
				if cfg.StoreDriver != "memory" {
					t.Errorf("expected memory store, got %s", cfg.StoreDriver)
				}
				if cfg.DefaultAgentCapacity != 3 || cfg.DefaultWaitMinutes != 15 || cfg.WaitSampleLimit != 50 {
					t.Errorf("unexpected routing defaults %d/%d/%d", cfg.DefaultAgentCapacity, cfg.DefaultWaitMinutes, cfg.WaitSampleLimit)
				}
				if cfg.WaitWindow != 7*24*time.Hour {
					t.Errorf("expected 7 day window, got %v", cfg.WaitWindow)
				}
				if cfg.SLThresholdSecs != 120 {
					t.Errorf("expected SL threshold 120, got %d", cfg.SLThresholdSecs)
				}
				if cfg.MaxQueueWait != 30*time.Minute || cfg.AbandonAfter != 0 {
					t.Errorf("unexpected job thresholds %v/%v", cfg.MaxQueueWait, cfg.AbandonAfter)
				}
				if len(cfg.Departments) != 4 || cfg.Departments[0] != "general" {
					t.Errorf("unexpected departments %v", cfg.Departments)
				}
				if len(cfg.KafkaBrokers) != 0 {
					t.Errorf("expected no kafka brokers, got %v", cfg.KafkaBrokers)
				}
				if cfg.VerifyJWT {
					t.Error("development should not force signature checks")
				}
			},
		},
		{
			name: "custom values",
			env: map[string]string{
				"PORT":                     "9000",
				"LOG_LEVEL":                "debug",
				"WS_READ_TIMEOUT":          "30",
				"WS_WRITE_TIMEOUT":         "5",
				"ALLOWED_ORIGINS":          "http://example.com, http://test.com",
				"STORE_DRIVER":             "SQLite",
				"KAFKA_BROKERS":            "kafka-1:9092,kafka-2:9092",
				"DEPARTMENTS":              "general,returns",
				"ABANDON_AFTER_MINUTES":    "90",
				"QUEUE_BROADCAST_INTERVAL": "2s",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Port != "9000" {
					t.Errorf("expected port 9000, got %s", cfg.Port)
				}
				if cfg.WSWriteTimeout != 5*time.Second {
					t.Errorf("expected WSWriteTimeout 5s, got %v", cfg.WSWriteTimeout)
				}
				if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://test.com" {
					t.Errorf("unexpected origins %v", cfg.AllowedOrigins)
				}
				if cfg.StoreDriver != "sqlite" {
					t.Errorf("expected sqlite, got %s", cfg.StoreDriver)
				}
				if len(cfg.KafkaBrokers) != 2 {
					t.Errorf("expected 2 brokers, got %v", cfg.KafkaBrokers)
				}
				if len(cfg.Departments) != 2 || cfg.Departments[1] != "returns" {
					t.Errorf("unexpected departments %v", cfg.Departments)
				}
				if cfg.AbandonAfter != 90*time.Minute {
					t.Errorf("expected 90m abandon threshold, got %v", cfg.AbandonAfter)
				}
				if cfg.QueueBroadcastInterval != 2*time.Second {
					t.Errorf("expected 2s interval, got %v", cfg.QueueBroadcastInterval)
				}
			},
		},
		{
			name: "production forces signature verification",
			env:  map[string]string{"ENV": "production"},
			check: func(t *testing.T, cfg *Config) {
				if !cfg.VerifyJWT {
					t.Error("expected VerifyJWT in production")
				}
			},
		},
		{
			name:    "invalid WS_READ_TIMEOUT",
			env:     map[string]string{"WS_READ_TIMEOUT": "invalid"},
			wantErr: true,
		},
		{
			name:    "invalid WS_WRITE_TIMEOUT",
			env:     map[string]string{"WS_WRITE_TIMEOUT": "invalid"},
			wantErr: true,
		},
		{
			name:    "invalid capacity",
			env:     map[string]string{"DEFAULT_AGENT_CAPACITY": "0"},
			wantErr: true,
		},
		{
			name:    "postgres without url",
			env:     map[string]string{"STORE_DRIVER": "postgres"},
			wantErr: true,
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"STORE_DRIVER": "mongo"},
			wantErr: true,
		},
		{
			name:    "invalid broadcast interval",
			env:     map[string]string{"QUEUE_BROADCAST_INTERVAL": "soon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment
			os.Clearenv()

			// Set test environment variables
			for k, v := range tt.env {
				os.Setenv(k, v)
			}

			cfg, err := Load()

			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestWebSocketConstants(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// PongWait should equal WSReadTimeout
	if cfg.PongWait != cfg.WSReadTimeout {
		t.Errorf("PongWait (%v) should equal WSReadTimeout (%v)", cfg.PongWait, cfg.WSReadTimeout)
	}

	// PingPeriod should be less than PongWait
	if cfg.PingPeriod >= cfg.PongWait {
		t.Errorf("PingPeriod (%v) should be less than PongWait (%v)", cfg.PingPeriod, cfg.PongWait)
	}

	if cfg.WriteWait != cfg.WSWriteTimeout {
		t.Errorf("WriteWait (%v) should equal WSWriteTimeout (%v)", cfg.WriteWait, cfg.WSWriteTimeout)
	}

	if cfg.MaxMessageSize <= 0 {
		t.Errorf("MaxMessageSize should be positive, got %d", cfg.MaxMessageSize)
	}
}
