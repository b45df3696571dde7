package config

import (
	"testing"
)

func TestConfigPriority(t *testing.T) {
	t.Run("env vars should override file config", func(t *testing.T) {
		path := writeConfig(t,
			"port: 8000\n"+
				"debug: false\n"+
				"store:\n"+
				"  type: memory\n"+
				"database:\n"+
				"  type: \"file-db\"\n"+
				"  dsn: \"file-dsn\"\n"+
				"admin:\n"+
				"  password: \"file-password\"\n")

		t.Setenv("KEYGATE_PORT", "9000")
		t.Setenv("KEYGATE_DEBUG", "true")
		t.Setenv("KEYGATE_STORE_TYPE", "database")
		t.Setenv("KEYGATE_DATABASE_TYPE", "sqlite")
		t.Setenv("KEYGATE_DATABASE_DSN", "env-dsn")
		t.Setenv("KEYGATE_ADMIN_PASSWORD", "env-password")
		t.Setenv("KEYGATE_KAFKA_BROKERS", "k1:9092,k2:9092")

		config, _, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}

		if config.Port != 9000 {
			t.Errorf("Expected port from env (9000), but got %d", config.Port)
		}
		if !config.Debug {
			t.Error("Expected debug from env (true), but got false")
		}
		if config.Store.Type != StoreDatabase {
			t.Errorf("Expected store type from env ('database'), but got %s", config.Store.Type)
		}
		if config.Database.Type != "sqlite" {
			t.Errorf("Expected db type from env ('sqlite'), but got %s", config.Database.Type)
		}
		if config.Database.DSN != "env-dsn" {
			t.Errorf("Expected db dsn from env ('env-dsn'), but got %s", config.Database.DSN)
		}
		if config.Admin.Password != "env-password" {
			t.Errorf("Expected admin password from env ('env-password'), but got %s", config.Admin.Password)
		}
		if len(config.Ledger.Kafka.Brokers) != 2 {
			t.Errorf("Expected two kafka brokers from env, but got %v", config.Ledger.Kafka.Brokers)
		}
	})

	t.Run("invalid port env is ignored", func(t *testing.T) {
		path := writeConfig(t, "port: 8000\n")
		t.Setenv("KEYGATE_PORT", "not-a-port")

		config, _, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if config.Port != 8000 {
			t.Errorf("Expected port from file (8000), but got %d", config.Port)
		}
	})
}
