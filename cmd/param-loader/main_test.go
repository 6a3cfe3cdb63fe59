package main

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirparams/internal/config"
)

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		cfg := &config.Config{Env: "production", LogLevel: tt.level}
		if got := newLogger(cfg).GetLevel(); got != tt.want {
			t.Errorf("newLogger(%q) level = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestMigrateCmd_Subcommands(t *testing.T) {
	cmd := migrateCmd()
	want := map[string]bool{"up": false, "status": false}
	for _, c := range cmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
		if c.Flags().Lookup("schema") == nil || c.Flags().Lookup("dir") == nil {
			t.Errorf("%s: missing --schema or --dir flag", c.Name())
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("migrate %s not registered", name)
		}
	}
}

func TestLoadCmd_RequiresFile(t *testing.T) {
	cmd := loadCmd()
	if err := cmd.Args(cmd, nil); err == nil {
		t.Error("expected an error without file arguments")
	}
}
