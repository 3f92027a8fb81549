package epore

import (
	"testing"
)

func TestLoadConfig(t *testing.T) {
	yamlConfig := LoadConfig("./cmd/config.yaml")
	tomlConfig := LoadConfig("./cmd/config.toml")
	for name, config := range map[string]*Config{"yaml": yamlConfig, "toml": tomlConfig} {
		if config.Global.LogLevel != "info" {
			t.Fatalf("%s: unexpected log level: %s", name, config.Global.LogLevel)
		}
		if config.Poller.EventBufferSize != 32 {
			t.Fatalf("%s: unexpected event buffer size: %d", name, config.Poller.EventBufferSize)
		}
		if len(config.Targets) != 1 {
			t.Fatalf("%s: expected 1 target, got %d", name, len(config.Targets))
		}
		if config.Targets[0].Requests != 200 {
			t.Fatalf("%s: unexpected request count: %d", name, config.Targets[0].Requests)
		}
	}
}

func TestValidateConfigDefaults(t *testing.T) {
	config := &Config{
		Targets: []TargetConfig{{Address: "127.0.0.1:8080"}},
	}
	validateConfig(config)
	if config.Poller.EventBufferSize != defEventsBufferSize {
		t.Fatalf("unexpected default buffer size: %d", config.Poller.EventBufferSize)
	}
	target := config.Targets[0]
	if target.Net != "tcp" || target.Requests != 1 || target.MaxDelayMs != 1000 {
		t.Fatalf("unexpected target defaults: %+v", target)
	}
}
