package epore

import (
	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
	"io/ioutil"
	"log"
	"strings"
)

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
}

type PollerConfig struct {
	EventBufferSize int  `yaml:"event_buffer_size" toml:"event_buffer_size"`
	WaitTimeoutMs   int  `yaml:"wait_timeout_ms" toml:"wait_timeout_ms"`
	LockOsThread    bool `yaml:"lock_os_thread" toml:"lock_os_thread"`
}

type TargetConfig struct {
	Name       string `yaml:"name" toml:"name"`
	Net        string `yaml:"net" toml:"net"`
	Address    string `yaml:"address" toml:"address"`
	Requests   int    `yaml:"requests" toml:"requests"`
	MaxDelayMs int    `yaml:"max_delay_ms" toml:"max_delay_ms"`
}

type Config struct {
	Global  Global         `yaml:"global" toml:"global"`
	Poller  PollerConfig   `yaml:"poller" toml:"poller"`
	Targets []TargetConfig `yaml:"targets" toml:"targets"`
}

func LoadConfig(filePath string) *Config {
	file, err := ioutil.ReadFile(filePath)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	config := &Config{}
	if strings.HasSuffix(filePath, ".toml") {
		err = toml.Unmarshal(file, config)
	} else if strings.HasSuffix(filePath, ".yaml") {
		err = yaml.Unmarshal(file, config)
	}
	if err != nil {
		log.Fatalf("%+v", err)
	}
	validateConfig(config)
	return config
}

func validateConfig(config *Config) {
	if config.Poller.EventBufferSize <= 0 {
		config.Poller.EventBufferSize = defEventsBufferSize
	}
	for i := range config.Targets {
		target := &config.Targets[i]
		if target.Net == "" {
			target.Net = "tcp"
		}
		if target.Requests <= 0 {
			target.Requests = 1
		}
		if target.MaxDelayMs <= 0 {
			target.MaxDelayMs = 1000
		}
	}
}
