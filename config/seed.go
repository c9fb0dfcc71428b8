package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedSubscription is one entry of the subscriptions seed file.
type SeedSubscription struct {
	Broadcaster string `yaml:"broadcaster"`
	Destination string `yaml:"destination"`
	Paused      bool   `yaml:"paused"`
}

// SeedFile is the YAML document read from SUBSCRIPTIONS_FILE:
//
//	subscriptions:
//	  - broadcaster: somestreamer
//	    destination: "-1001234567890"
//	  - broadcaster: other
//	    destination: "@clipfeed"
//	    paused: true
type SeedFile struct {
	Subscriptions []SeedSubscription `yaml:"subscriptions"`
}

// LoadSeed reads and validates a subscriptions seed file.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return &sf, sf.Validate()
}

// Validate checks that every entry names a broadcaster and destination.
func (s *SeedFile) Validate() error {
	for i, sub := range s.Subscriptions {
		if strings.TrimSpace(sub.Broadcaster) == "" {
			return fmt.Errorf("subscriptions[%d]: broadcaster is required", i)
		}
		if strings.TrimSpace(sub.Destination) == "" {
			return fmt.Errorf("subscriptions[%d]: destination is required", i)
		}
	}
	return nil
}
