package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	profileFileName = "connections"
	profileFileType = "yaml"
)

// ConnectionProfile is a saved connection descriptor, persisted so the shell
// can reconnect to known databases by name.
type ConnectionProfile struct {
	Name    string `mapstructure:"name" yaml:"name"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	Dialect string `mapstructure:"dialect" yaml:"dialect"`
}

// ProfileStore holds connection profiles plus the name of the profile the
// shell should auto-connect to on startup.
type ProfileStore struct {
	Connections []ConnectionProfile `mapstructure:"connections" yaml:"connections"`
	Default     string              `mapstructure:"default" yaml:"default"`
}

// LoadProfiles reads the profile store from <stateDir>/connections.yaml.
// A missing file yields an empty store.
func LoadProfiles(stateDir string) (*ProfileStore, error) {
	v := viper.New()
	v.SetConfigName(profileFileName)
	v.SetConfigType(profileFileType)
	v.AddConfigPath(stateDir)

	store := &ProfileStore{}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return store, nil
		}
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	if err := v.Unmarshal(store); err != nil {
		return nil, fmt.Errorf("unmarshal profiles: %w", err)
	}
	return store, nil
}

// SaveProfiles writes the profile store back to <stateDir>/connections.yaml,
// replacing the previous contents.
func SaveProfiles(stateDir string, store *ProfileStore) error {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	v := viper.New()
	v.Set("connections", store.Connections)
	v.Set("default", store.Default)

	path := filepath.Join(stateDir, profileFileName+"."+profileFileType)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write profiles: %w", err)
	}
	return nil
}

// Lookup returns the profile with the given name, if present.
func (s *ProfileStore) Lookup(name string) (ConnectionProfile, bool) {
	for _, p := range s.Connections {
		if p.Name == name {
			return p, true
		}
	}
	return ConnectionProfile{}, false
}

// Remember inserts or replaces a profile by name.
func (s *ProfileStore) Remember(p ConnectionProfile) {
	for i := range s.Connections {
		if s.Connections[i].Name == p.Name {
			s.Connections[i] = p
			return
		}
	}
	s.Connections = append(s.Connections, p)
}

// DefaultProfile returns the configured default profile, or the first saved
// one when no default is set.
func (s *ProfileStore) DefaultProfile() (ConnectionProfile, bool) {
	if s.Default != "" {
		if p, ok := s.Lookup(s.Default); ok {
			return p, true
		}
	}
	if len(s.Connections) > 0 {
		return s.Connections[0], true
	}
	return ConnectionProfile{}, false
}
