package azure

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

const DefaultProfile = "default"

// Profile holds the settings read from an Azure CLI style config file.
type Profile struct {
	SubscriptionID string
	TenantID       string
	ClientID       string
}

// DefaultConfigPath returns ~/.azure/config.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("unable to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".azure", "config"), nil
}

// LoadProfile reads the named section of the ini file at path.
func LoadProfile(path, profile string) (Profile, error) {
	if profile == "" {
		profile = DefaultProfile
	}
	if path == "" {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			return Profile{}, err
		}
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return Profile{}, fmt.Errorf("unable to load Azure config file: %w", err)
	}

	section, err := cfg.GetSection(profile)
	if err != nil {
		return Profile{}, fmt.Errorf("profile %s not found in Azure config: %w", profile, err)
	}

	p := Profile{
		SubscriptionID: section.Key("subscription").String(),
		TenantID:       section.Key("tenant").String(),
		ClientID:       section.Key("client_id").String(),
	}
	if p.SubscriptionID == "" {
		return Profile{}, fmt.Errorf("subscription ID not found in profile %s", profile)
	}
	return p, nil
}
