package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/scanagent/internal/models"
)

// LoadSettingsFile reads agent settings from a .toml, .yaml/.yml or .json file.
// A cookies_file key, relative to the settings file, may supply the cookie text.
func LoadSettingsFile(path string) (*models.AgentSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	var file struct {
		models.AgentSettings `yaml:",inline"`
		CookiesFile          string `json:"cookies_file" yaml:"cookies_file" toml:"cookies_file"`
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &file)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".json":
		err = json.Unmarshal(data, &file)
	default:
		return nil, fmt.Errorf("unsupported settings file type: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	settings := file.AgentSettings
	if file.CookiesFile != "" && settings.Cookies == "" {
		cookiesPath := file.CookiesFile
		if !filepath.IsAbs(cookiesPath) {
			cookiesPath = filepath.Join(filepath.Dir(path), cookiesPath)
		}
		cookies, err := os.ReadFile(cookiesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read cookies file %s: %w", cookiesPath, err)
		}
		settings.Cookies = string(cookies)
	}

	return &settings, nil
}
