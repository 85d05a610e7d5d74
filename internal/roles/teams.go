package roles

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// ErrUnknownPreset is returned when a team preset name is not in the catalog.
var ErrUnknownPreset = errors.New("roles: unknown team preset")

type teamsFile struct {
	Teams []teamDef `toml:"team"`
}

type teamDef struct {
	Name  string   `toml:"name"`
	Roles []string `toml:"roles"`
}

// LoadPresets merges team presets from a TOML file into the built-ins.
// Presets referencing unknown roles are skipped with a warning. A missing
// file is not an error.
func (c *Catalog) LoadPresets(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Info("team preset file not found, using built-ins", "path", path)
			return nil
		}
		return fmt.Errorf("read team presets: %w", err)
	}

	var file teamsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse team presets %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, team := range file.Teams {
		if team.Name == "" || len(team.Roles) == 0 {
			c.logger.Warn("skipping empty team preset", "path", path)
			continue
		}
		valid := true
		for _, role := range team.Roles {
			if _, ok := c.roles[role]; !ok {
				c.logger.Warn("team preset references unknown role, skipping",
					"preset", team.Name,
					"role", role,
				)
				valid = false
				break
			}
		}
		if !valid {
			continue
		}
		c.presets[team.Name] = append([]string(nil), team.Roles...)
		c.logger.Info("team preset loaded", "preset", team.Name, "size", len(team.Roles))
	}
	return nil
}

// Preset returns the role list for a named team preset.
func (c *Catalog) Preset(name string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	roles, ok := c.presets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return append([]string(nil), roles...), nil
}

// PresetNames returns the known preset names, sorted.
func (c *Catalog) PresetNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.presets))
	for name := range c.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var builtinPresets = map[string][]string{
	"mining":      {"miner", "miner", "courier"},
	"building":    {"builder", "builder", "courier"},
	"exploration": {"explorer", "explorer"},
	"combat":      {"guard", "guard", "guard"},
	"farming":     {"farmer", "farmer"},
	"balanced":    {"miner", "builder", "explorer", "guard", "farmer"},
}
