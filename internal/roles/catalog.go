package roles

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownRole is returned when a role name is not in the catalog.
var ErrUnknownRole = errors.New("roles: unknown role")

// Role describes a worker archetype a bot can be created with.
type Role struct {
	Name        string             `yaml:"name" json:"name"`
	EntityType  string             `yaml:"entityType" json:"entityType"`
	Appearance  string             `yaml:"appearance,omitempty" json:"appearance,omitempty"`
	Description string             `yaml:"description,omitempty" json:"description,omitempty"`
	BaseSkills  map[string]float64 `yaml:"baseSkills,omitempty" json:"baseSkills,omitempty"`
}

type catalogFile struct {
	Roles []Role `yaml:"roles"`
}

// Catalog holds the known roles and team presets. It is seeded with the
// built-in set and can be extended from files at startup.
type Catalog struct {
	mu      sync.RWMutex
	roles   map[string]Role
	presets map[string][]string
	logger  *slog.Logger
}

// NewCatalog returns a catalog seeded with the built-in roles and presets.
func NewCatalog(logger *slog.Logger) *Catalog {
	c := &Catalog{
		roles:   make(map[string]Role),
		presets: make(map[string][]string),
		logger:  logger.With("component", "roles"),
	}
	for _, r := range builtinRoles {
		c.roles[r.Name] = r
	}
	for name, roles := range builtinPresets {
		c.presets[name] = roles
	}
	return c
}

// LoadFile merges roles from a YAML catalog into the built-ins. Entries with
// the same name override. A missing file is not an error.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Info("role catalog file not found, using built-ins", "path", path)
			return nil
		}
		return fmt.Errorf("read role catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse role catalog %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range file.Roles {
		if r.Name == "" {
			c.logger.Warn("skipping role with empty name", "path", path)
			continue
		}
		if r.EntityType == "" {
			r.EntityType = defaultEntityType
		}
		c.roles[r.Name] = r
		c.logger.Info("role loaded", "role", r.Name, "entityType", r.EntityType)
	}
	return nil
}

// Get returns the role by name.
func (c *Catalog) Get(name string) (Role, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.roles[name]
	return r, ok
}

// Validate returns an error when the role is not known.
func (c *Catalog) Validate(name string) error {
	if _, ok := c.Get(name); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
	return nil
}

// Names returns the known role names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.roles))
	for name := range c.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const defaultEntityType = "villager"

var builtinRoles = []Role{
	{
		Name:        "miner",
		EntityType:  "villager",
		Appearance:  "leather helmet, iron pickaxe",
		Description: "Digs ore veins and hauls minerals back to base.",
		BaseSkills:  map[string]float64{"mining": 5, "navigation": 3},
	},
	{
		Name:        "builder",
		EntityType:  "villager",
		Appearance:  "hard hat, stone trowel",
		Description: "Places blocks against blueprints and repairs structures.",
		BaseSkills:  map[string]float64{"building": 5, "crafting": 3},
	},
	{
		Name:        "explorer",
		EntityType:  "villager",
		Appearance:  "travel cloak, spyglass",
		Description: "Surveys terrain and reports points of interest.",
		BaseSkills:  map[string]float64{"navigation": 5, "scouting": 4},
	},
	{
		Name:        "guard",
		EntityType:  "villager",
		Appearance:  "iron chestplate, sword",
		Description: "Patrols the perimeter and engages hostiles.",
		BaseSkills:  map[string]float64{"combat": 5, "defense": 4},
	},
	{
		Name:        "farmer",
		EntityType:  "villager",
		Appearance:  "straw hat, hoe",
		Description: "Tends crops and manages food supplies.",
		BaseSkills:  map[string]float64{"farming": 5, "foraging": 3},
	},
	{
		Name:        "courier",
		EntityType:  "villager",
		Appearance:  "satchel, swift boots",
		Description: "Moves goods between work sites.",
		BaseSkills:  map[string]float64{"navigation": 4, "hauling": 4},
	},
}
