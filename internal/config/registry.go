package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"time"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"gopkg.in/yaml.v3"
)

// ErrUnknownServer is returned when a server id is not in the registry
var ErrUnknownServer = errors.New("unknown server")

// ServerEntry describes one remote game server in servers.yaml
type ServerEntry struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	LogFolder    string `yaml:"log_folder"`
	ConfigFolder string `yaml:"config_folder"`
	Timezone     string `yaml:"timezone"`
	Active       *bool  `yaml:"active"`
}

// CategoryEntry describes how one log category is named and how often it is tailed
type CategoryEntry struct {
	Prefix   string `yaml:"prefix"`
	Schedule string `yaml:"schedule"`
}

// Registry maps server ids to connection settings, categories to file
// prefixes and mutation targets to config file names.
type Registry struct {
	Servers    []ServerEntry                     `yaml:"servers"`
	Categories map[domain.Category]CategoryEntry `yaml:"categories"`
	Targets    map[string]string                 `yaml:"targets"`

	servers map[string]*domain.ServerInfo
}

// LoadRegistry loads servers.yaml
func LoadRegistry(filePath string) (*Registry, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read server registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry parses registry YAML and resolves server entries
func ParseRegistry(data []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse server registry: %w", err)
	}

	if r.Categories == nil {
		r.Categories = make(map[domain.Category]CategoryEntry)
	}
	if r.Targets == nil {
		r.Targets = make(map[string]string)
	}

	for name, c := range r.Categories {
		if c.Prefix == "" {
			return nil, fmt.Errorf("category %q has no prefix", name)
		}
		if c.Schedule == "" {
			c.Schedule = "@every 1m"
			r.Categories[name] = c
		}
	}

	r.servers = make(map[string]*domain.ServerInfo, len(r.Servers))
	for _, e := range r.Servers {
		if e.ID == "" {
			return nil, fmt.Errorf("server entry without id (host %q)", e.Host)
		}
		if _, dup := r.servers[e.ID]; dup {
			return nil, fmt.Errorf("duplicate server id %q", e.ID)
		}

		loc := time.UTC
		if e.Timezone != "" {
			l, err := time.LoadLocation(e.Timezone)
			if err != nil {
				return nil, fmt.Errorf("server %q: invalid timezone %q: %w", e.ID, e.Timezone, err)
			}
			loc = l
		}
		info := &domain.ServerInfo{
			ID:           e.ID,
			Name:         e.Name,
			Host:         e.Host,
			Port:         e.Port,
			Username:     e.Username,
			Password:     e.Password,
			LogFolder:    e.LogFolder,
			ConfigFolder: e.ConfigFolder,
			Location:     loc,
			Active:       e.Active == nil || *e.Active,
		}
		r.servers[e.ID] = info
	}

	return &r, nil
}

// Server resolves a server id to its connection settings
func (r *Registry) Server(id string) (*domain.ServerInfo, error) {
	info, ok := r.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	return info, nil
}

// ActiveServers returns active servers sorted by id
func (r *Registry) ActiveServers() []*domain.ServerInfo {
	result := make([]*domain.ServerInfo, 0, len(r.servers))
	for _, s := range r.servers {
		if s.Active {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Category returns the naming/schedule settings for a category
func (r *Registry) Category(c domain.Category) (CategoryEntry, bool) {
	entry, ok := r.Categories[c]
	return entry, ok
}

// CategoryNames returns configured categories sorted by name
func (r *Registry) CategoryNames() []domain.Category {
	names := make([]domain.Category, 0, len(r.Categories))
	for c := range r.Categories {
		names = append(names, c)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// TargetPath resolves a mutation target name to a remote path for the server
func (r *Registry) TargetPath(server *domain.ServerInfo, target string) (string, bool) {
	name, ok := r.Targets[target]
	if !ok {
		return "", false
	}
	return path.Join(server.ConfigFolder, name), true
}
