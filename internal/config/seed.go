package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"relay/internal/domain"
)

// SeedFile is the YAML document `relay tasks import` consumes: channel
// definitions and scheduled tasks in one declarative file, so an
// installation can be reproduced without poking the database by hand.
type SeedFile struct {
	Channels []SeedChannel `yaml:"channels"`
	Tasks    []SeedTask    `yaml:"tasks"`
}

type SeedChannel struct {
	ID          string            `yaml:"id"`
	Owner       string            `yaml:"owner"`
	Provider    string            `yaml:"provider"`
	Credentials map[string]any    `yaml:"credentials"`
	Secret      string            `yaml:"secret,omitempty"`
	Settings    map[string]string `yaml:"settings,omitempty"`
	Active      *bool             `yaml:"active,omitempty"` // default true
}

type SeedTask struct {
	ID         string `yaml:"id,omitempty"`
	Name       string `yaml:"name"`
	Owner      string `yaml:"owner,omitempty"`
	Kind       string `yaml:"kind"` // cron | once
	Expression string `yaml:"expression"`
	Prompt     string `yaml:"prompt"`
	Agent      string `yaml:"agent,omitempty"`
	Channel    string `yaml:"channel"`
	Binding    string `yaml:"binding,omitempty"`
	Target     string `yaml:"target,omitempty"`
	Active     *bool  `yaml:"active,omitempty"` // default true
}

// LoadSeed reads and parses a seed file, expanding ${VAR} references so
// credentials can stay out of the file itself.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("cannot read seed file %s: %w", path, err)
	}
	data = []byte(ExpandEnvVars(string(data)))

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("cannot parse seed file %s: %w", path, err)
	}
	return &seed, nil
}

// ChannelConfigs converts the seed channels to domain objects,
// rejecting entries a later save would choke on.
func (s *SeedFile) ChannelConfigs() ([]domain.ChannelConfig, error) {
	out := make([]domain.ChannelConfig, 0, len(s.Channels))
	for i, c := range s.Channels {
		provider := domain.Provider(c.Provider)
		if !provider.Valid() {
			return nil, fmt.Errorf("channel %d (%s): %w: %s", i, c.ID, domain.ErrUnknownProvider, c.Provider)
		}
		if c.ID == "" {
			return nil, fmt.Errorf("channel %d: id is required", i)
		}
		creds, err := json.Marshal(c.Credentials)
		if err != nil {
			return nil, fmt.Errorf("channel %s: credentials: %w", c.ID, err)
		}
		out = append(out, domain.ChannelConfig{
			ID:          c.ID,
			OwnerID:     c.Owner,
			Provider:    provider,
			Credentials: creds,
			Secret:      c.Secret,
			Settings:    c.Settings,
			Active:      c.Active == nil || *c.Active,
		})
	}
	return out, nil
}

// ScheduledTasks converts the seed tasks to domain objects. Schedule
// expressions are validated by the caller, which owns the parser.
func (s *SeedFile) ScheduledTasks() ([]domain.ScheduledTask, error) {
	out := make([]domain.ScheduledTask, 0, len(s.Tasks))
	for i, t := range s.Tasks {
		kind := domain.ScheduleKind(t.Kind)
		if kind != domain.ScheduleCron && kind != domain.ScheduleOnce {
			return nil, fmt.Errorf("task %d (%s): unknown schedule kind %q", i, t.Name, t.Kind)
		}
		if t.Name == "" || t.Expression == "" || t.Channel == "" {
			return nil, fmt.Errorf("task %d: name, expression and channel are required", i)
		}
		if t.Binding == "" && t.Target == "" {
			return nil, fmt.Errorf("task %d (%s): either binding or target is required", i, t.Name)
		}
		out = append(out, domain.ScheduledTask{
			ID:         t.ID,
			OwnerID:    t.Owner,
			Name:       t.Name,
			Kind:       kind,
			Expression: t.Expression,
			Prompt:     t.Prompt,
			AgentRef:   t.Agent,
			ChannelID:  t.Channel,
			BindingID:  t.Binding,
			TargetID:   t.Target,
			Active:     t.Active == nil || *t.Active,
			CreatedAt:  time.Now(),
		})
	}
	return out, nil
}
