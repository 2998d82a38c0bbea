package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kibitz/internal/model"
)

// Roster is the set of named participants that start requests may refer to
// instead of passing an inline handle.
type Roster struct {
	Participants []model.ParticipantHandle `yaml:"participants"`

	byName map[string]model.ParticipantHandle
}

// LoadRoster reads a YAML roster file from path and returns a validated Roster.
func LoadRoster(path string, allowPrivate bool) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roster: read %s: %w", path, err)
	}
	return ParseRoster(data, allowPrivate)
}

// ParseRoster unmarshals YAML bytes into a validated Roster.
func ParseRoster(data []byte, allowPrivate bool) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("roster: parse: %w", err)
	}
	r.applyDefaults()
	if err := r.validate(allowPrivate); err != nil {
		return nil, err
	}
	r.byName = make(map[string]model.ParticipantHandle, len(r.Participants))
	for _, p := range r.Participants {
		r.byName[p.Name] = p
	}
	return &r, nil
}

// Lookup returns the participant registered under name.
func (r *Roster) Lookup(name string) (model.ParticipantHandle, bool) {
	if r == nil {
		return model.ParticipantHandle{}, false
	}
	h, ok := r.byName[name]
	return h, ok
}

// Names returns the registered participant names in sorted order.
func (r *Roster) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Roster) applyDefaults() {
	for i := range r.Participants {
		p := &r.Participants[i]
		p.Name = strings.TrimSpace(p.Name)
		if p.Transport == "" {
			if len(p.Moves) > 0 {
				p.Transport = model.TransportScripted
			} else {
				p.Transport = model.TransportHTTP
			}
		}
		if p.Transport == model.TransportEngine && p.TimeLimitMillis == 0 {
			p.TimeLimitMillis = 1000
		}
	}
}

func (r *Roster) validate(allowPrivate bool) error {
	var errs []string
	seen := make(map[string]bool, len(r.Participants))
	for i, p := range r.Participants {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("participants[%d].name is required", i))
		} else if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("participants[%d].name %q is duplicated", i, p.Name))
		}
		seen[p.Name] = true
		if err := model.ValidateHandle(p, allowPrivate); err != nil {
			errs = append(errs, fmt.Sprintf("participants[%d]: %v", i, err))
		}
		if p.TimeLimitMillis < 0 {
			errs = append(errs, fmt.Sprintf("participants[%d].time_limit_ms must not be negative", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("roster: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
