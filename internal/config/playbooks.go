package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lance0/prefixd/internal/core"
)

// Step is one escalation step of a playbook. Steps are ordered least to most
// severe; discard may only appear after police.
type Step struct {
	Action                core.ActionType `yaml:"action"`
	RateBPS               uint64          `yaml:"rate_bps,omitempty"`
	TTLSeconds            int             `yaml:"ttl_seconds"`
	ConfidenceMin         float64         `yaml:"confidence_min"`
	PersistenceMinSeconds int             `yaml:"persistence_min_seconds,omitempty"`
	MaxEscalatedSeconds   int             `yaml:"max_escalated_seconds,omitempty"`
}

// TTL returns the step TTL as a duration.
func (s Step) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// PersistenceMin returns how long a mitigation must persist at this step
// before escalation may fire.
func (s Step) PersistenceMin() time.Duration {
	return time.Duration(s.PersistenceMinSeconds) * time.Second
}

// MaxEscalated returns the window after creation within which escalation is
// still permitted. Zero means no limit.
func (s Step) MaxEscalated() time.Duration {
	return time.Duration(s.MaxEscalatedSeconds) * time.Second
}

// Playbook is the ordered escalation recipe for one vector.
type Playbook struct {
	Steps []Step `yaml:"steps"`
}

// Playbooks maps vectors to playbooks. Lookup falls back to the playbook for
// the unknown vector.
type Playbooks struct {
	byVector map[core.Vector]*Playbook
}

type playbooksFile struct {
	Playbooks map[string]*Playbook `yaml:"playbooks"`
}

// LoadPlaybooks parses and validates playbooks.yaml.
func LoadPlaybooks(path string) (*Playbooks, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbooks: %w", err)
	}
	return ParsePlaybooks(raw)
}

// ParsePlaybooks parses playbook YAML and validates step ordering.
func ParsePlaybooks(raw []byte) (*Playbooks, error) {
	var f playbooksFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse playbooks: %w", err)
	}
	if len(f.Playbooks) == 0 {
		return nil, fmt.Errorf("playbooks: no playbooks defined")
	}

	pb := &Playbooks{byVector: make(map[core.Vector]*Playbook, len(f.Playbooks))}
	for name, p := range f.Playbooks {
		vector := core.Vector(name)
		if !vector.Valid() {
			return nil, fmt.Errorf("playbooks: unknown vector %q", name)
		}
		if p == nil || len(p.Steps) == 0 {
			return nil, fmt.Errorf("playbooks: vector %q has no steps", name)
		}
		if err := validateSteps(name, p.Steps); err != nil {
			return nil, err
		}
		pb.byVector[vector] = p
	}

	if _, ok := pb.byVector[core.VectorUnknown]; !ok {
		return nil, fmt.Errorf("playbooks: a playbook for %q is required as the fallback", core.VectorUnknown)
	}
	return pb, nil
}

func validateSteps(name string, steps []Step) error {
	seenDiscard := false
	for i, s := range steps {
		switch s.Action {
		case core.ActionPolice:
			if seenDiscard {
				return fmt.Errorf("playbooks: vector %q step %d: police may not follow discard", name, i)
			}
			if s.RateBPS == 0 {
				return fmt.Errorf("playbooks: vector %q step %d: police requires rate_bps > 0", name, i)
			}
		case core.ActionDiscard:
			seenDiscard = true
		default:
			return fmt.Errorf("playbooks: vector %q step %d: invalid action %q", name, i, s.Action)
		}
		if s.TTLSeconds <= 0 {
			return fmt.Errorf("playbooks: vector %q step %d: ttl_seconds must be > 0", name, i)
		}
		if s.ConfidenceMin < 0 || s.ConfidenceMin > 1 {
			return fmt.Errorf("playbooks: vector %q step %d: confidence_min must be in [0,1]", name, i)
		}
	}
	return nil
}

// ForVector returns the playbook for a vector, falling back to the unknown
// playbook.
func (pb *Playbooks) ForVector(v core.Vector) *Playbook {
	if p, ok := pb.byVector[v]; ok {
		return p
	}
	return pb.byVector[core.VectorUnknown]
}

// Vectors lists the vectors with an explicit playbook.
func (pb *Playbooks) Vectors() []core.Vector {
	out := make([]core.Vector, 0, len(pb.byVector))
	for v := range pb.byVector {
		out = append(out, v)
	}
	return out
}
