package deployment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"options-core/internal/strategy"
)

// Spec is one deployment entry in the boot YAML file.
type Spec struct {
	ID             string          `yaml:"id"`
	Name           string          `yaml:"name"`
	ScheduledStart *time.Time      `yaml:"scheduled_start"`
	SessionToken   string          `yaml:"session_token"` // ${VAR} references are expanded
	Params         strategy.Params `yaml:"params"`
}

// File is the top-level YAML structure.
type File struct {
	Deployments []Spec `yaml:"deployments"`
}

// LoadFile reads deployment specs from a YAML file.
func LoadFile(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range file.Deployments {
		s := &file.Deployments[i]
		if s.ID == "" {
			return nil, fmt.Errorf("%s: deployment %d has no id", path, i)
		}
		s.SessionToken = os.ExpandEnv(s.SessionToken)
	}
	return file.Deployments, nil
}

// Seed deploys every spec whose id is not stored yet. Existing records are
// left untouched so restarts keep their state.
func (o *Orchestrator) Seed(ctx context.Context, specs []Spec) (int, error) {
	created := 0
	var failed error
	for _, s := range specs {
		_, err := o.store.Get(ctx, s.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			failed = errors.Join(failed, err)
			continue
		}
		_, err = o.Deploy(ctx, Request{
			ID:             s.ID,
			Name:           s.Name,
			Params:         s.Params,
			ScheduledStart: s.ScheduledStart,
			SessionToken:   s.SessionToken,
		})
		if err != nil {
			failed = errors.Join(failed, fmt.Errorf("seed %s: %w", s.ID, err))
			continue
		}
		created++
	}
	return created, failed
}
