package domain

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Adversary groups abilities into ordered phases.
type Adversary struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Phases      map[int][]string `json:"phases"`
}

func (a Adversary) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("adversary id is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("adversary name is required")
	}
	for phase := range a.Phases {
		if phase < 1 {
			return errors.New("adversary phases start at 1")
		}
	}
	return nil
}

// PhaseNumbers returns the adversary's phases in ascending order.
func (a Adversary) PhaseNumbers() []int {
	out := make([]int, 0, len(a.Phases))
	for phase := range a.Phases {
		out = append(out, phase)
	}
	sort.Ints(out)
	return out
}

type Ability struct {
	ID            string `json:"id"`
	Tactic        string `json:"tactic"`
	TechniqueID   string `json:"technique_id,omitempty"`
	TechniqueName string `json:"technique_name,omitempty"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Executor      string `json:"executor,omitempty"`
	Platform      string `json:"platform,omitempty"`
	Command       string `json:"command,omitempty"`
}

// Agent is a deployed implant identified by its paw.
type Agent struct {
	Paw             string     `json:"paw"`
	Host            string     `json:"host"`
	Group           string     `json:"host_group"`
	Platform        string     `json:"platform"`
	Server          string     `json:"server,omitempty"`
	Trusted         bool       `json:"trusted"`
	Sleep           int        `json:"sleep"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	LastTrustedSeen *time.Time `json:"last_trusted_seen,omitempty"`
}

type Fact struct {
	ID       string `json:"id"`
	Property string `json:"property"`
	Value    string `json:"value"`
	Score    int    `json:"score"`
	SourceID string `json:"source_id,omitempty"`
}

func (f Fact) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return errors.New("fact id is required")
	}
	if strings.TrimSpace(f.Property) == "" {
		return errors.New("fact property is required")
	}
	return nil
}

// Result is the collected output of one ability run by one agent.
type Result struct {
	ID          string    `json:"id"`
	OperationID string    `json:"operation_id"`
	Paw         string    `json:"paw"`
	AbilityID   string    `json:"ability_id"`
	Command     string    `json:"command,omitempty"`
	Output      string    `json:"output,omitempty"`
	Status      int       `json:"status"`
	CollectedAt time.Time `json:"collected_at"`
}

type Source struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Planner struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Module string         `json:"module"`
	Params map[string]any `json:"params,omitempty"`
}
