package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegis-labs/aegis/pkg/rollback"
)

// ThresholdProfile is a named set of violation thresholds loaded at startup.
type ThresholdProfile struct {
	Name       string          `yaml:"name" json:"name"`
	Code       string          `yaml:"code" json:"code"`
	Thresholds []ThresholdSpec `yaml:"thresholds" json:"thresholds"`
}

// ThresholdSpec mirrors rollback.Threshold with YAML-friendly durations.
type ThresholdSpec struct {
	ViolationType string `yaml:"violation_type" json:"violation_type"`
	MaxViolations int    `yaml:"max_violations" json:"max_violations"`
	TimeWindow    string `yaml:"time_window" json:"time_window"` // Go duration, e.g. "5m"
	Action        string `yaml:"action" json:"action"`
	Target        string `yaml:"target" json:"target"`
	Enabled       *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"` // defaults true
	Cooldown      string `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
}

// Resolve converts the YAML form into a rollback threshold, validating
// durations.
func (s ThresholdSpec) Resolve() (rollback.Threshold, error) {
	window, err := time.ParseDuration(s.TimeWindow)
	if err != nil {
		return rollback.Threshold{}, fmt.Errorf("threshold %q: bad time_window: %w", s.ViolationType, err)
	}

	var cooldown time.Duration
	if s.Cooldown != "" {
		cooldown, err = time.ParseDuration(s.Cooldown)
		if err != nil {
			return rollback.Threshold{}, fmt.Errorf("threshold %q: bad cooldown: %w", s.ViolationType, err)
		}
	}

	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}

	return rollback.Threshold{
		ViolationType: s.ViolationType,
		MaxViolations: s.MaxViolations,
		Window:        window,
		Action:        rollback.Action(s.Action),
		Target:        s.Target,
		Enabled:       enabled,
		Cooldown:      cooldown,
	}, nil
}

// LoadThresholdProfile loads a threshold profile YAML by code.
// It searches the profiles directory for thresholds_<code>.yaml.
func LoadThresholdProfile(profilesDir, code string) (*ThresholdProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("thresholds_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load threshold profile %q: %w", code, err)
	}

	var profile ThresholdProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse threshold profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// ApplyThresholdProfile resolves every spec in the profile and registers it
// with the manager. The first invalid spec aborts the load.
func ApplyThresholdProfile(profile *ThresholdProfile, mgr *rollback.Manager) error {
	for _, spec := range profile.Thresholds {
		t, err := spec.Resolve()
		if err != nil {
			return err
		}
		if err := mgr.AddThreshold(t); err != nil {
			return fmt.Errorf("threshold %q: %w", spec.ViolationType, err)
		}
	}
	return nil
}
