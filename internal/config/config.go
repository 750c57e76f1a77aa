package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultStagingRegistry is the registry host whose presence in a bundle
	// path marks an InstallPlan as faulty.
	DefaultStagingRegistry = "registry.stage.redhat.io"

	// DefaultProductionRegistry is the registry the bundle should have come from.
	DefaultProductionRegistry = "registry.redhat.io"

	// DefaultUnpackNamespace is where OLM runs bundle unpack Jobs.
	DefaultUnpackNamespace = "openshift-marketplace"

	// DefaultCallTimeout bounds every API server round-trip.
	DefaultCallTimeout = 30 * time.Second

	// DefaultMaxNameWidth is the report width for the namespace/name column.
	DefaultMaxNameWidth = 60

	// DefaultMaxPhaseWidth is the report width for the phase column.
	DefaultMaxPhaseWidth = 10

	// DefaultMaxImageWidth is the report width for the image column.
	DefaultMaxImageWidth = 90

	// minColumnWidth leaves room for at least one character plus the ellipsis.
	minColumnWidth = 4
)

// Policy decides what happens to the rest of the batch after an item fails.
type Policy string

const (
	// PolicyFailFast stops the whole run at the first failed item.
	PolicyFailFast Policy = "fail-fast"

	// PolicyContinue keeps processing remaining items and reports all failures.
	PolicyContinue Policy = "continue"
)

// Config holds runtime configuration for a check or fix invocation.
type Config struct {
	// StagingRegistry is the registry host that identifies the fault.
	StagingRegistry string

	// ProductionRegistry is shown in the report as the expected registry.
	ProductionRegistry string

	// UnpackNamespace is where bundle unpack Jobs and ConfigMaps live.
	UnpackNamespace string

	// CallTimeout bounds each list/get/delete call. 0 disables the bound.
	CallTimeout time.Duration

	// DeleteEnabled gates the final BackedUp -> Deleted transition.
	// Disabled by default: a fix run then only backs resources up.
	DeleteEnabled bool

	// Policy is fail-fast unless explicitly relaxed.
	Policy Policy

	// AssumeYes skips the interactive confirmation.
	AssumeYes bool

	// MaxNameWidth, MaxPhaseWidth and MaxImageWidth cap report columns.
	MaxNameWidth  int
	MaxPhaseWidth int
	MaxImageWidth int

	// Color enables coloured report flags.
	Color bool

	// EmitEvents records Kubernetes Events on the owning Subscription.
	EmitEvents bool

	// PushgatewayURL, when set, receives the run metrics on exit.
	PushgatewayURL string

	// NotifyURL, when set, receives a JSON webhook per remediation step.
	NotifyURL string
}

// New creates a Config with default values.
func New() Config {
	return Config{
		StagingRegistry:    DefaultStagingRegistry,
		ProductionRegistry: DefaultProductionRegistry,
		UnpackNamespace:    DefaultUnpackNamespace,
		CallTimeout:        DefaultCallTimeout,
		Policy:             PolicyFailFast,
		MaxNameWidth:       DefaultMaxNameWidth,
		MaxPhaseWidth:      DefaultMaxPhaseWidth,
		MaxImageWidth:      DefaultMaxImageWidth,
		Color:              true,
		EmitEvents:         true,
	}
}

// FailFast reports whether a single failure aborts the batch.
func (c Config) FailFast() bool {
	return c.Policy != PolicyContinue
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.StagingRegistry) == "" {
		errs = append(errs, errors.New("staging registry must not be empty"))
	}
	if strings.TrimSpace(c.UnpackNamespace) == "" {
		errs = append(errs, errors.New("unpack namespace must not be empty"))
	}
	if c.StagingRegistry != "" && c.StagingRegistry == c.ProductionRegistry {
		errs = append(errs, fmt.Errorf("staging and production registry are both %q", c.StagingRegistry))
	}
	if c.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", c.CallTimeout))
	}
	switch c.Policy {
	case PolicyFailFast, PolicyContinue:
	default:
		errs = append(errs, fmt.Errorf("unknown policy %q", c.Policy))
	}
	for name, w := range map[string]int{
		"name":  c.MaxNameWidth,
		"phase": c.MaxPhaseWidth,
		"image": c.MaxImageWidth,
	} {
		if w < minColumnWidth {
			errs = append(errs, fmt.Errorf("max %s width must be at least %d, got %d", name, minColumnWidth, w))
		}
	}
	return errors.Join(errs...)
}
