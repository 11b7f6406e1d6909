// Package config carries the two configuration surfaces of the process:
// the viper-backed daemon settings and the JSON policy document that
// declares which streams to autoscale and how.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kinesis-scaling-controller/ksc/internal/metrics"
)

// InvalidConfigurationError reports a policy document violation. It is
// fatal at load time.
type InvalidConfigurationError struct {
	StreamName string
	Reason     string
}

func (e *InvalidConfigurationError) Error() string {
	if e.StreamName == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration for stream %s: %s", e.StreamName, e.Reason)
}

func invalidf(stream, format string, args ...any) error {
	return &InvalidConfigurationError{StreamName: stream, Reason: fmt.Sprintf(format, args...)}
}

// ScalingPolicy configures one scaling direction: when to act, by how
// much, how long to stand down afterwards, and where to report.
type ScalingPolicy struct {
	// ScaleThresholdPct is the utilisation percentage of stream capacity
	// beyond which a sample counts toward this direction.
	ScaleThresholdPct float64 `json:"scaleThresholdPct"`

	// ScaleAfterMins is how many qualifying one-minute samples must
	// accumulate before the direction fires.
	ScaleAfterMins int `json:"scaleAfterMins"`

	// CoolOffMins is the minimum delay after a completed action in this
	// direction before another may start.
	CoolOffMins int `json:"coolOffMins"`

	// ScaleCount scales by an absolute number of shards. Dominates
	// ScalePct when both are present.
	ScaleCount *int `json:"scaleCount,omitempty"`

	// ScalePct scales by a percentage of the current shard count. On the
	// scale up side a configured value must be above 100, the factor
	// form: 200 doubles. On the scale down side it must be below 100:
	// 75 shrinks to three quarters.
	ScalePct *float64 `json:"scalePct,omitempty"`

	// NotificationARN receives the scaling report when set.
	NotificationARN string `json:"notificationARN,omitempty"`
}

// CoolOff returns the cool down as a duration.
func (s *ScalingPolicy) CoolOff() time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(s.CoolOffMins) * time.Minute
}

// StreamPolicy configures autoscaling for one stream.
type StreamPolicy struct {
	StreamName string `json:"streamName"`
	Region     string `json:"region,omitempty"`

	// ScaleOnOperation lists the operation classes that vote on scaling
	// decisions. Empty means all of them.
	ScaleOnOperation []string `json:"scaleOnOperation,omitempty"`

	MinShards *int `json:"minShards,omitempty"`
	MaxShards *int `json:"maxShards,omitempty"`

	// RefreshShardsAfterMins bounds how stale the cached capacity may
	// grow, so externally made resizes are absorbed.
	RefreshShardsAfterMins int `json:"refreshShardsAfterMins,omitempty"`

	// CheckIntervalSec is the monitor cycle period.
	CheckIntervalSec int `json:"checkIntervalSec,omitempty"`

	ScaleUp   *ScalingPolicy `json:"scaleUp,omitempty"`
	ScaleDown *ScalingPolicy `json:"scaleDown,omitempty"`
}

const (
	defaultRefreshShardsAfterMins = 10
	defaultCheckIntervalSec       = 45
)

// ApplyDefaults fills the optional fields: track all operations, refresh
// capacity every 10 minutes, cycle every 45 seconds. Missing cool offs
// stay at zero.
func (p *StreamPolicy) ApplyDefaults() {
	if len(p.ScaleOnOperation) == 0 {
		for _, op := range metrics.AllOperations() {
			p.ScaleOnOperation = append(p.ScaleOnOperation, string(op))
		}
	}
	if p.RefreshShardsAfterMins == 0 {
		p.RefreshShardsAfterMins = defaultRefreshShardsAfterMins
	}
	if p.CheckIntervalSec == 0 {
		p.CheckIntervalSec = defaultCheckIntervalSec
	}
}

// Validate enforces the policy invariants. Violations are typed
// InvalidConfigurationError values.
func (p *StreamPolicy) Validate() error {
	if p.StreamName == "" {
		return invalidf("", "a stream name is required")
	}
	if p.ScaleUp == nil && p.ScaleDown == nil {
		return invalidf(p.StreamName, "at least one of scaleUp or scaleDown must be configured")
	}

	for _, op := range p.ScaleOnOperation {
		if _, err := metrics.ParseOperation(op); err != nil {
			return invalidf(p.StreamName, "scaleOnOperation: %v", err)
		}
	}

	if p.ScaleUp != nil {
		if err := validateDirection(p.StreamName, "scaleUp", p.ScaleUp); err != nil {
			return err
		}
		if p.ScaleUp.ScalePct != nil && *p.ScaleUp.ScalePct <= 100 {
			return invalidf(p.StreamName,
				"scaleUp.scalePct must be above 100: the value is the target factor in percent of current capacity (200 doubles)")
		}
	}
	if p.ScaleDown != nil {
		if err := validateDirection(p.StreamName, "scaleDown", p.ScaleDown); err != nil {
			return err
		}
		if p.ScaleDown.ScalePct != nil && *p.ScaleDown.ScalePct >= 100 {
			return invalidf(p.StreamName,
				"scaleDown.scalePct must be below 100: the value is the target share in percent of current capacity (75 shrinks to three quarters)")
		}
	}

	if p.MinShards != nil && p.MaxShards != nil && *p.MinShards > *p.MaxShards {
		return invalidf(p.StreamName, "minShards %d is greater than maxShards %d", *p.MinShards, *p.MaxShards)
	}

	return nil
}

func validateDirection(stream, name string, s *ScalingPolicy) error {
	if s.ScaleCount == nil && s.ScalePct == nil {
		return invalidf(stream, "%s needs a scaleCount or scalePct", name)
	}
	if s.ScaleCount != nil && *s.ScaleCount <= 0 {
		return invalidf(stream, "%s.scaleCount must be positive", name)
	}
	if s.ScalePct != nil && *s.ScalePct <= 0 {
		return invalidf(stream, "%s.scalePct must be positive", name)
	}
	if s.ScaleThresholdPct <= 0 || s.ScaleThresholdPct >= 100 {
		return invalidf(stream, "%s.scaleThresholdPct must be between 0 and 100", name)
	}
	if s.ScaleAfterMins <= 0 {
		return invalidf(stream, "%s.scaleAfterMins must be positive", name)
	}
	if s.CoolOffMins < 0 {
		return invalidf(stream, "%s.coolOffMins cannot be negative", name)
	}
	return nil
}

// Operations returns the validated operation classes the policy tracks.
func (p *StreamPolicy) Operations() []metrics.OperationType {
	var out []metrics.OperationType
	for _, name := range p.ScaleOnOperation {
		op, err := metrics.ParseOperation(name)
		if err != nil {
			continue
		}
		out = append(out, op)
	}
	return out
}

// CheckInterval returns the monitor cycle period as a duration.
func (p *StreamPolicy) CheckInterval() time.Duration {
	return time.Duration(p.CheckIntervalSec) * time.Second
}

// RefreshInterval returns the capacity refresh period as a duration.
func (p *StreamPolicy) RefreshInterval() time.Duration {
	return time.Duration(p.RefreshShardsAfterMins) * time.Minute
}

// ParsePolicies decodes a policy document: a JSON array of stream
// policies, defaulted and validated.
func ParsePolicies(data []byte) ([]StreamPolicy, error) {
	var policies []StreamPolicy
	if err := json.Unmarshal(data, &policies); err != nil {
		return nil, &InvalidConfigurationError{Reason: fmt.Sprintf("policy document is not a JSON array of stream policies: %v", err)}
	}
	if len(policies) == 0 {
		return nil, &InvalidConfigurationError{Reason: "policy document contains no stream policies"}
	}

	for i := range policies {
		policies[i].ApplyDefaults()
		if err := policies[i].Validate(); err != nil {
			return nil, err
		}
	}
	return policies, nil
}
