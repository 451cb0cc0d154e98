package counter

import (
	"errors"
	"fmt"
	"time"

	"sigs.k8s.io/yaml"
)

const (
	// DefaultVMID scopes the queues of filters and service that do
	// not configure a VM id.
	DefaultVMID = "my_vm_id"

	DefaultUpstream  = "httpbin"
	DefaultAuthority = "httpbin.org"
	DefaultTimeout   = 5 * time.Second
)

var errMissingConfig = errors.New("counter: missing configuration")

// FilterConfig is the configuration of the intercepting filter. JSON
// documents are accepted, being valid YAML.
type FilterConfig struct {
	// Headers are set on every request before classification.
	Headers map[string]string `json:"headers,omitempty"`

	ChannelName string `json:"channel_name"`
	VMID        string `json:"vm_id,omitempty"`
	Namespace   string `json:"namespace,omitempty"`

	// Upstream, Authority and Timeout configure the outbound call of
	// the x-httpbin action.
	Upstream   string        `json:"upstream,omitempty"`
	Authority  string        `json:"authority,omitempty"`
	RawTimeout string        `json:"timeout,omitempty"`
	Timeout    time.Duration `json:"-"`
}

// ServiceConfig is the configuration of the counting service.
type ServiceConfig struct {
	ChannelName string `json:"channel_name"`
	VMID        string `json:"vm_id,omitempty"`

	// DeadLetterChannel receives the messages that could not be
	// applied. Empty disables dead lettering.
	DeadLetterChannel string `json:"dead_letter_channel,omitempty"`
}

// ParseFilterConfig parses and validates the configuration and fills
// in the defaults.
func ParseFilterConfig(raw []byte) (*FilterConfig, error) {
	if len(raw) == 0 {
		return nil, errMissingConfig
	}

	var c FilterConfig
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("counter: invalid filter configuration: %w", err)
	}

	if c.ChannelName == "" {
		return nil, fmt.Errorf("counter: invalid filter configuration: missing channel_name")
	}

	if c.VMID == "" {
		c.VMID = DefaultVMID
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Upstream == "" {
		c.Upstream = DefaultUpstream
	}
	if c.Authority == "" {
		c.Authority = DefaultAuthority
	}

	c.Timeout = DefaultTimeout
	if c.RawTimeout != "" {
		d, err := time.ParseDuration(c.RawTimeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("counter: invalid filter configuration: invalid timeout %q", c.RawTimeout)
		}
		c.Timeout = d
	}

	return &c, nil
}

// ParseServiceConfig parses and validates the configuration and fills
// in the defaults.
func ParseServiceConfig(raw []byte) (*ServiceConfig, error) {
	if len(raw) == 0 {
		return nil, errMissingConfig
	}

	var c ServiceConfig
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("counter: invalid service configuration: %w", err)
	}

	if c.ChannelName == "" {
		return nil, fmt.Errorf("counter: invalid service configuration: missing channel_name")
	}

	if c.DeadLetterChannel == c.ChannelName {
		return nil, fmt.Errorf("counter: invalid service configuration: dead_letter_channel equals channel_name")
	}

	if c.VMID == "" {
		c.VMID = DefaultVMID
	}

	return &c, nil
}
