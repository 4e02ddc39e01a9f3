// Package config loads the controller's environment configuration.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Env holds the values the controller reads from the environment. GUID,
// APIKEY and URL authenticate against the cluster telemetry provider;
// SLEEP is the control-loop period in seconds.
type Env struct {
	GUID   string `envconfig:"GUID" required:"true"`
	APIKey string `envconfig:"APIKEY" required:"true"`
	URL    string `envconfig:"URL" required:"true"`
	Sleep  int    `envconfig:"SLEEP" default:"60"`

	// AppURL is the base URL of the streaming application whose QoE
	// metrics and quality knobs the controller manages.
	AppURL string `envconfig:"APP_URL"`

	// Namespace filters cluster telemetry to the deployment namespace.
	Namespace string `envconfig:"NAMESPACE" default:"cartunes"`
}

// Process reads and validates the environment.
func Process() (*Env, error) {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if env.Sleep <= 0 {
		return nil, fmt.Errorf("SLEEP must be positive, got %d", env.Sleep)
	}
	return &env, nil
}

// Interval returns the control-loop period.
func (e *Env) Interval() time.Duration {
	return time.Duration(e.Sleep) * time.Second
}
