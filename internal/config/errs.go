package config

// ConfigError wraps the first validation or load failure found in the
// station configuration file. It is always raised before any relay, serial,
// or analyzer port is opened.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Reason
}
