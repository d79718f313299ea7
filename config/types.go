package config

// Auth configures bearer token verification on the query API.
type Auth struct {
	// HMACSecret signs HS256 tokens. HMACSecretEnv names an environment
	// variable that overrides it.
	HMACSecret    string `toml:"HMACSecret"`
	HMACSecretEnv string `toml:"HMACSecretEnv"`
	Issuer        string `toml:"Issuer"`
	Audience      string `toml:"Audience"`
}

// RateLimit defines per-principal request throttling for the query API.
type RateLimit struct {
	RequestsPerMinute uint32 `toml:"RequestsPerMinute"`
	Burst             int    `toml:"Burst"`
}

// Telemetry wires the OpenTelemetry exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
	// Headers is a comma separated key=value list.
	Headers string `toml:"Headers"`
	// SampleRatio is the share of root spans exported. Zero keeps all.
	SampleRatio float64 `toml:"SampleRatio"`
}
