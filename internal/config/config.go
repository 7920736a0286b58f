package config

// Config represents the node configuration
type Config struct {
	Node     NodeConfig     `json:"node" toml:"node"`
	Keys     KeysConfig     `json:"keys" toml:"keys"`
	Registry RegistryConfig `json:"registry" toml:"registry"`
	Relay    RelayConfig    `json:"relay" toml:"relay"`
	User     UserConfig     `json:"user" toml:"user"`
	Network  NetworkConfig  `json:"network" toml:"network"`
	Metrics  MetricsConfig  `json:"metrics" toml:"metrics"`
	Logging  LoggingConfig  `json:"logging" toml:"logging"`
	Debug    DebugConfig    `json:"debug" toml:"debug"`
}

// NodeConfig contains settings shared by every node kind
type NodeConfig struct {
	ID         int    `json:"id" toml:"id"`
	ListenAddr string `json:"listen_addr" toml:"listen_addr"`
	// AdvertiseHost is the host other nodes use to reach this one
	AdvertiseHost string `json:"advertise_host" toml:"advertise_host"`
}

// KeysConfig contains key paths
type KeysConfig struct {
	PrivateKeyPath string `json:"private_key_path" toml:"private_key_path"`
}

// RegistryConfig locates the key directory
type RegistryConfig struct {
	Port int    `json:"port" toml:"port"`
	URL  string `json:"url" toml:"url"` // base URL used by clients, e.g. http://localhost:8080
	// DBPath persists registrations in a bbolt file; empty keeps them in memory
	DBPath string `json:"db_path" toml:"db_path"`
}

// RelayConfig contains relay settings
type RelayConfig struct {
	BasePort       int `json:"base_port" toml:"base_port"`             // relay i listens on BasePort+i
	ForwardTimeout int `json:"forward_timeout" toml:"forward_timeout"` // seconds
	MaxMessageSize int `json:"max_message_size" toml:"max_message_size"`
}

// UserConfig contains endpoint settings
type UserConfig struct {
	BasePort   int `json:"base_port" toml:"base_port"` // user i listens on BasePort+i
	PathLength int `json:"path_length" toml:"path_length"`
}

// NetworkConfig sizes the local network launched by the network command
type NetworkConfig struct {
	Relays int `json:"relays" toml:"relays"`
	Users  int `json:"users" toml:"users"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled"`
	Path    string `json:"path" toml:"path"` // served on each node's own listener
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `json:"level" toml:"level"`
}

// DebugConfig holds introspection switches that are off by default
type DebugConfig struct {
	ExposePrivateKey bool `json:"expose_private_key" toml:"expose_private_key"`
}
