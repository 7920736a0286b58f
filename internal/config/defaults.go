package config

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ListenAddr:    "0.0.0.0",
			AdvertiseHost: "localhost",
		},
		Keys: KeysConfig{
			PrivateKeyPath: "./keys/relay.key",
		},
		Registry: RegistryConfig{
			Port: 8080,
			URL:  "http://localhost:8080",
		},
		Relay: RelayConfig{
			BasePort:       4000,
			ForwardTimeout: 10,
			MaxMessageSize: 1 << 20,
		},
		User: UserConfig{
			BasePort:   3000,
			PathLength: 3,
		},
		Network: NetworkConfig{
			Relays: 10,
			Users:  2,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
