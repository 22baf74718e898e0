package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DataDir:  "~/.agrichat",
		},
		API: APIConfig{
			BaseURL: "https://api.agrichat.example.com",
			WSURL:   "wss://api.agrichat.example.com",
		},
		Auth: AuthConfig{
			Role: "user",
		},
		Chat: ChatConfig{
			IdleTimeoutSeconds:  120,
			PingIntervalSeconds: 30,
		},
		Cache: CacheConfig{
			DBPath: "~/.agrichat/chat.db",
		},
		Media: MediaConfig{
			Dir: "~/.agrichat/media",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9190",
		},
	}
}
