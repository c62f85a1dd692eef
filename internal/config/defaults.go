package config

import "orgbot/internal/engine"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:         "~/.orgbot",
			LogLevel:        "info",
			LogFormat:       "text",
			DefaultProvider: "ollama",
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Engine: EngineConfig{
			SystemPrompt:             engine.DefaultSystemPrompt,
			MaxContextChars:          6000,
			CompletionTimeoutSeconds: 60,
			MaxTokens:                512,
			Temperature:              0.3,
		},
		Retrieval: RetrievalConfig{
			Threshold:  60,
			MaxPassage: 300,
		},
		Cache: CacheConfig{
			Capacity:            10,
			FetchTimeoutSeconds: 20,
		},
		Memory: MemoryConfig{
			Backend:  "inmemory",
			MaxTurns: 5,
			DBPath:   "~/.orgbot/orgbot.db",
		},
		Corpus: CorpusConfig{
			BuildIndex:  true,
			UseDatabase: true,
			Fetcher:     "http",
			Headless:    true,
		},
		Server: ServerConfig{
			Enabled:               true,
			Host:                  "127.0.0.1",
			Port:                  8080,
			RequestTimeoutSeconds: 90,
		},
		Telegram: TelegramConfig{
			Enabled:   false,
			ParseMode: "",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
