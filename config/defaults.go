package config

import "time"

// DefaultConfig returns the standard configuration.
func DefaultConfig() *Config {
	return &Config{
		Oracle: OracleConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
			MaxTokens:   500,
			Timeout:     60 * time.Second,
			MaxAttempts: 3,
			BaseURL:     "https://api.openai.com",
		},
		Workflow: WorkflowConfig{
			MaxRetries:          2,
			AcceptanceThreshold: 0.7,
			WallClockTimeout:    300 * time.Second,
		},
		Retrieval: RetrievalConfig{
			KnowledgeStoreQueryPath: "/query",
			WebTopK:                 5,
			BackendTimeout:          30 * time.Second,
		},
		Compiler: CompilerConfig{
			MaxItems: 12,
			MaxChars: 8000,
		},
		Session: SessionConfig{
			SnapshotTTL: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "ragflow",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "ragflow",
			SampleRate:  1.0,
		},
	}
}
