package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:        "assets.db",
			OpenTimeout: Duration(2 * time.Second),
		},
		Quota: QuotaConfig{
			Models:   ByteSize(512 * 1024 * 1024),
			Textures: ByteSize(1024 * 1024 * 1024),
		},
		Tiers: DefaultTiers(),
		Selector: SelectorConfig{
			ThrottleWindow: Duration(100 * time.Millisecond),
		},
		Transition: TransitionConfig{
			StepInterval: Duration(16 * time.Millisecond),
			Duration:     Duration(400 * time.Millisecond),
			Easing:       "easeInOutCubic",
		},
		Fetch: FetchConfig{
			Retries:        3,
			InitialBackoff: Duration(200 * time.Millisecond),
			MaxBackoff:     Duration(5 * time.Second),
			Multiplier:     2.0,
			AcquireTimeout: Duration(2 * time.Minute),
		},
		Sources: SourcesConfig{
			Primary: SourceConfig{
				Kind: SourceKindHTTP,
				HTTP: HTTPSourceConfig{
					BaseURL: "http://localhost:8000/assets",
					Timeout: Duration(30 * time.Second),
				},
			},
			Bundle: BundleConfig{
				Dir: "bundle",
				Placeholders: map[string]string{
					"models":   "models/placeholder.glb",
					"textures": "textures/placeholder.ktx2",
				},
			},
		},
		NATS: NATSConfig{
			ConnectionName: "asset-stream-cache",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			Responder: NATSResponderConfig{
				SubjectPrefix:  "assets",
				MaxInFlight:    64,
				RequestTimeout: Duration(30 * time.Second),
			},
		},
		Lifecycle: LifecycleConfig{
			Interval: Duration(5 * time.Minute),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}

// DefaultTiers returns the built-in distance table: ultraclose [0,5),
// close [5,20), medium [20,40), far [40,inf).
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Name: "far", MinDistance: 40, TextureResolution: 512, MeshDetail: 0.125},
		{Name: "medium", MinDistance: 20, TextureResolution: 1024, MeshDetail: 0.25},
		{Name: "close", MinDistance: 5, TextureResolution: 2048, MeshDetail: 0.5},
		{Name: "ultraclose", MinDistance: 0, TextureResolution: 4096, MeshDetail: 1},
	}
}
