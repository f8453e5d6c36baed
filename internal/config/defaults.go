package config

const (
	defaultUploadDir = "~/.local/share/distill/uploads"
	defaultWorkDir   = "~/.local/share/distill/work"
	defaultLogDir    = "~/.local/share/distill/logs"

	defaultSegmentSeconds        = 600
	defaultMediaConcurrency      = 2
	defaultTranscribeConcurrency = 4
	defaultAnalysisConcurrency   = 3
	defaultFinalizeConcurrency   = 2
	defaultMediaMaxAttempts      = 3
	defaultProviderMaxAttempts   = 5
	defaultUploadMaxAttempts     = 5
	defaultRetryBaseSeconds      = 2
	defaultRetryMaxSeconds       = 300

	defaultCompressionCodec  = "libx264"
	defaultCompressionCRF    = 26
	defaultCompressionPreset = "veryfast"
	defaultSkipBelowKbps     = 1200

	defaultTranscriberBaseURL = "https://api.openai.com/v1/audio/transcriptions"
	defaultTranscriberModel   = "whisper-1"
	defaultTranscriberTimeout = 300
	defaultMaxUploadMB        = 25

	defaultAIBaseURL = "https://openrouter.ai/api/v1/chat/completions"
	defaultAIModel   = "google/gemini-3-flash-preview"
	defaultAIReferer = "https://github.com/distill-video/distill"
	defaultAITitle   = "Distill Video Intelligence"
	defaultAITimeout = 60

	defaultEmbeddingBaseURL   = "https://api.openai.com/v1/embeddings"
	defaultEmbeddingModel     = "text-embedding-3-small"
	defaultEmbeddingDimension = 1536
	defaultEmbeddingTimeout   = 30

	defaultStorageRequestTimeout = 600

	defaultSweepIntervalMinutes = 30
	defaultMaxAgeHours          = 24
	defaultMaxProcessingMinutes = 180

	defaultQueuePollInterval  = 5
	defaultErrorRetryInterval = 10
	defaultHeartbeatInterval  = 15
	defaultHeartbeatTimeout   = 120

	defaultLogFormat = "auto"
	defaultLogLevel  = "info"

	defaultNotifyRequestTimeout = 10
	defaultNotifyDedupSeconds   = 600
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			UploadDir: defaultUploadDir,
			WorkDir:   defaultWorkDir,
			LogDir:    defaultLogDir,
		},
		Pipeline: Pipeline{
			SegmentSeconds:        defaultSegmentSeconds,
			MediaConcurrency:      defaultMediaConcurrency,
			TranscribeConcurrency: defaultTranscribeConcurrency,
			AnalysisConcurrency:   defaultAnalysisConcurrency,
			FinalizeConcurrency:   defaultFinalizeConcurrency,
			MediaMaxAttempts:      defaultMediaMaxAttempts,
			ProviderMaxAttempts:   defaultProviderMaxAttempts,
			UploadMaxAttempts:     defaultUploadMaxAttempts,
			RetryBaseSeconds:      defaultRetryBaseSeconds,
			RetryMaxSeconds:       defaultRetryMaxSeconds,
		},
		Compression: Compression{
			Codec:         defaultCompressionCodec,
			CRF:           defaultCompressionCRF,
			Preset:        defaultCompressionPreset,
			SkipCodecs:    []string{"h264", "hevc", "av1"},
			SkipBelowKbps: defaultSkipBelowKbps,
		},
		Transcriber: Transcriber{
			BaseURL:        defaultTranscriberBaseURL,
			Model:          defaultTranscriberModel,
			TimeoutSeconds: defaultTranscriberTimeout,
			MaxUploadMB:    defaultMaxUploadMB,
		},
		AI: AI{
			BaseURL:        defaultAIBaseURL,
			Model:          defaultAIModel,
			Referer:        defaultAIReferer,
			Title:          defaultAITitle,
			TimeoutSeconds: defaultAITimeout,
		},
		Embedding: Embedding{
			BaseURL:        defaultEmbeddingBaseURL,
			Model:          defaultEmbeddingModel,
			Dimension:      defaultEmbeddingDimension,
			TimeoutSeconds: defaultEmbeddingTimeout,
		},
		Storage: Storage{
			RequestTimeout: defaultStorageRequestTimeout,
			UseSSL:         true,
		},
		Reaper: Reaper{
			SweepIntervalMinutes: defaultSweepIntervalMinutes,
			MaxAgeHours:          defaultMaxAgeHours,
			MaxProcessingMinutes: defaultMaxProcessingMinutes,
		},
		Workflow: Workflow{
			QueuePollInterval:  defaultQueuePollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Notifications: Notifications{
			RequestTimeout:     defaultNotifyRequestTimeout,
			DedupWindowSeconds: defaultNotifyDedupSeconds,
			Completion:         true,
			Errors:             true,
		},
	}
}
