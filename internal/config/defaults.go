package config

const (
	defaultDataDir                = "~/.local/share/protomedia/data"
	defaultLogDir                 = "~/.local/share/protomedia/logs"
	defaultAPIBind                = "127.0.0.1:7819"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultEncoderWorkers         = 4
	defaultGalleryFormat          = "jpeg"
	defaultGalleryQuality         = 0.85
	defaultGalleryMaxWidth        = 1920
	defaultGalleryMaxHeight       = 1920
	defaultDocumentFormat         = "jpeg"
	defaultDocumentQuality        = 0.7
	defaultDocumentMaxWidth       = 800
	defaultDocumentMaxHeight      = 800
	defaultShutdownGraceSec       = 30
	defaultCacheTTLSeconds        = 300
	defaultMaintenanceIntervalMin = 60
	defaultUploadTimeoutSec       = 30
)

// Image finishing retries cheap transient I/O aggressively; document
// rendering failures are more often structural, so it gets fewer, more
// spaced-out attempts.
var (
	defaultImageFinishingPolicy = QueuePolicy{
		Workers:           4,
		MaxAttempts:       5,
		BackoffBaseMs:     2000,
		AttemptTimeoutSec: 60,
		PollIntervalSec:   1,
		HistoryLimit:      200,
		DeadLetterLimit:   50,
	}
	defaultDocumentRenderingPolicy = QueuePolicy{
		Workers:           1,
		MaxAttempts:       3,
		BackoffBaseMs:     10000,
		AttemptTimeoutSec: 300,
		PollIntervalSec:   2,
		HistoryLimit:      100,
		DeadLetterLimit:   50,
	}
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Encoder: Encoder{
			Workers: defaultEncoderWorkers,
			Gallery: RenditionParams{
				Format:    defaultGalleryFormat,
				Quality:   defaultGalleryQuality,
				MaxWidth:  defaultGalleryMaxWidth,
				MaxHeight: defaultGalleryMaxHeight,
			},
			Document: RenditionParams{
				Format:    defaultDocumentFormat,
				Quality:   defaultDocumentQuality,
				MaxWidth:  defaultDocumentMaxWidth,
				MaxHeight: defaultDocumentMaxHeight,
			},
		},
		Queues: Queues{
			ImageFinishing:    defaultImageFinishingPolicy,
			DocumentRendering: defaultDocumentRenderingPolicy,
			ShutdownGraceSec:  defaultShutdownGraceSec,
		},
		StatusCache: StatusCache{
			TTLSeconds: defaultCacheTTLSeconds,
		},
		Drafts: Drafts{
			MaxAgeDays: 0,
		},
		Scheduler: Scheduler{
			MaintenanceIntervalMin: defaultMaintenanceIntervalMin,
		},
		Upload: Upload{
			RequestTimeout: defaultUploadTimeoutSec,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
