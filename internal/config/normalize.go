package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeEncoder()
	c.normalizeQueues()
	c.normalizeLogging()
	c.normalizeUpload()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.APIBind) == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeEncoder() {
	if c.Encoder.Workers <= 0 {
		c.Encoder.Workers = defaultEncoderWorkers
	}
	normalizeRendition(&c.Encoder.Gallery, defaultImageFinishingRendition())
	normalizeRendition(&c.Encoder.Document, defaultDocumentRendition())
}

func defaultImageFinishingRendition() RenditionParams {
	return RenditionParams{
		Format:    defaultGalleryFormat,
		Quality:   defaultGalleryQuality,
		MaxWidth:  defaultGalleryMaxWidth,
		MaxHeight: defaultGalleryMaxHeight,
	}
}

func defaultDocumentRendition() RenditionParams {
	return RenditionParams{
		Format:    defaultDocumentFormat,
		Quality:   defaultDocumentQuality,
		MaxWidth:  defaultDocumentMaxWidth,
		MaxHeight: defaultDocumentMaxHeight,
	}
}

func normalizeRendition(p *RenditionParams, fallback RenditionParams) {
	p.Format = strings.ToLower(strings.TrimSpace(p.Format))
	if p.Format == "" {
		p.Format = fallback.Format
	}
	if p.Quality <= 0 || p.Quality > 1 {
		p.Quality = fallback.Quality
	}
	if p.MaxWidth <= 0 {
		p.MaxWidth = fallback.MaxWidth
	}
	if p.MaxHeight <= 0 {
		p.MaxHeight = fallback.MaxHeight
	}
}

func (c *Config) normalizeQueues() {
	normalizePolicy(&c.Queues.ImageFinishing, defaultImageFinishingPolicy)
	normalizePolicy(&c.Queues.DocumentRendering, defaultDocumentRenderingPolicy)
	if c.Queues.ShutdownGraceSec <= 0 {
		c.Queues.ShutdownGraceSec = defaultShutdownGraceSec
	}
	if c.StatusCache.TTLSeconds <= 0 {
		c.StatusCache.TTLSeconds = defaultCacheTTLSeconds
	}
	if c.Scheduler.MaintenanceIntervalMin <= 0 {
		c.Scheduler.MaintenanceIntervalMin = defaultMaintenanceIntervalMin
	}
}

func normalizePolicy(p *QueuePolicy, fallback QueuePolicy) {
	if p.Workers <= 0 {
		p.Workers = fallback.Workers
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = fallback.MaxAttempts
	}
	if p.BackoffBaseMs <= 0 {
		p.BackoffBaseMs = fallback.BackoffBaseMs
	}
	if p.AttemptTimeoutSec <= 0 {
		p.AttemptTimeoutSec = fallback.AttemptTimeoutSec
	}
	if p.PollIntervalSec <= 0 {
		p.PollIntervalSec = fallback.PollIntervalSec
	}
	if p.HistoryLimit <= 0 {
		p.HistoryLimit = fallback.HistoryLimit
	}
	if p.DeadLetterLimit <= 0 {
		p.DeadLetterLimit = fallback.DeadLetterLimit
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeUpload() {
	c.Upload.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upload.BaseURL), "/")
	if c.Upload.RequestTimeout <= 0 {
		c.Upload.RequestTimeout = defaultUploadTimeoutSec
	}
}
