package config

import (
	"errors"
	"fmt"
)

var supportedFormats = map[string]struct{}{
	"jpeg": {},
	"png":  {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateEncoder(); err != nil {
		return err
	}
	if err := c.validateQueues(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Drafts.MaxAgeDays < 0 {
		return errors.New("drafts.max_age_days must not be negative")
	}
	return nil
}

func (c *Config) validateEncoder() error {
	for name, params := range map[string]RenditionParams{
		"encoder.gallery":  c.Encoder.Gallery,
		"encoder.document": c.Encoder.Document,
	} {
		if _, ok := supportedFormats[params.Format]; !ok {
			return fmt.Errorf("%s.format: unsupported format %q (jpeg or png)", name, params.Format)
		}
		if params.Quality <= 0 || params.Quality > 1 {
			return fmt.Errorf("%s.quality must be within (0, 1]", name)
		}
	}
	return nil
}

func (c *Config) validateQueues() error {
	for name, policy := range map[string]QueuePolicy{
		"queues.image_finishing":    c.Queues.ImageFinishing,
		"queues.document_rendering": c.Queues.DocumentRendering,
	} {
		if policy.MaxAttempts < 1 {
			return fmt.Errorf("%s.max_attempts must be at least 1", name)
		}
		if policy.Workers < 1 {
			return fmt.Errorf("%s.workers must be at least 1", name)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
		return nil
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
}
