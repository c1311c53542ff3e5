package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for errors.
//
// Struct tags handle field-level constraints; cross-field rules that tags
// cannot express are checked explicitly afterwards.
func Validate(cfg *Config) error {
	validate := validator.New()

	if err := validate.Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fieldErr := range errs {
				return fmt.Errorf("invalid value for %s: failed %q constraint",
					fieldErr.Namespace(), fieldErr.Tag())
			}
		}
		return err
	}

	if err := validateCache(&cfg.Cache); err != nil {
		return err
	}

	if err := validateUpload(&cfg.Upload); err != nil {
		return err
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry endpoint is required when telemetry is enabled")
	}

	return nil
}

func validateCache(cfg *CacheConfig) error {
	switch cfg.Backend {
	case CacheBackendFS:
		if cfg.Path == "" {
			return fmt.Errorf("cache path is required for the fs backend")
		}
	case CacheBackendS3:
		if cfg.S3.Bucket == "" {
			return fmt.Errorf("cache s3 bucket is required for the s3 backend")
		}
	}
	return nil
}

func validateUpload(cfg *UploadConfig) error {
	if cfg.DefaultPartSize > cfg.MultipartMinFileSize {
		return fmt.Errorf("default part size %s exceeds the multipart threshold %s",
			cfg.DefaultPartSize, cfg.MultipartMinFileSize)
	}
	if cfg.MaxFileSize > cfg.MaxTotalUploadBytes {
		return fmt.Errorf("max file size %s exceeds the total upload budget %s",
			cfg.MaxFileSize, cfg.MaxTotalUploadBytes)
	}
	return nil
}
