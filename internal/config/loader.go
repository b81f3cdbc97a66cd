package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the documented defaults
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Analysis.DebounceMs < 0 {
		errs = append(errs, fmt.Errorf("analysis.debounce_ms %d must not be negative", cfg.Analysis.DebounceMs))
	}

	if cfg.Audio.TargetSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.target_sample_rate %d must be positive", cfg.Audio.TargetSampleRate))
	}
	if cfg.Audio.MaxChunkBytes < 1000 {
		errs = append(errs, fmt.Errorf("audio.max_chunk_bytes %d is below the 1000-byte analysis minimum", cfg.Audio.MaxChunkBytes))
	}
	if cfg.Audio.TranscodeTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.transcode_timeout_ms %d must be positive", cfg.Audio.TranscodeTimeoutMs))
	}

	errs = append(errs, validateEndpoint("models.text", cfg.Models.Text)...)
	errs = append(errs, validateEndpoint("models.audio", cfg.Models.Audio)...)
	if cfg.Models.CallTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("models.call_timeout_ms %d must be positive", cfg.Models.CallTimeoutMs))
	}

	if cfg.Storage.CacheTTLMs < 0 {
		errs = append(errs, fmt.Errorf("storage.cache_ttl_ms %d must not be negative", cfg.Storage.CacheTTLMs))
	}

	return errors.Join(errs...)
}

// validateEndpoint checks one model endpoint block. Both services are
// mandatory: the pipeline has no meaning without them.
func validateEndpoint(prefix string, ep ModelEndpoint) []error {
	var errs []error
	if ep.Endpoint == "" {
		errs = append(errs, fmt.Errorf("%s.endpoint is required", prefix))
	} else if u, err := url.Parse(ep.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("%s.endpoint %q is not an absolute URL", prefix, ep.Endpoint))
	}
	if ep.Model == "" {
		errs = append(errs, fmt.Errorf("%s.model is required", prefix))
	}
	return errs
}
