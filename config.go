package vaultfs

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// sector: positive multiple of the AES block size
		_ = validate.RegisterValidation("sector", func(fl validator.FieldLevel) bool {
			n := fl.Field().Int()
			return n > 0 && n%16 == 0
		})
	})
	return validate
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}

	if err := configValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{
				Field:   fe.Namespace(),
				Value:   fe.Value(),
				Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
				Err:     ErrInvalidConfiguration,
			}
		}
		return &ValidationError{Message: err.Error(), Err: ErrInvalidConfiguration}
	}

	// The header reserves fixed room for both fields.
	if c.KeyWrap.SaltSize+wrappedKeyCipherSize != wrappedKeySize || c.KeyWrap.KeySize != 48 {
		return NewValidationError("KeyWrap", c.KeyWrap, "key wrap needs a 16 byte salt and a 48 byte derived key")
	}
	if c.Verifier.SaltSize+c.Verifier.KeySize != verifierSize {
		return NewValidationError("Verifier", c.Verifier, fmt.Sprintf("salt and digest must fill %d bytes", verifierSize))
	}
	if c.BlockSize%c.SectorSize != 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return NewValidationError("BlockSize", c.BlockSize, "block size must be a power of two and a multiple of the sector size")
	}
	return nil
}

// LoadConfig reads a YAML configuration file. Fields missing from the file
// keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ValidationError{Field: path, Message: "malformed config file", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func configOrDefault(cfg *Config) (*Config, error) {
	if cfg == nil {
		return DefaultConfig(), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
