// Package config loads orgform settings. Values come from built-in defaults,
// then ORGFORM_* environment variables, then explicitly set CLI flags.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/picklr-io/orgform/internal/state"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ORGFORM_"

// Config holds the settings of a run.
type Config struct {
	MaxConcurrentStacks   int  `koanf:"max_concurrent_stacks" validate:"min=1"`
	FailedStacksTolerance int  `koanf:"failed_stacks_tolerance" validate:"min=0"`
	CountSkippedAsFailed  bool `koanf:"count_skipped_as_failed"`

	StateBucketName string `koanf:"state_bucket_name" validate:"required_without=StateFile"`
	StateObject     string `koanf:"state_object" validate:"required_without=StateFile"`
	StateRegion     string `koanf:"state_region" validate:"required_without=StateFile"`
	StateLockTable  string `koanf:"state_lock_table"`
	StateEncrypt    bool   `koanf:"state_encrypt"`
	StateFile       string `koanf:"state_file"`
	MasterAccountID string `koanf:"master_account_id" validate:"omitempty,numeric,len=12"`

	Profile  string        `koanf:"profile"`
	Provider string        `koanf:"provider" validate:"oneof=cloudformation null"`
	RoleName string        `koanf:"role_name" validate:"required"`
	Timeout  time.Duration `koanf:"timeout" validate:"gte=0"`

	LogLevel  string `koanf:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat string `koanf:"log_format" validate:"oneof=text json"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		MaxConcurrentStacks:   1,
		FailedStacksTolerance: 0,
		CountSkippedAsFailed:  true,
		StateBucketName:       state.DefaultBucketName,
		StateObject:           state.DefaultObjectKey,
		StateRegion:           state.DefaultRegion,
		Provider:              "cloudformation",
		RoleName:              "OrganizationAccountAccessRole",
		Timeout:               30 * time.Minute,
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// Load merges defaults, the environment and overrides, then validates the
// result. Override keys are koanf keys such as "max_concurrent_stacks".
func Load(overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", transformEnv), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	for key, value := range overrides {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				boolDecodeHook,
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// transformEnv maps ORGFORM_MAX_CONCURRENT_STACKS to max_concurrent_stacks.
// The state encryption passphrase is read by the state package and skipped here.
func transformEnv(key, value string) (string, any) {
	if key == state.EncryptionKeyEnvVar {
		return "", nil
	}
	return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
}

// boolDecodeHook accepts the spellings strconv.ParseBool understands.
func boolDecodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Bool {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid boolean %q", s)
	}
	return b, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg and reports every invalid field.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fe.Field(), fieldRule(fe), fe.Value()))
	}
	return errors.Join(errs...)
}

func fieldRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// BackendConfig describes the state store selected by the settings: a
// local file when StateFile is set, an S3 object otherwise.
func (c *Config) BackendConfig() *state.BackendConfig {
	if c.StateFile != "" {
		return &state.BackendConfig{
			Type: "local",
			Config: map[string]string{
				state.ConfigPath:            c.StateFile,
				state.ConfigMasterAccountID: c.MasterAccountID,
			},
		}
	}
	return &state.BackendConfig{
		Type: "s3",
		Config: map[string]string{
			state.ConfigBucket:          c.StateBucketName,
			state.ConfigKey:             c.StateObject,
			state.ConfigRegion:          c.StateRegion,
			state.ConfigLockTable:       c.StateLockTable,
			state.ConfigEncrypt:         strconv.FormatBool(c.StateEncrypt),
			state.ConfigProfile:         c.Profile,
			state.ConfigMasterAccountID: c.MasterAccountID,
		},
	}
}
