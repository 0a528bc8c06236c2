// Package config binds the service's environment knobs (spec §6) through
// viper, following the flag/env-var/default registration triplet used by
// the teacher's master command.
package config

import (
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// MaxTaskTimeoutHardCeiling is the absolute upper bound a resolved task
// timeout can ever take, regardless of what MAX_TASK_TIMEOUT is configured
// to in the environment.
const MaxTaskTimeoutHardCeiling = 24 * 60 * 60 // 24h, in seconds

// Config holds every authoritative environment knob from spec.md §6.
type Config struct {
	GpuDeviceIDs           []string
	GpuDeviceDifficulty    []string
	SessionIdleTimeout     int
	SessionMaxLifetime     int
	SessionQueueMaxSize    int
	MonitorInterval        int
	DefaultTaskTimeout     int
	MaxTaskTimeout         int
	ModelCacheDir          string
	AutoFetchModels        bool
	FileServiceURL         string
	FileServiceInternalKey string
	InternalAPIKey         string
	AllowedDockerImages    []string
	CatalogDir             string
	ListenAddr             string
	GpuTelemetryInterval   int
}

// key mirrors the teacher's configKey: it derives the flag name (underscores
// become dashes) and the env var name (upper case) from one snake_case key.
type key string

func (k key) flagName() string { return strings.ReplaceAll(string(k), "_", "-") }
func (k key) envName() string  { return strings.ToUpper(string(k)) }

func registerString(flags *pflag.FlagSet, v *viper.Viper, name key, def string, usage string) {
	flags.String(name.flagName(), def, usage)
	_ = v.BindEnv(string(name), name.envName())
	_ = v.BindPFlag(string(name), flags.Lookup(name.flagName()))
	v.SetDefault(string(name), def)
}

func registerInt(flags *pflag.FlagSet, v *viper.Viper, name key, def int, usage string) {
	flags.Int(name.flagName(), def, usage)
	_ = v.BindEnv(string(name), name.envName())
	_ = v.BindPFlag(string(name), flags.Lookup(name.flagName()))
	v.SetDefault(string(name), def)
}

func registerBool(flags *pflag.FlagSet, v *viper.Viper, name key, def bool, usage string) {
	flags.Bool(name.flagName(), def, usage)
	_ = v.BindEnv(string(name), name.envName())
	_ = v.BindPFlag(string(name), flags.Lookup(name.flagName()))
	v.SetDefault(string(name), def)
}

func registerStringSlice(flags *pflag.FlagSet, v *viper.Viper, name key, def []string, usage string) {
	flags.StringSlice(name.flagName(), def, usage)
	_ = v.BindEnv(string(name), name.envName())
	_ = v.BindPFlag(string(name), flags.Lookup(name.flagName()))
	v.SetDefault(string(name), def)
}

// Register binds every spec.md §6 env knob onto flags and v, returning
// nothing — call Load(v) after flags.Parse to materialize a Config.
func Register(flags *pflag.FlagSet, v *viper.Viper) {
	registerStringSlice(flags, v, "gpu_device_ids", []string{"0", "1"}, "ordered GPU device ids")
	registerStringSlice(flags, v, "gpu_device_difficulty", []string{"low", "high"}, "difficulty class per device, positionally paired with gpu_device_ids")
	registerInt(flags, v, "session_idle_timeout_seconds", 600, "seconds a WAITING session may sit idle before being reaped")
	registerInt(flags, v, "session_max_lifetime_seconds", 3600, "seconds a session may live regardless of activity")
	registerInt(flags, v, "session_queue_max_size", 5, "bounded per-session pending request queue size")
	registerInt(flags, v, "monitor_interval", 30, "seconds between reaper sweeps")
	registerInt(flags, v, "default_task_timeout", 120, "default per-task timeout in seconds")
	registerInt(flags, v, "max_task_timeout", 900, "upper clamp for any task timeout in seconds")
	registerString(flags, v, "model_cache_dir", "/var/lib/gputaskd/models", "host directory backing the model cache")
	registerBool(flags, v, "auto_fetch_models", true, "fetch missing models from the file service on demand")
	registerString(flags, v, "file_service_url", "", "base URL of the file-access service")
	registerString(flags, v, "file_service_internal_key", "", "bearer key used when calling the file-access service")
	registerString(flags, v, "internal_api_key", "", "X-API-Key value required of inbound task requests")
	registerStringSlice(flags, v, "allowed_docker_images", nil, "if non-empty, the only images create_oneoff/create_long_lived may launch")
	registerString(flags, v, "catalog_dir", "/etc/gputaskd/catalog", "directory containing task_definitions.yaml, task_actions.yaml, model_paths.yaml")
	registerString(flags, v, "listen_addr", ":8088", "HTTP listen address")
	registerInt(flags, v, "gpu_telemetry_interval", 15, "seconds between GPU telemetry refreshes")
}

// Load materializes a Config from a viper instance already populated by
// Register + flags.Parse.
func Load(v *viper.Viper) Config {
	maxTimeout := v.GetInt("max_task_timeout")
	if maxTimeout > MaxTaskTimeoutHardCeiling {
		maxTimeout = MaxTaskTimeoutHardCeiling
	}
	return Config{
		GpuDeviceIDs:           v.GetStringSlice("gpu_device_ids"),
		GpuDeviceDifficulty:    v.GetStringSlice("gpu_device_difficulty"),
		SessionIdleTimeout:     v.GetInt("session_idle_timeout_seconds"),
		SessionMaxLifetime:     v.GetInt("session_max_lifetime_seconds"),
		SessionQueueMaxSize:    v.GetInt("session_queue_max_size"),
		MonitorInterval:        v.GetInt("monitor_interval"),
		DefaultTaskTimeout:     v.GetInt("default_task_timeout"),
		MaxTaskTimeout:         maxTimeout,
		ModelCacheDir:          v.GetString("model_cache_dir"),
		AutoFetchModels:        v.GetBool("auto_fetch_models"),
		FileServiceURL:         v.GetString("file_service_url"),
		FileServiceInternalKey: v.GetString("file_service_internal_key"),
		InternalAPIKey:         v.GetString("internal_api_key"),
		AllowedDockerImages:    v.GetStringSlice("allowed_docker_images"),
		CatalogDir:             v.GetString("catalog_dir"),
		ListenAddr:             v.GetString("listen_addr"),
		GpuTelemetryInterval:   v.GetInt("gpu_telemetry_interval"),
	}
}

// ClampTimeout applies the spec §4.1 clamp: timeout_seconds is restricted
// to [1, MAX_TASK_TIMEOUT].
func ClampTimeout(requested, maxTaskTimeout int) int {
	if requested < 1 {
		return 1
	}
	if requested > maxTaskTimeout {
		return maxTaskTimeout
	}
	return requested
}

// String implements fmt.Stringer for debug logging without leaking secrets.
func (c Config) String() string {
	return "Config{gpu_devices=" + strconv.Itoa(len(c.GpuDeviceIDs)) +
		", catalog_dir=" + c.CatalogDir + ", listen_addr=" + c.ListenAddr + "}"
}
