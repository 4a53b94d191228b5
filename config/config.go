package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/jakecoffman/cp/v2"
	"gopkg.in/yaml.v3"

	"mjbridge/bridge"
	"mjbridge/hostconnector"
	physicalengine "mjbridge/physical-engine"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "MJBRIDGE_"

// 控制器名称
const (
	ControllerNone   = "none"
	ControllerRandom = "random"
)

// Settings 运行配置
type Settings struct {
	ModelPath  string `yaml:"model_path" validate:"required"`
	AssetsPath string `yaml:"assets_path"`

	Pause          bool    `yaml:"pause"`
	TargetStepRate float64 `yaml:"target_step_rate" validate:"gt=0"`
	FrameRate      int     `yaml:"frame_rate" validate:"min=1,max=1000"`
	ZUp            bool    `yaml:"z_up"`
	Renormalize    bool    `yaml:"renormalize"`

	Listen           string  `yaml:"listen" validate:"required,hostname_port"`
	FullSyncInterval int     `yaml:"full_sync_interval" validate:"min=1"`
	ChangeThreshold  float64 `yaml:"change_threshold" validate:"gt=0,lte=1"`
	Controller       string  `yaml:"controller" validate:"oneof=none random"`

	Engine       EngineSettings       `yaml:"engine"`
	SharedMemory SharedMemorySettings `yaml:"shared_memory"`
}

// SharedMemorySettings 共享内存宿主同步，Path 为空时不启用
type SharedMemorySettings struct {
	Path       string `yaml:"path"`
	MaxObjects uint32 `yaml:"max_objects" validate:"min=1"`
}

// EngineSettings 参考物理引擎参数
type EngineSettings struct {
	Gravity    float64 `yaml:"gravity"` // 沿 Z 轴的重力加速度
	TimeStep   float64 `yaml:"time_step" validate:"gt=0,lte=0.1"`
	Substeps   int     `yaml:"substeps" validate:"min=1,max=1000"`
	Iterations int     `yaml:"iterations" validate:"min=1"`
	Damping    float64 `yaml:"damping" validate:"gt=0,lte=1"`
}

// Default 默认配置，ModelPath 需要由文件、环境变量或命令行给出
func Default() Settings {
	return Settings{
		Pause:            bridge.DefaultOptions.Pause,
		TargetStepRate:   bridge.DefaultOptions.TargetStepRate,
		FrameRate:        bridge.DefaultOptions.FrameRate,
		ZUp:              bridge.DefaultOptions.ZUp,
		Renormalize:      bridge.DefaultOptions.Renormalize,
		Listen:           "0.0.0.0:8081",
		FullSyncInterval: hostconnector.DefaultSyncConfig.FullSyncInterval,
		ChangeThreshold:  hostconnector.DefaultSyncConfig.ChangeThreshold,
		Controller:       ControllerNone,
		Engine: EngineSettings{
			Gravity:    physicalengine.DefaultConfig.Gravity.Y,
			TimeStep:   physicalengine.DefaultConfig.TimeStep,
			Substeps:   physicalengine.DefaultConfig.Substeps,
			Iterations: physicalengine.DefaultConfig.Iterations,
			Damping:    physicalengine.DefaultConfig.Damping,
		},
		SharedMemory: SharedMemorySettings{
			MaxObjects: hostconnector.DefaultSharedMemoryConfig.MaxObjects,
		},
	}
}

var validate = validator.New()

// Load 按 默认值 -> YAML 文件 -> 环境变量 的顺序合并配置，不做校验。
// path 为空时跳过文件
func Load(path string) (Settings, error) {
	s := Default()

	if path != "" {
		if err := loadFile(path, &s); err != nil {
			return s, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := loadEnv(&s, os.LookupEnv); err != nil {
		return s, fmt.Errorf("config: environment: %w", err)
	}
	return s, nil
}

// Validate 校验合并后的配置
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func loadFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func loadEnv(s *Settings, lookup lookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = i
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}

	str("MODEL_PATH", &s.ModelPath)
	str("ASSETS_PATH", &s.AssetsPath)
	boolean("PAUSE", &s.Pause)
	float("TARGET_STEP_RATE", &s.TargetStepRate)
	integer("FRAME_RATE", &s.FrameRate)
	boolean("Z_UP", &s.ZUp)
	boolean("RENORMALIZE", &s.Renormalize)
	str("LISTEN", &s.Listen)
	integer("FULL_SYNC_INTERVAL", &s.FullSyncInterval)
	float("CHANGE_THRESHOLD", &s.ChangeThreshold)
	str("CONTROLLER", &s.Controller)

	float("ENGINE_GRAVITY", &s.Engine.Gravity)
	float("ENGINE_TIME_STEP", &s.Engine.TimeStep)
	integer("ENGINE_SUBSTEPS", &s.Engine.Substeps)
	integer("ENGINE_ITERATIONS", &s.Engine.Iterations)
	float("ENGINE_DAMPING", &s.Engine.Damping)

	str("SHARED_MEMORY_PATH", &s.SharedMemory.Path)
	if v, ok := lookup(EnvPrefix + "SHARED_MEMORY_MAX_OBJECTS"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSHARED_MEMORY_MAX_OBJECTS: %w", EnvPrefix, err))
		} else {
			s.SharedMemory.MaxObjects = uint32(n)
		}
	}

	return errors.Join(errs...)
}

// BridgeOptions 仿真流水线配置
func (s Settings) BridgeOptions() bridge.Options {
	return bridge.Options{
		Pause:          s.Pause,
		TargetStepRate: s.TargetStepRate,
		FrameRate:      s.FrameRate,
		ZUp:            s.ZUp,
		Renormalize:    s.Renormalize,
	}
}

// EngineConfig 参考物理引擎配置
func (s Settings) EngineConfig() physicalengine.PhysicsEngineConfig {
	c := physicalengine.DefaultConfig
	c.Gravity = cp.Vector{X: 0, Y: s.Engine.Gravity}
	c.TimeStep = s.Engine.TimeStep
	c.Substeps = s.Engine.Substeps
	c.Iterations = s.Engine.Iterations
	c.Damping = s.Engine.Damping
	return c
}

// SyncConfig 宿主同步配置
func (s Settings) SyncConfig() hostconnector.SyncConfig {
	c := hostconnector.DefaultSyncConfig
	c.FullSyncInterval = s.FullSyncInterval
	c.ChangeThreshold = s.ChangeThreshold
	return c
}

// SharedMemoryConfig 共享内存块配置，未启用时第二个返回值为 false
func (s Settings) SharedMemoryConfig() (hostconnector.SharedMemoryConfig, bool) {
	if s.SharedMemory.Path == "" {
		return hostconnector.SharedMemoryConfig{}, false
	}
	return hostconnector.SharedMemoryConfig{
		Path:       s.SharedMemory.Path,
		MaxObjects: s.SharedMemory.MaxObjects,
	}, true
}
