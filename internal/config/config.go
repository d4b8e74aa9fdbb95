package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// 环境变量覆盖
const (
	EnvDataDir = "GRIDCORE_DATA_DIR"
	EnvPort    = "GRIDCORE_PORT"
)

// AppConfig 应用配置
type AppConfig struct {
	Server   ServerConfig   `toml:"server"`
	Data     DataConfig     `toml:"data"`
	Workbook WorkbookConfig `toml:"workbook"`
	Events   EventsConfig   `toml:"events"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port    int  `toml:"port"`
	DevMode bool `toml:"dev_mode"`
}

// DataConfig 数据配置
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

// WorkbookConfig 工作簿配置
type WorkbookConfig struct {
	DefaultSheet string `toml:"default_sheet"`
}

// EventsConfig 事件配置
type EventsConfig struct {
	BufferSize int `toml:"buffer_size"`
}

// LoadConfigInfo 配置加载元信息
type LoadConfigInfo struct {
	Path          string
	Found         bool
	PortSpecified bool
}

// DefaultConfig 默认配置
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:    20270,
			DevMode: false,
		},
		Data: DataConfig{
			DataDir: "data",
		},
		Workbook: WorkbookConfig{
			DefaultSheet: "Sheet1",
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
	}
}

func isPortSpecifiedInToml(data []byte) bool {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return false
	}

	serverAny, ok := raw["server"]
	if !ok {
		return false
	}

	serverMap, ok := serverAny.(map[string]any)
	if !ok {
		return false
	}

	_, ok = serverMap["port"]
	return ok
}

// GetExeDir 获取可执行文件所在目录
func GetExeDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Dir(exe), nil
}

// LoadConfigWithInfo 从可执行文件同目录的 config.toml 加载配置并返回元信息
func LoadConfigWithInfo() (*AppConfig, LoadConfigInfo, error) {
	exeDir, err := GetExeDir()
	if err != nil {
		// 无法获取可执行文件目录，使用当前目录
		exeDir = "."
	}
	return LoadFrom(filepath.Join(exeDir, "config.toml"))
}

// LoadFrom 从指定路径加载配置；文件不存在时使用默认配置
// 环境变量在文件之后生效
func LoadFrom(configPath string) (*AppConfig, LoadConfigInfo, error) {
	info := LoadConfigInfo{Path: configPath}
	config := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		info.Found = true
		info.PortSpecified = isPortSpecifiedInToml(data)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, info, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	case os.IsNotExist(err):
		// 配置文件不存在，使用默认配置
	default:
		return nil, info, err
	}

	if err := applyEnv(config, &info); err != nil {
		return nil, info, err
	}
	normalize(config)
	return config, info, nil
}

func applyEnv(config *AppConfig, info *LoadConfigInfo) error {
	if v := os.Getenv(EnvDataDir); v != "" {
		config.Data.DataDir = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s: %q", EnvPort, v)
		}
		config.Server.Port = port
		info.PortSpecified = true
	}
	return nil
}

func normalize(config *AppConfig) {
	defaults := DefaultConfig()
	if config.Server.Port <= 0 {
		config.Server.Port = defaults.Server.Port
	}
	if config.Data.DataDir == "" {
		config.Data.DataDir = defaults.Data.DataDir
	}
	if config.Workbook.DefaultSheet == "" {
		config.Workbook.DefaultSheet = defaults.Workbook.DefaultSheet
	}
	if config.Events.BufferSize <= 0 {
		config.Events.BufferSize = defaults.Events.BufferSize
	}
}

// SaveConfig 保存配置到 config.toml
func SaveConfig(config *AppConfig, configPath string) error {
	data, err := toml.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0644)
}

// ResolveDataDir 数据目录绝对路径；相对路径以可执行文件目录为基准
func ResolveDataDir(config *AppConfig) string {
	if filepath.IsAbs(config.Data.DataDir) {
		return config.Data.DataDir
	}
	exeDir, err := GetExeDir()
	if err != nil {
		exeDir = "."
	}
	return filepath.Join(exeDir, config.Data.DataDir)
}

// EnsureDataDir 确保数据目录及子目录存在
func EnsureDataDir(config *AppConfig) (string, error) {
	dataDir := ResolveDataDir(config)

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", err
	}

	// 创建子目录
	if err := os.MkdirAll(WorkbookDir(dataDir), 0755); err != nil {
		return "", err
	}

	return dataDir, nil
}

// WorkbookDir 工作簿 SQLite 文件目录
func WorkbookDir(dataDir string) string {
	return filepath.Join(dataDir, "workbooks")
}

// CatalogPath 工作簿目录文件
func CatalogPath(dataDir string) string {
	return filepath.Join(dataDir, "catalog.db")
}
