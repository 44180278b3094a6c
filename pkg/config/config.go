package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".dbg"
	configFile string = "config.yml"
)

// Defaults used when the corresponding option is unset.
const (
	DefaultDebugPlugin          = "ptrace"
	DefaultBackendPlugin        = "asm"
	DefaultPluginPackage        = "Debugger"
	DefaultListingLimit         = 64
	DefaultInstructionCacheSize = 1024
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// PluginRoot is the root directory plugins are resolved against.
	PluginRoot string `yaml:"plugin-root"`
	// PluginPackage is the package name component of plugin keys.
	PluginPackage string `yaml:"plugin-package"`
	// DebugPlugin is the short name of the process control plugin.
	DebugPlugin string `yaml:"debug-plugin"`
	// BackendPlugin is the short name of the decode plugin. Set it to
	// "none" to disable decoding.
	BackendPlugin string `yaml:"backend-plugin"`

	// UsePty runs the target on its own pseudo-terminal.
	UsePty bool `yaml:"use-pty"`

	// ListingLimit is the maximum number of instructions decoded when a
	// file is opened.
	ListingLimit *int `yaml:"listing-limit,omitempty"`
	// InstructionCacheSize is the number of decoded instructions kept in
	// memory by the decode plugin.
	InstructionCacheSize *int `yaml:"instruction-cache-size,omitempty"`
}

// GetListingLimit returns ListingLimit or its default.
func (c *Config) GetListingLimit() int {
	if c.ListingLimit == nil || *c.ListingLimit <= 0 {
		return DefaultListingLimit
	}
	return *c.ListingLimit
}

// GetInstructionCacheSize returns InstructionCacheSize or its default.
func (c *Config) GetInstructionCacheSize() int {
	if c.InstructionCacheSize == nil || *c.InstructionCacheSize <= 0 {
		return DefaultInstructionCacheSize
	}
	return *c.InstructionCacheSize
}

// GetDebugPlugin returns the name of the control plugin to use.
func (c *Config) GetDebugPlugin() string {
	if c.DebugPlugin == "" {
		return DefaultDebugPlugin
	}
	return c.DebugPlugin
}

// GetBackendPlugin returns the name of the decode plugin to use, or the
// empty string if decoding is disabled.
func (c *Config) GetBackendPlugin() string {
	switch c.BackendPlugin {
	case "":
		return DefaultBackendPlugin
	case "none":
		return ""
	}
	return c.BackendPlugin
}

// GetPluginPackage returns the package component of plugin keys.
func (c *Config) GetPluginPackage() string {
	if c.PluginPackage == "" {
		return DefaultPluginPackage
	}
	return c.PluginPackage
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		f, err := createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
		f.Close()
	}

	c, err := LoadConfigFrom(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads the configuration stored at path.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the dbg debugger.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Root directory and package name plugins are resolved against.
# plugin-root: /usr/local
# plugin-package: Debugger

# Process control plugin (category "debug").
# debug-plugin: ptrace

# Decode plugin (category "backend"), "none" disables it.
# backend-plugin: asm

# Run the target on its own pseudo-terminal.
# use-pty: false

# Maximum number of instructions listed when a file is opened.
# listing-limit: 64

# Number of decoded instructions kept in memory.
# instruction-cache-size: 1024
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
