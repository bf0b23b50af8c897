package utils

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	environmentKeySeparatorOldConstant              = "."
	environmentKeySeparatorNewConstant              = "_"
	environmentPrefixSeparatorConstant              = "_"
	configurationReadErrorTemplateConstant          = "failed to read configuration: %w"
	configurationUnmarshalErrorTemplateConstant     = "failed to parse configuration: %w"
	embeddedConfigurationMergeErrorTemplateConstant = "failed to merge embedded configuration: %w"
	environmentFileReadErrorTemplateConstant        = "failed to read environment file %s: %w"
)

// ConfigurationLoader wraps Viper to load structured configuration files, dotenv files, and environment overrides.
//
// Precedence from lowest to highest: defaults, embedded configuration, configuration file,
// dotenv files, process environment.
type ConfigurationLoader struct {
	configurationName         string
	configurationType         string
	environmentPrefix         string
	searchPaths               []string
	environmentFiles          []string
	environmentKeyReplacer    *strings.Replacer
	embeddedConfiguration     []byte
	embeddedConfigurationType string
}

// LoadedConfiguration surfaces metadata about the resolved configuration.
type LoadedConfiguration struct {
	ConfigFileUsed        string
	EnvironmentFilesUsed  []string
	EnvironmentOverridden []string
}

// NewConfigurationLoader creates a loader that searches known paths and respects an environment prefix.
func NewConfigurationLoader(configurationName string, configurationType string, environmentPrefix string, searchPaths []string) *ConfigurationLoader {
	duplicatedSearchPaths := make([]string, len(searchPaths))
	copy(duplicatedSearchPaths, searchPaths)

	return &ConfigurationLoader{
		configurationName:      configurationName,
		configurationType:      configurationType,
		environmentPrefix:      environmentPrefix,
		searchPaths:            duplicatedSearchPaths,
		environmentKeyReplacer: strings.NewReplacer(environmentKeySeparatorOldConstant, environmentKeySeparatorNewConstant),
	}
}

// SetEmbeddedConfiguration stores embedded configuration data merged before user-provided configuration files.
func (loader *ConfigurationLoader) SetEmbeddedConfiguration(configurationData []byte, configurationType string) {
	if loader == nil {
		return
	}

	loader.embeddedConfiguration = nil
	loader.embeddedConfigurationType = strings.TrimSpace(configurationType)

	if len(configurationData) == 0 {
		return
	}

	duplicatedData := make([]byte, len(configurationData))
	copy(duplicatedData, configurationData)
	loader.embeddedConfiguration = duplicatedData
}

// SetEnvironmentFiles registers dotenv files consulted for prefixed keys. Missing files are ignored;
// earlier files win over later ones.
func (loader *ConfigurationLoader) SetEnvironmentFiles(environmentFiles ...string) {
	if loader == nil {
		return
	}
	loader.environmentFiles = loader.environmentFiles[:0]
	for _, environmentFile := range environmentFiles {
		trimmed := strings.TrimSpace(environmentFile)
		if len(trimmed) > 0 {
			loader.environmentFiles = append(loader.environmentFiles, trimmed)
		}
	}
}

// LoadConfiguration populates targetConfiguration using configuration files, defaults, and environment variables.
func (loader *ConfigurationLoader) LoadConfiguration(configurationFilePath string, defaultValues map[string]any, targetConfiguration any) (LoadedConfiguration, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigName(loader.configurationName)
	viperInstance.SetConfigType(loader.configurationType)

	if len(loader.embeddedConfiguration) > 0 {
		configurationType := loader.configurationType
		if len(loader.embeddedConfigurationType) > 0 {
			configurationType = loader.embeddedConfigurationType
		}

		viperInstance.SetConfigType(configurationType)
		mergeError := viperInstance.MergeConfig(bytes.NewReader(loader.embeddedConfiguration))
		if mergeError != nil {
			return LoadedConfiguration{}, fmt.Errorf(embeddedConfigurationMergeErrorTemplateConstant, mergeError)
		}

		viperInstance.SetConfigType(loader.configurationType)
	}

	for _, searchPath := range loader.searchPaths {
		viperInstance.AddConfigPath(searchPath)
	}

	viperInstance.SetEnvPrefix(loader.environmentPrefix)
	if loader.environmentKeyReplacer != nil {
		viperInstance.SetEnvKeyReplacer(loader.environmentKeyReplacer)
	}
	viperInstance.AutomaticEnv()

	for defaultKey, defaultValue := range defaultValues {
		viperInstance.SetDefault(defaultKey, defaultValue)
	}

	if len(configurationFilePath) > 0 {
		viperInstance.SetConfigFile(configurationFilePath)
	}

	readError := viperInstance.MergeInConfig()
	if readError != nil {
		if _, isNotFound := readError.(viper.ConfigFileNotFoundError); !isNotFound {
			return LoadedConfiguration{}, fmt.Errorf(configurationReadErrorTemplateConstant, readError)
		}
	}

	environmentValues, environmentFilesUsed, environmentError := loader.readEnvironmentFiles()
	if environmentError != nil {
		return LoadedConfiguration{}, environmentError
	}
	overridden := loader.applyEnvironmentValues(viperInstance, environmentValues)

	unmarshalError := viperInstance.Unmarshal(targetConfiguration)
	if unmarshalError != nil {
		return LoadedConfiguration{}, fmt.Errorf(configurationUnmarshalErrorTemplateConstant, unmarshalError)
	}

	loadedConfiguration := LoadedConfiguration{
		ConfigFileUsed:        viperInstance.ConfigFileUsed(),
		EnvironmentFilesUsed:  environmentFilesUsed,
		EnvironmentOverridden: overridden,
	}

	return loadedConfiguration, nil
}

func (loader *ConfigurationLoader) readEnvironmentFiles() (map[string]string, []string, error) {
	values := map[string]string{}
	var used []string
	for _, environmentFile := range loader.environmentFiles {
		fileValues, readError := godotenv.Read(environmentFile)
		if readError != nil {
			if errors.Is(readError, fs.ErrNotExist) {
				continue
			}
			return nil, nil, fmt.Errorf(environmentFileReadErrorTemplateConstant, environmentFile, readError)
		}
		used = append(used, environmentFile)
		for key, value := range fileValues {
			if _, exists := values[key]; !exists {
				values[key] = value
			}
		}
	}
	return values, used, nil
}

// applyEnvironmentValues sets known keys from dotenv values unless the process environment already provides them.
func (loader *ConfigurationLoader) applyEnvironmentValues(viperInstance *viper.Viper, environmentValues map[string]string) []string {
	if len(environmentValues) == 0 {
		return nil
	}
	var overridden []string
	for _, key := range viperInstance.AllKeys() {
		environmentName := loader.environmentName(key)
		value, provided := environmentValues[environmentName]
		if !provided {
			continue
		}
		if _, processProvided := os.LookupEnv(environmentName); processProvided {
			continue
		}
		viperInstance.Set(key, value)
		overridden = append(overridden, key)
	}
	return overridden
}

func (loader *ConfigurationLoader) environmentName(key string) string {
	name := key
	if loader.environmentKeyReplacer != nil {
		name = loader.environmentKeyReplacer.Replace(name)
	}
	name = strings.ToUpper(name)
	if len(loader.environmentPrefix) == 0 {
		return name
	}
	return strings.ToUpper(loader.environmentPrefix) + environmentPrefixSeparatorConstant + name
}
