package mapping

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	tableReadErrorTemplateConstant         = "unable to read mapping table %s: %w"
	tableParseErrorTemplateConstant        = "unable to parse mapping table %s: %w"
	tableDecodeErrorTemplateConstant       = "unable to decode mapping table %s: %w"
	tableValidationErrorTemplateConstant   = "invalid mapping table %s: %w"
	tableUnsupportedFormatTemplateConstant = "unsupported mapping table format %q for %s"
	tableDecoderErrorTemplateConstant      = "unable to construct mapping decoder: %w"
	embeddedTableNameConstant              = "embedded default"
	yamlExtensionConstant                  = ".yaml"
	ymlExtensionConstant                   = ".yml"
	tomlExtensionConstant                  = ".toml"
)

//go:embed default_mapping.yaml
var defaultMappingContent []byte

// Default returns the embedded Cinemachine 2 to 3 table.
func Default() (*Table, error) {
	return Parse(defaultMappingContent, yamlExtensionConstant, embeddedTableNameConstant)
}

// Load reads a mapping table from a YAML or TOML file. An empty path yields the default table.
func Load(path string) (*Table, error) {
	trimmedPath := strings.TrimSpace(path)
	if len(trimmedPath) == 0 {
		return Default()
	}
	content, readError := os.ReadFile(trimmedPath)
	if readError != nil {
		return nil, fmt.Errorf(tableReadErrorTemplateConstant, trimmedPath, readError)
	}
	return Parse(content, filepath.Ext(trimmedPath), trimmedPath)
}

// Parse decodes table content in the format implied by extension.
func Parse(content []byte, extension string, sourceName string) (*Table, error) {
	raw := map[string]any{}
	switch strings.ToLower(extension) {
	case yamlExtensionConstant, ymlExtensionConstant:
		if parseError := yaml.Unmarshal(content, &raw); parseError != nil {
			return nil, fmt.Errorf(tableParseErrorTemplateConstant, sourceName, parseError)
		}
	case tomlExtensionConstant:
		if parseError := toml.Unmarshal(content, &raw); parseError != nil {
			return nil, fmt.Errorf(tableParseErrorTemplateConstant, sourceName, parseError)
		}
	default:
		return nil, fmt.Errorf(tableUnsupportedFormatTemplateConstant, extension, sourceName)
	}

	table := &Table{}
	decoder, decoderError := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           table,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if decoderError != nil {
		return nil, fmt.Errorf(tableDecoderErrorTemplateConstant, decoderError)
	}
	if decodeError := decoder.Decode(raw); decodeError != nil {
		return nil, fmt.Errorf(tableDecodeErrorTemplateConstant, sourceName, decodeError)
	}
	if prepareError := table.Prepare(); prepareError != nil {
		return nil, fmt.Errorf(tableValidationErrorTemplateConstant, sourceName, prepareError)
	}
	return table, nil
}
