package flags

import (
	"fmt"
	"slices"
	"strings"
)

const (
	choiceUsageTemplateConstant           = "`<%s>` %s"
	choiceUsageWithoutDescriptionConstant = "`<%s>`"
	choiceSeparatorConstant               = "|"
)

// FormatChoiceUsage renders flag usage as a placeholder listing the accepted choices,
// with the default choice upper-cased, followed by description.
func FormatChoiceUsage(defaultChoice string, choices []string, description string) string {
	placeholder := strings.Join(displayChoices(defaultChoice, choices), choiceSeparatorConstant)
	trimmedDescription := strings.TrimSpace(description)
	if len(trimmedDescription) == 0 {
		return fmt.Sprintf(choiceUsageWithoutDescriptionConstant, placeholder)
	}
	return fmt.Sprintf(choiceUsageTemplateConstant, placeholder, description)
}

// displayChoices trims and de-duplicates choices case-insensitively, keeping first occurrences.
func displayChoices(defaultChoice string, choices []string) []string {
	defaultKey := strings.ToLower(strings.TrimSpace(defaultChoice))
	seenKeys := make([]string, 0, len(choices))
	rendered := make([]string, 0, len(choices))
	for _, choice := range choices {
		trimmed := strings.TrimSpace(choice)
		key := strings.ToLower(trimmed)
		if len(key) == 0 || slices.Contains(seenKeys, key) {
			continue
		}
		seenKeys = append(seenKeys, key)
		if key == defaultKey {
			trimmed = strings.ToUpper(trimmed)
		}
		rendered = append(rendered, trimmed)
	}
	return rendered
}
