// Package utils exposes reusable helpers consumed by the CLI and the upgrade command.
//
// It houses ConfigurationLoader, which layers embedded defaults, a configuration
// file, dotenv files and the process environment through Viper, and LoggerFactory,
// which builds zap loggers that write to standard error.
package utils
