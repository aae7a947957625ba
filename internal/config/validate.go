package config

import (
	"fmt"
	"strings"
	"time"
)

// IssueSeverity represents the severity of a settings issue.
type IssueSeverity string

const (
	// SeverityError blocks execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced but does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding. Path is the environment
// variable the finding is about.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements error so an Issue can be returned where an error is expected.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is error-level.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

var supportedProtocols = map[string]bool{
	"postgres":   true,
	"postgresql": true,
	"sqlite":     true,
	"sqlserver":  true,
	"mssql":      true,
}

var logLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true,
}

// ValidateSettings checks required values and ranges. It does not mutate s.
func ValidateSettings(s Settings) []Issue {
	var issues []Issue
	add := func(sev IssueSeverity, path, msg string) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: msg})
	}

	d := s.DB
	if !supportedProtocols[d.Protocol] {
		add(SeverityError, "DB_PROTOCOL", fmt.Sprintf("unsupported protocol %q", d.Protocol))
	}
	if strings.TrimSpace(d.Database) == "" {
		add(SeverityError, "DB_DATABASE", "is required")
	}
	if d.Protocol != "sqlite" {
		if strings.TrimSpace(d.Username) == "" {
			add(SeverityError, "DB_USERNAME", "is required")
		}
		if d.Password == "" {
			add(SeverityError, "DB_PASSWORD", "is required")
		}
		if d.Port < 1 || d.Port > 65535 {
			add(SeverityError, "DB_PORT", fmt.Sprintf("must be in 1..65535, got %d", d.Port))
		}
	}
	if d.PoolSize < 1 || d.PoolSize > 20 {
		add(SeverityError, "DB_POOL_SIZE", fmt.Sprintf("must be in 1..20, got %d", d.PoolSize))
	}
	if d.MaxOverflow < 0 || d.MaxOverflow > 50 {
		add(SeverityError, "DB_MAX_OVERFLOW", fmt.Sprintf("must be in 0..50, got %d", d.MaxOverflow))
	}
	if d.PoolTimeout < time.Second || d.PoolTimeout > 300*time.Second {
		add(SeverityError, "DB_POOL_TIMEOUT", fmt.Sprintf("must be in 1..300 seconds, got %s", d.PoolTimeout))
	}
	if d.PoolRecycle < 300*time.Second {
		add(SeverityError, "DB_POOL_RECYCLE", fmt.Sprintf("must be at least 300 seconds, got %s", d.PoolRecycle))
	}

	a := s.App
	switch a.Environment {
	case EnvDevelopment, EnvTesting, EnvProduction:
	default:
		add(SeverityError, "APP_ENVIRONMENT", fmt.Sprintf("must be one of development, testing, production; got %q", a.Environment))
	}
	if !logLevels[a.LogLevel] {
		add(SeverityWarning, "APP_LOG_LEVEL", fmt.Sprintf("unknown level %q", a.LogLevel))
	}
	if a.BatchSize < 1 {
		add(SeverityError, "APP_BATCH_SIZE", fmt.Sprintf("must be positive, got %d", a.BatchSize))
	}
	if a.IsProduction() && a.Debug {
		add(SeverityWarning, "APP_DEBUG", "debug is enabled in production")
	}
	if a.IsProduction() && d.Echo {
		add(SeverityWarning, "DB_ECHO", "statement echo is enabled in production")
	}

	return issues
}
