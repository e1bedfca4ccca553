package identity

import (
	"fmt"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Config holds identity resolution options
type Config interface {
	GetCallTimeout() time.Duration
	GetCacheTTL() time.Duration
	GetLoginPath() string
	GetMfaChallengePath() string
	GetRegistrationPath() string
}

// DefaultCallTimeout bounds every remote identity call.
var DefaultCallTimeout = 5 * time.Second

// DefaultCacheTTL bounds how long a cached identity snapshot stays readable.
var DefaultCacheTTL = 24 * time.Hour

// SimpleConfig is a Config with sane defaults for any zero field.
type SimpleConfig struct {
	CallTimeout      time.Duration
	CacheTTL         time.Duration
	LoginPath        string
	MfaChallengePath string
	RegistrationPath string
}

func (c SimpleConfig) GetCallTimeout() time.Duration {
	if c.CallTimeout <= 0 {
		return DefaultCallTimeout
	}
	return c.CallTimeout
}

func (c SimpleConfig) GetCacheTTL() time.Duration {
	if c.CacheTTL <= 0 {
		return DefaultCacheTTL
	}
	return c.CacheTTL
}

func (c SimpleConfig) GetLoginPath() string {
	if c.LoginPath == "" {
		return "/login"
	}
	return c.LoginPath
}

func (c SimpleConfig) GetMfaChallengePath() string {
	if c.MfaChallengePath == "" {
		return "/mfa/challenge"
	}
	return c.MfaChallengePath
}

func (c SimpleConfig) GetRegistrationPath() string {
	if c.RegistrationPath == "" {
		return "/register"
	}
	return c.RegistrationPath
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] IDENTITY "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] IDENTITY "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] IDENTITY "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] IDENTITY "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
