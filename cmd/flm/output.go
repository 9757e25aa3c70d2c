package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"flm/internal/engine"
	"flm/internal/proxy"
	"flm/internal/security"
)

// Exit codes of the CLI surface.
const (
	exitOK       = 0
	exitGeneric  = 1
	exitConfig   = 2
	exitNetwork  = 3
	exitAuth     = 4
	exitNotFound = 5
)

// envelopeVersion is the stable JSON output version.
const envelopeVersion = "1.0"

type jsonEnvelope struct {
	Version string         `json:"version"`
	Data    any            `json:"data,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// printResult writes data in the selected format: the JSON envelope,
// or the text rendering produced by textFn.
func (a *app) printResult(data any, textFn func()) error {
	if a.format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jsonEnvelope{Version: envelopeVersion, Data: data})
	}
	textFn()
	return nil
}

// cliError carries a stable machine-readable code alongside the
// message.
type cliError struct {
	code    string
	message string
	exit    int
}

func (e *cliError) Error() string { return e.message }

func errConfig(format string, args ...any) error {
	return &cliError{code: "invalid_config", message: fmt.Sprintf(format, args...), exit: exitConfig}
}

func errNotFound(format string, args ...any) error {
	return &cliError{code: "not_found", message: fmt.Sprintf(format, args...), exit: exitNotFound}
}

// exitCode maps error kinds onto the stable CLI exit codes.
func exitCode(err error) int {
	var cli *cliError
	if errors.As(err, &cli) {
		return cli.exit
	}

	var invalidCfg *proxy.InvalidConfigError
	var portInUse *proxy.PortInUseError
	var handleNotFound *proxy.HandleNotFoundError
	var netErr *engine.NetworkError
	var apiErr *engine.APIError
	switch {
	case errors.As(err, &invalidCfg), errors.As(err, &portInUse):
		return exitConfig
	case errors.As(err, &handleNotFound),
		errors.Is(err, security.ErrKeyNotFound),
		errors.Is(err, engine.ErrEngineNotFound):
		return exitNotFound
	case errors.As(err, &netErr), errors.As(err, &apiErr):
		return exitNetwork
	case isAuthError(err):
		return exitAuth
	default:
		return exitGeneric
	}
}

// isAuthError recognizes admin 401 responses surfaced by the daemon
// client.
func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "HTTP 401")
}

// errorEnvelope renders a failure in the JSON format; used before
// exiting non-zero when --format json is active.
func (a *app) printError(err error) {
	if a.format != "json" {
		return
	}
	code := "error"
	var cli *cliError
	if errors.As(err, &cli) {
		code = cli.code
	} else {
		switch exitCode(err) {
		case exitConfig:
			code = "invalid_config"
		case exitNetwork:
			code = "network_error"
		case exitAuth:
			code = "auth_failure"
		case exitNotFound:
			code = "not_found"
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(jsonEnvelope{Version: envelopeVersion, Error: &envelopeError{Code: code, Message: err.Error()}})
}
