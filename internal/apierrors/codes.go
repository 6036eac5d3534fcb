// Package apierrors provides structured API error codes and responses.
// All codes are namespaced (e.g., "core:plugin_not_found").
package apierrors

import "net/http"

// Core error codes - registered automatically at init
const (
	// Request errors
	CodeInvalidRequest = "core:invalid_request"

	// Resource errors
	CodeNotFound          = "core:not_found"
	CodePluginNotFound    = "core:plugin_not_found"
	CodeConnectorNotFound = "core:connector_not_found"

	// Plugin and connector failures
	CodePluginNotStarted     = "core:plugin_not_started"
	CodePluginError          = "core:plugin_error"
	CodeConnectorUnavailable = "core:connector_unavailable"
	CodeReconnectFailed      = "core:reconnect_failed"
	CodeReloadFailed         = "core:reload_failed"

	// Rate limiting
	CodeRateLimited = "core:rate_limited"

	// Server errors
	CodeInternalError      = "core:internal_error"
	CodeNotReady           = "core:not_ready"
	CodeShuttingDown       = "core:shutting_down"
	CodeServiceUnavailable = "core:service_unavailable"
)

// coreErrors defines all core error codes with their default messages and HTTP status
var coreErrors = []ErrorCode{
	{Code: CodeInvalidRequest, Message: "Invalid request body", HTTPStatus: http.StatusBadRequest},

	{Code: CodeNotFound, Message: "Resource not found", HTTPStatus: http.StatusNotFound},
	{Code: CodePluginNotFound, Message: "Plugin not found", HTTPStatus: http.StatusNotFound,
		Hint: "run `goatbridge plugins` to list loaded plugins"},
	{Code: CodeConnectorNotFound, Message: "Connector not found", HTTPStatus: http.StatusNotFound,
		Hint: "run `goatbridge connectors` to list registered connectors"},

	{Code: CodePluginNotStarted, Message: "Plugin is not started", HTTPStatus: http.StatusServiceUnavailable,
		Hint: "check `goatbridge plugins` and the plugin logs for a startup error"},
	{Code: CodePluginError, Message: "Plugin handler failed", HTTPStatus: http.StatusInternalServerError},
	{Code: CodeConnectorUnavailable, Message: "Connector unavailable", HTTPStatus: http.StatusServiceUnavailable,
		Hint: "the circuit may be open; retry later or run `goatbridge reconnect <name>`"},
	{Code: CodeReconnectFailed, Message: "Reconnect failed", HTTPStatus: http.StatusBadGateway},
	{Code: CodeReloadFailed, Message: "Plugin reload failed", HTTPStatus: http.StatusInternalServerError,
		Hint: "see `goatbridge plugins` and the daemon log for details"},

	{Code: CodeRateLimited, Message: "Too many requests", HTTPStatus: http.StatusTooManyRequests},

	{Code: CodeInternalError, Message: "Internal server error", HTTPStatus: http.StatusInternalServerError},
	{Code: CodeNotReady, Message: "Daemon is starting", HTTPStatus: http.StatusServiceUnavailable},
	{Code: CodeShuttingDown, Message: "Daemon is shutting down", HTTPStatus: http.StatusServiceUnavailable},
	{Code: CodeServiceUnavailable, Message: "Service temporarily unavailable", HTTPStatus: http.StatusServiceUnavailable},
}

func init() {
	// Register all core error codes
	for _, e := range coreErrors {
		Registry.Register(e)
	}
}
