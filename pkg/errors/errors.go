// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package errors provides coded, structured errors built on samber/oops.
//
// A Code reads "area.component.op.reason". The trailing reason segment drives
// the Is* predicates and the HTTP status mapping, so new codes only need a
// well-chosen reason to classify correctly.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeSecretInvalidInput   Code = "secret.input.invalid_input"
	CodeSecretNotFound       Code = "secret.get.not_found"
	CodeSecretStoreFailure   Code = "secret.store.failure"
	CodeSecretDeleteFailure  Code = "secret.delete.failure"
	CodeSecretResolveFailure Code = "secret.resolve.failure"

	CodeBackendRequestInvalid    Code = "backend.request.invalid_input"
	CodeBackendNotConfigured     Code = "backend.config.not_configured"
	CodeBackendLokiFailure       Code = "backend.loki.query.upstream_failure"
	CodeBackendPrometheusFailure Code = "backend.prometheus.query.upstream_failure"
	CodeBackendJaegerFailure     Code = "backend.jaeger.query.upstream_failure"
	CodeBackendResponseInvalid   Code = "backend.response.invalid_format"

	CodeEvidenceInvalidRange    Code = "evidence.query.invalid_range"
	CodeEvidenceInvalidDatetime Code = "evidence.query.invalid_datetime"

	CodeProviderRequestInvalid  Code = "provider.request.invalid"
	CodeProviderResponseInvalid Code = "provider.response.invalid"
	CodeProviderUpstreamFailure Code = "provider.upstream.failure"
	CodeProviderNotFound        Code = "provider.registry.not_found"
	CodeProviderAllUnavailable  Code = "provider.routing.all_unavailable"
	CodeProviderNoDefault       Code = "provider.routing.no_default"
	CodeProviderInvalidModelRef Code = "provider.routing.invalid_model_ref"

	CodeAgentLoopInvalidInput Code = "agent.loop.invalid_input"
	CodeAgentLoopFailure      Code = "agent.loop.failure"
	CodeAgentToolNotFound     Code = "agent.tool.not_found"
	CodeAgentToolDuplicate    Code = "agent.tool.register.conflict"
	CodeAgentToolTimeout      Code = "agent.tool.timeout"
	CodeAgentToolFailure      Code = "agent.tool.call.failure"
	CodeAgentParseInvalid     Code = "agent.parse.invalid_format"
	CodeAgentParseFatal       Code = "agent.parse.fatal"

	CodeEnsembleNoBackends Code = "ensemble.request.invalid_input"
	CodeEnsembleAllFailed  Code = "ensemble.run.all_failed"

	CodeOpsRequestInvalid Code = "ops.request.invalid_input"
	CodeOpsOutputInvalid  Code = "ops.output.invalid_format"
	CodeOpsTimeout        Code = "ops.run.timeout"

	CodeStoreRunNotFound     Code = "store.run.get.not_found"
	CodeStoreDatabaseFailure Code = "store.database.failure"
	CodeStoreInvalidInput    Code = "store.invalid_input"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerConfigInvalid   Code = "server.config.invalid"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"
	CodeServerRateLimited     Code = "server.request.rate_limited"

	CodeCLISetupFailure Code = "cli.setup.failure"
	CodeCLIInputInvalid Code = "cli.input.invalid"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldSessionID(value string) Attr { return Field("session_id", value) }
func FieldProvider(value string) Attr  { return Field("provider", value) }
func FieldTool(value string) Attr      { return Field("tool", value) }
func FieldBackend(value string) Attr   { return Field("backend", value) }
func FieldRunID(value string) Attr     { return Field("run_id", value) }

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain, keeping its code.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}
	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

// CodeOf returns the innermost code attached to err, or "".
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	case nil:
		return ""
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	switch reason(CodeOf(err)) {
	case "invalid", "invalid_input", "invalid_value", "invalid_format", "invalid_range", "invalid_datetime":
		return true
	}
	return false
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsRateLimited(err error) bool {
	return reason(CodeOf(err)) == "rate_limited"
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	r := reason(code)
	return r == "upstream_failure" || (strings.Contains(string(code), "upstream") && r == "failure")
}

func IsUnavailable(err error) bool {
	switch reason(CodeOf(err)) {
	case "all_unavailable", "all_failed", "not_configured":
		return true
	}
	return false
}

// HTTPStatus maps an error to the status code the server responds with.
func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsRateLimited(err):
		return http.StatusTooManyRequests
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsUpstreamFailure(err):
		return http.StatusBadGateway
	case IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	joined := stderrors.Join(errs...)
	if joined == nil {
		return nil
	}
	return oops.Code(CodeServerInternalFailure).Wrap(joined)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
