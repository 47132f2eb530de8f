// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/absmach/panbus/broker"
	"github.com/absmach/panbus/hub"
	"github.com/absmach/panbus/rpc"
)

type envelope struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{OK: status >= 200 && status < 300, Data: data})
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: &apiError{Code: code, Message: message}})
}

// Request bodies carry a payload plus a small envelope around it.
const (
	bodyOverhead   = 16 * 1024
	defaultMaxBody = 8 * 1024 * 1024
)

// decodeJSON decodes at most limit bytes of the request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, limit int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	dec.UseNumber()
	return dec.Decode(dst)
}

// writeDecodeErr reports a body that could not be decoded.
func writeDecodeErr(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErr(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
}

// writeBrokerErr maps broker, hub and rpc errors to HTTP statuses.
func writeBrokerErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrValidation):
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, broker.ErrRateLimited):
		writeErr(w, http.StatusTooManyRequests, "RATE_LIMITED", err.Error())
	case errors.Is(err, broker.ErrRetainedOverflow):
		writeErr(w, http.StatusRequestEntityTooLarge, "RETAINED_OVERFLOW", err.Error())
	case errors.Is(err, broker.ErrClosed), errors.Is(err, hub.ErrNotReady):
		writeErr(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	case errors.Is(err, rpc.ErrRequestTimeout):
		writeErr(w, http.StatusGatewayTimeout, "REQUEST_TIMEOUT", err.Error())
	case errors.Is(err, rpc.ErrRequestCancelled):
		writeErr(w, http.StatusRequestTimeout, "REQUEST_CANCELLED", err.Error())
	case errors.Is(err, rpc.ErrRemote):
		writeErr(w, http.StatusBadGateway, "REMOTE_ERROR", err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
