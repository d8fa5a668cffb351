package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"marginloan/native/custody"
	"marginloan/native/exchange"
	"marginloan/native/margin"
	"marginloan/native/oracle"
)

const requestLimit = 1 << 20 // 1 MiB

var errEmptyBody = errors.New("request body is empty")

func decodeRequest(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return errEmptyBody
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// statusFor maps engine and collaborator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, margin.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, margin.ErrLoanNotFound),
		errors.Is(err, margin.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, margin.ErrLoanExists),
		errors.Is(err, margin.ErrAlreadyLiquidated),
		errors.Is(err, margin.ErrNotLiquidationEligible),
		errors.Is(err, margin.ErrLoanNotExpired),
		errors.Is(err, margin.ErrModulePaused):
		return http.StatusConflict
	case errors.Is(err, custody.ErrInsufficientFunds),
		errors.Is(err, custody.ErrInvalidTransfer),
		errors.Is(err, margin.ErrBelowMarginRequirement),
		errors.Is(err, margin.ErrInsufficientBalance),
		errors.Is(err, margin.ErrLoanCeilingExceeded),
		errors.Is(err, margin.ErrInvalidAmount),
		errors.Is(err, margin.ErrInvalidTerms),
		errors.Is(err, margin.ErrArithmeticOverflow),
		errors.Is(err, exchange.ErrNoLiquidity),
		errors.Is(err, exchange.ErrSameAsset),
		errors.Is(err, exchange.ErrInvalidQuantity),
		errors.Is(err, oracle.ErrInvalidQuote):
		return http.StatusUnprocessableEntity
	case errors.Is(err, margin.ErrTransferFailed),
		errors.Is(err, margin.ErrEndpointUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Errorf("marshal response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := strings.TrimSpace(err.Error())
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		message = http.StatusText(status)
	}
	if message == "" {
		message = http.StatusText(status)
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": message})
	if marshalErr != nil {
		replacer := strings.NewReplacer(
			"\\", "\\\\",
			"\"", "\\\"",
			"\n", "\\n",
			"\r", "\\r",
			"\t", "\\t",
		)
		payload = []byte(fmt.Sprintf("{\"error\":\"%s\"}", replacer.Replace(message)))
	}
	_, _ = w.Write(payload)
}
