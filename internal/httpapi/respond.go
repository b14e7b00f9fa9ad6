package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/service"
)

const (
	maxScanBody = 16 << 10
	maxBulkBody = 4 << 20 // 5000 items at well under 1 KiB each

	codeInvalidRequest = "INVALID_REQUEST"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// requestError is a malformed or invalid request body.
type requestError struct {
	code    string
	message string
}

func (e *requestError) Error() string { return e.message }

// decode reads a JSON body of at most limit bytes into dst and validates it.
func decode(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return &requestError{code: codeInvalidRequest, message: "request body is empty"}
		case errors.As(err, &tooBig):
			return &requestError{code: codeInvalidRequest, message: fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit)}
		default:
			return &requestError{code: codeInvalidRequest, message: "invalid JSON body"}
		}
	}

	if err := validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) || len(ve) == 0 {
			return &requestError{code: codeInvalidRequest, message: err.Error()}
		}
		fe := ve[0]
		switch fe.Tag() {
		case "required":
			return &requestError{code: service.CodeMissingField, message: fe.Field() + " is required"}
		case "min":
			return &requestError{code: service.CodeMissingField, message: fmt.Sprintf("%s must have at least %s entries", fe.Field(), fe.Param())}
		case "max":
			return &requestError{code: codeInvalidRequest, message: fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())}
		default:
			return &requestError{code: codeInvalidRequest, message: fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())}
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeFailure maps err to a status and error body. Internal causes are
// logged, never returned to the caller.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var re *requestError
	if errors.As(err, &re) {
		writeError(w, http.StatusBadRequest, re.code, re.message)
		return
	}

	se, ok := service.AsScanError(err)
	if !ok {
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, service.CodeInternal, "unexpected server error")
		return
	}

	status := statusFor(se.Kind)
	if status == http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Err(se).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, se.Code, se.Message)
}

func statusFor(kind service.ErrorKind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindConflict:
		return http.StatusConflict
	case service.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
