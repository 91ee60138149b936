package utils

import "net/http"

// Status is the JSON body of non-streaming responses.
type Status struct {
	Message    string `json:"message,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

func StatusOK() Status {
	return Status{Message: "OK", StatusCode: http.StatusOK}
}

// StatusError returns the arguments for echo.Context.JSON.
func StatusError(errMsg string, statusCode int) (int, Status) {
	return statusCode, Status{Message: errMsg, StatusCode: statusCode}
}
