package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

// readBody reads the raw request body, rejecting payloads over webhookMaxBodyBytes.
func readBody(c echo.Context) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}
	return payload, nil
}
