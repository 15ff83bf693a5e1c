package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/nemt-routing/dispatch-optimizer/pkg/apperr"
)

// ErrorResponse is the JSON body for every non-2xx response. The shape
// mirrors the WebSocket `error` frame (code, message, optional details) so
// a client sees one error vocabulary across both transports.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorHandler translates the last error recorded on the Gin context into
// the standard JSON error response. Handlers abort via the AbortWith*
// helpers below and leave response writing to this middleware.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		appErr := apperr.As(c.Errors.Last().Err)
		logError(c, appErr)

		if c.Writer.Written() {
			return
		}

		c.JSON(appErr.Status, ErrorResponse{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		})
	}
}

// RecoveryHandler recovers from panics and returns a 500 error in the same
// response shape as ErrorHandler.
func RecoveryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[PANIC] %v\n%s", r, debug.Stack())

				if c.Writer.Written() {
					return
				}

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Code:    apperr.CodeInternal,
					Message: "internal server error",
				})
				c.Abort()
			}
		}()

		c.Next()
	}
}

// AbortWithError aborts the request with an AppError, deferring the JSON
// response to ErrorHandler.
func AbortWithError(c *gin.Context, err *apperr.AppError) {
	c.Error(err)
	c.Abort()
}

// AbortWithValidation aborts with a 422 validation error.
func AbortWithValidation(c *gin.Context, message string) {
	AbortWithError(c, apperr.NewValidationError(message))
}

// AbortWithNoFeasibleRoute aborts with a 422 OPTIMIZATION_FAILED error.
func AbortWithNoFeasibleRoute(c *gin.Context, message string) {
	AbortWithError(c, apperr.NewNoFeasibleRouteError(message))
}

// AbortWithUpstreamUnavailable aborts with a 502 error.
func AbortWithUpstreamUnavailable(c *gin.Context, message string) {
	AbortWithError(c, apperr.NewUpstreamUnavailableError(message))
}

// AbortWithInternal aborts with a 500 internal error, recording the cause.
func AbortWithInternal(c *gin.Context, message string, err error) {
	appErr := apperr.NewInternalError(message)
	if err != nil {
		appErr = appErr.WithInternal(err)
	}
	AbortWithError(c, appErr)
}

func logError(c *gin.Context, err *apperr.AppError) {
	requestID := c.GetString("request_id")
	if requestID == "" {
		requestID = "unknown"
	}

	log.Printf(
		"[ERROR] [%s] %s %s | Code: %s | Message: %s | Internal: %v",
		requestID,
		c.Request.Method,
		c.Request.URL.Path,
		err.Code,
		err.Message,
		err.InternalErr,
	)

	if err.Status >= 500 && err.InternalErr != nil {
		log.Printf("[ERROR] [%s] Stack trace: %s", requestID, debug.Stack())
	}
}
