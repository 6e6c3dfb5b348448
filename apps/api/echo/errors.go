package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/messaging"
	"github.com/trezcool/masomo/core/user"
)

var (
	errUnauthorized         = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errAuthenticationFailed = echo.NewHTTPError(http.StatusBadRequest, "authentication failed")
	errAccountDeactivated   = echo.NewHTTPError(http.StatusForbidden, "account deactivated")
	errRefreshExpired       = echo.NewHTTPError(http.StatusForbidden, "refresh has expired")
	errTooManyRequests      = echo.NewHTTPError(http.StatusTooManyRequests, "too many messages, slow down")
)

// domainHTTPError maps the core sentinel errors to their HTTP error, nil if err is not one of them.
func domainHTTPError(err error) *echo.HTTPError {
	switch cause := errors.Cause(err); {
	case cause == user.ErrInvalidCredential:
		return errAuthenticationFailed
	case cause == user.ErrInactive:
		return errAccountDeactivated
	case cause == user.ErrInvalidRole:
		return errUnauthorized
	case messaging.IsNotFound(cause):
		return echo.NewHTTPError(http.StatusNotFound, cause.Error())
	case messaging.IsForbidden(cause):
		return echo.NewHTTPError(http.StatusForbidden, cause.Error())
	case cause == messaging.ErrAlreadyDeleted:
		return echo.NewHTTPError(http.StatusConflict, cause.Error())
	}
	return nil
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		if hErr := domainHTTPError(err); hErr != nil {
			err = hErr
		}

		var vErr *core.ValidationError
		switch origErr := errors.Cause(err).(type) {
		case *echo.HTTPError:
			if origErr == middleware.ErrJWTMissing {
				code = http.StatusUnauthorized
				message = origErr.Message
				break
			}
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			message = origErr.Message
		case validator.ValidationErrors:
			fldErrs := make(map[string]string, len(origErr))
			for _, vErr := range origErr {
				fldErrs[vErr.Field()] = vErr.Translate(core.Translator)
			}
			code = http.StatusBadRequest
			message = fldErrs
		default:
			if errors.As(err, &vErr) {
				if vErr.Fields != nil {
					fldErrs := make(map[string]string, len(vErr.Fields))
					for _, fErr := range vErr.Fields {
						fldErrs[fErr.Field] = fErr.Error
					}
					message = fldErrs
				} else {
					message = vErr.Error()
				}
				code = http.StatusBadRequest
				break
			}

			// any other error is a server error
			code = http.StatusInternalServerError
			msg := http.StatusText(http.StatusInternalServerError)
			message = msg

			var who user.Profile
			if claims, cErr := getContextClaims(ctx); cErr == nil {
				who = claims.profile()
			}
			logger.Error(msg, errors.Wrap(err, msg), who)

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		if ctx.Echo().Debug && code == http.StatusInternalServerError {
			message = err.Error()
		}
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
