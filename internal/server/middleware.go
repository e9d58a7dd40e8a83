package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/entity"
)

const (
	HeaderAPIKey = "X-API-Key"
	accountKey   = "account"
)

func attachRequestID(c echo.Context, id string) {
	req := c.Request()
	c.SetRequest(req.WithContext(common.WithRequestID(req.Context(), id)))
}

func (s *Server) accessLog() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []any{
				"method", v.Method,
				"path", v.URIPath,
				"status", v.Status,
				"request_id", v.RequestID,
				"elapsed_ms", v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				attrs = append(attrs, "err", v.Error)
			}
			s.logger.Log(c.Request().Context(), level, "http.request", attrs...)
			return nil
		},
	})
}

// requireAPIKey resolves the caller from X-API-Key or a bearer token.
func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := strings.TrimSpace(c.Request().Header.Get(HeaderAPIKey))
		if key == "" {
			if auth := c.Request().Header.Get(echo.HeaderAuthorization); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}
		if key == "" {
			return fmt.Errorf("missing api key: %w", common.ErrUnauthorized)
		}
		acct, err := s.deps.Accounts.Authenticate(c.Request().Context(), key)
		if err != nil {
			return err
		}
		c.Set(accountKey, acct)
		req := c.Request()
		c.SetRequest(req.WithContext(common.WithAccountID(req.Context(), acct.ID.String())))
		return next(c)
	}
}

func currentAccount(c echo.Context) *entity.Account {
	a, _ := c.Get(accountKey).(*entity.Account)
	return a
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := common.HTTPStatus(err)
	body := errorBody{Code: common.ErrorCode(err), Message: err.Error()}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		body.Code = strings.ToUpper(strings.ReplaceAll(http.StatusText(he.Code), " ", "_"))
		body.Message = fmt.Sprint(he.Message)
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		body.Message = http.StatusText(status)
	}
	body.RequestID = common.RequestIDFromContext(c.Request().Context())

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, map[string]errorBody{"error": body})
	}
	if err != nil {
		s.logger.Warn("http.error.write_failed", "err", err)
	}
}

func bodyLimit(n int64) string {
	return fmt.Sprintf("%dB", n)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
