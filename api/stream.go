package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"prism-core/activity"
)

const streamHeartbeat = 30 * time.Second

// streamActivity sends the caller's activity events as server-sent events.
// Browsers cannot set headers on EventSource, so the token may come as a
// query parameter.
func streamActivity(auth Authenticator, broker *activity.Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		ch := broker.Add(userID)
		defer broker.Remove(userID, ch)
		ticker := time.NewTicker(streamHeartbeat)
		defer ticker.Stop()
		ctx := c.Request().Context()
		for {
			var frame []byte
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				frame = []byte(": ping\n\n")
			case ev := <-ch:
				data, err := sonic.Marshal(ev)
				if err != nil {
					c.Logger().Error(err)
					continue
				}
				frame = make([]byte, 0, len(data)+8)
				frame = append(frame, "data: "...)
				frame = append(frame, data...)
				frame = append(frame, "\n\n"...)
			}
			if _, err := c.Response().Write(frame); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
