// Package echoutil has helpers around echo servers of the run queue service.
package echoutil

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// LogHandlerFunc is a middleware logging each request and its response.
func LogHandlerFunc(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		meth := c.Request().Method
		path := c.Request().URL.Path
		begin := time.Now()
		c.Logger().Debugf("< %s %s", meth, path)

		err := next(c)

		c.Logger().Infof(
			"> %s %s: status = %d in %v / error = %v",
			meth, path, c.Response().Status, time.Since(begin), err,
		)
		return err
	}
}

// SetLevel sets the level of the logger of e.
//
// loglevel is one of debug, info, warn, error or off. Unknown levels are warn.
func SetLevel(e *echo.Echo, loglevel string) {
	switch strings.ToLower(loglevel) {
	case "debug":
		e.Logger.SetLevel(log.DEBUG)
	case "info":
		e.Logger.SetLevel(log.INFO)
	case "warn", "":
		e.Logger.SetLevel(log.WARN)
	case "error":
		e.Logger.SetLevel(log.ERROR)
	case "off":
		e.Logger.SetLevel(log.OFF)
	default:
		e.Logger.SetLevel(log.WARN)
		e.Logger.Warnf("unknown loglevel: %s . fall-backed to warn", loglevel)
	}
}
