package echoutil_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/opst/knitlaunch/pkg/utils/echoutil"
)

func TestSetLevel(t *testing.T) {
	for given, expected := range map[string]log.Lvl{
		"debug":   log.DEBUG,
		"INFO":    log.INFO,
		"warn":    log.WARN,
		"":        log.WARN,
		"error":   log.ERROR,
		"off":     log.OFF,
		"unknown": log.WARN,
	} {
		t.Run("level "+given, func(t *testing.T) {
			e := echo.New()
			e.Logger.SetOutput(new(bytes.Buffer))
			echoutil.SetLevel(e, given)
			if actual := e.Logger.Level(); actual != expected {
				t.Errorf("(actual, expected) = (%v, %v)", actual, expected)
			}
		})
	}
}

func TestLogHandlerFunc(t *testing.T) {
	t.Run("it logs responses", func(t *testing.T) {
		buf := new(bytes.Buffer)
		e := echo.New()
		e.Logger.SetOutput(buf)
		echoutil.SetLevel(e, "info")
		e.Use(echoutil.LogHandlerFunc)
		e.GET("/features", func(c echo.Context) error {
			return c.String(http.StatusTeapot, "ok")
		})

		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/features", nil))

		if rec.Code != http.StatusTeapot {
			t.Errorf("status: %d", rec.Code)
		}
		out := buf.String()
		if !strings.Contains(out, "GET /features") || !strings.Contains(out, "status = 418") {
			t.Errorf("unexpected log: %s", out)
		}
	})
}
