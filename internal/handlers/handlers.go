package handlers

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/jmartynas/bytemason/internal/middleware"
	"github.com/jmartynas/bytemason/respond"
)

// Check is one dependency the readiness probe pings.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Health is a liveness probe: returns 200 if the process is running.
func Health(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready is a readiness probe: returns 200 if every check passes, 503 otherwise.
func Ready(log logrus.FieldLogger, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, c := range checks {
			if err := c.Ping(r.Context()); err != nil {
				middleware.RequestLogger(r.Context(), log).WithError(err).WithField("check", c.Name).Warn("readiness check failed")
				respond.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": c.Name + " ping failed"})
				return
			}
		}
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
