package identity

import (
	"net/http"
	"net/url"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

// LoginErrorMarker is the query parameter attached to the login redirect
// after a fail-closed permission error.
const LoginErrorMarker = "error"

// RouteGuard protects consumer routes with the controller's state: it
// attaches the resolved identity to the request context, redirects
// unauthenticated callers to login (carrying an error marker when the
// session was fail-closed), and redirects unsatisfied MFA gates to the
// challenge flow. It makes no per-route authorization decisions beyond that.
type RouteGuard struct {
	controller *Controller
	cfg        Config
	Logger     Logger
}

func NewRouteGuard(controller *Controller, cfg Config) *RouteGuard {
	if cfg == nil {
		cfg = SimpleConfig{}
	}

	return &RouteGuard{
		controller: controller,
		cfg:        cfg,
		Logger:     defLogger{},
	}
}

// Protected returns the middleware enforcing the session gate.
func (g *RouteGuard) Protected() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			snapshot := g.controller.Snapshot()

			if snapshot.Identity == nil {
				return g.redirectToLogin(c)
			}

			if snapshot.RequiresAdminMfa {
				g.Logger.Info("MFA gate unsatisfied, redirecting to challenge", "path", c.OriginalURL())
				return c.Redirect(g.cfg.GetMfaChallengePath(), http.StatusSeeOther)
			}

			ctx := WithContext(c.Context(), snapshot.Identity)
			ctx = WithSessionContext(ctx, snapshot.Session)
			c.SetContext(ctx)

			return next(c)
		}
	}
}

func (g *RouteGuard) redirectToLogin(c router.Context) error {
	target := g.cfg.GetLoginPath()

	if lastErr := g.controller.LastError(); lastErr != nil {
		var richErr *errors.Error
		if errors.As(lastErr, &richErr) {
			g.Logger.Info(
				"Redirecting to login after terminal error",
				"text_code", richErr.TextCode,
				"details", print.MaybePrettyJSON(richErr.Metadata),
			)
		}

		switch {
		case IsNotProvisioned(lastErr):
			target = g.cfg.GetRegistrationPath()
		case IsPermissionDenied(lastErr):
			target = appendQuery(target, LoginErrorMarker, "access_denied")
		}
	}

	statusCode := http.StatusSeeOther
	if c.Method() == string(router.GET) {
		statusCode = http.StatusFound
	}

	return c.Redirect(target, statusCode)
}

func appendQuery(path, key, value string) string {
	parsed, err := url.Parse(path)
	if err != nil {
		return path
	}
	q := parsed.Query()
	q.Set(key, value)
	parsed.RawQuery = q.Encode()
	return parsed.String()
}
