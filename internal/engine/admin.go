package engine

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"paidcall/internal/auth"
	"paidcall/internal/firewall"
	"paidcall/internal/models"
	"paidcall/internal/presence"
	"paidcall/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ICEServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// APIConfig is the public part of the configuration reported by /api/config.
type APIConfig struct {
	CoinsPerTick      int64
	TickInterval      time.Duration
	InviteTimeout     time.Duration
	FirewallThreshold int
	ICEServers        []ICEServer
}

type AdminAPI struct {
	e        *echo.Echo
	cc       *CallControl
	presence *presence.Registry
	users    store.UserStore
	sessions store.SessionStore
	auth     *auth.Authenticator
	fw       *firewall.Firewall
	cfg      APIConfig
}

func NewAdminAPI(cc *CallControl, reg *presence.Registry, users store.UserStore, sessions store.SessionStore, gw *Gateway, authn *auth.Authenticator, fw *firewall.Firewall, cfg APIConfig) *AdminAPI {
	a := &AdminAPI{
		cc:       cc,
		presence: reg,
		users:    users,
		sessions: sessions,
		auth:     authn,
		fw:       fw,
		cfg:      cfg,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST, echo.DELETE},
	}))

	// Metrics
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// ─── Client connection ───────────────────────────────
	e.GET("/ws", gw.ServeWS)

	api := e.Group("/api")
	if authn.Enabled() {
		api.Use(a.requireToken)
	}

	// ─── Browse & history ────────────────────────────────
	api.GET("/payees/available", a.listAvailable)
	api.GET("/sessions/:id", a.getSession)
	api.GET("/users/:id/sessions", a.listUserSessions, a.requireSelf)
	api.GET("/users/:id/stats", a.getUserStats, a.requireSelf)
	api.GET("/users/:id/presence", a.getPresence, a.requireSelf)
	api.GET("/ice-servers", a.getICEServers)

	// ─── Operations ──────────────────────────────────────
	api.GET("/sessions/active", a.listActiveSessions, a.requireAdmin)
	api.POST("/users/:id/balance", a.topUp, a.requireAdmin)
	api.GET("/stats", a.getStats, a.requireAdmin)
	api.GET("/config", a.getConfig)
	api.GET("/firewall/blacklist", a.getBlacklist, a.requireAdmin)
	api.DELETE("/firewall/blacklist/:ip", a.unblock, a.requireAdmin)

	a.e = e
	return a
}

func (a *AdminAPI) Handler() http.Handler { return a.e }

func (a *AdminAPI) Start(addr string) error {
	return a.e.Start(addr)
}

func (a *AdminAPI) Shutdown(ctx context.Context) error {
	return a.e.Shutdown(ctx)
}

func (a *AdminAPI) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ip := c.RealIP()
		if !a.fw.IsAllowed(ip) {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "blocked"})
		}
		claims, err := a.auth.ValidateToken(auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization)))
		if err != nil {
			a.fw.RecordFailedAuth(ip)
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		c.Set("claims", claims)
		return next(c)
	}
}

// claimsOf returns the caller's claims, or nil when authentication is disabled.
func claimsOf(c echo.Context) *auth.Claims {
	claims, _ := c.Get("claims").(*auth.Claims)
	return claims
}

// requireSelf limits /users/:id routes to that user and admins.
func (a *AdminAPI) requireSelf(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims := claimsOf(c)
		if claims != nil && !claims.IsAdmin() && claims.UserID != c.Param("id") {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
		}
		return next(c)
	}
}

func (a *AdminAPI) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if claims := claimsOf(c); claims != nil && !claims.IsAdmin() {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "admin role required"})
		}
		return next(c)
	}
}

func errorJSON(c echo.Context, err error) error {
	code := models.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case models.CodeUserNotFound, models.CodeSessionNotFound, models.CodeInviteNotFound:
		status = http.StatusNotFound
	case models.CodeInsufficientFunds, models.CodeBusy, models.CodeAlreadyResolved:
		status = http.StatusConflict
	case models.CodeInvalidRequest, models.CodeInvalidRole:
		status = http.StatusBadRequest
	case models.CodeAuthenticationRequired:
		status = http.StatusUnauthorized
	case models.CodeStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]string{"code": string(code), "error": err.Error()})
}

// ─── Browse & history ────────────────────────────────────────────────────────
func (a *AdminAPI) listAvailable(c echo.Context) error {
	payees, err := a.presence.ListAvailablePayees(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, payees)
}

func (a *AdminAPI) listActiveSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, a.cc.ActiveSessions())
}

func (a *AdminAPI) getSession(c echo.Context) error {
	s, err := a.cc.Session(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorJSON(c, err)
	}
	// non-parties get the same answer as for an unknown id
	if claims := claimsOf(c); claims != nil && !claims.IsAdmin() && s.Peer(claims.UserID) == "" {
		return errorJSON(c, models.Errorf(models.CodeSessionNotFound, "session %s not found", s.ID))
	}
	return c.JSON(http.StatusOK, s)
}

func (a *AdminAPI) listUserSessions(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if page > math.MaxInt32/limit {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "page out of range"})
	}

	list, total, err := a.sessions.ListByUser(c.Request().Context(), c.Param("id"), limit, (page-1)*limit)
	if err != nil {
		return errorJSON(c, err)
	}
	if list == nil {
		list = []*models.CallSession{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": list,
		"page":     page,
		"limit":    limit,
		"total":    total,
		"pages":    (total + limit - 1) / limit,
	})
}

func (a *AdminAPI) getUserStats(c echo.Context) error {
	stats, err := a.sessions.StatsByUser(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (a *AdminAPI) getPresence(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	u, err := a.users.FindByID(ctx, id)
	if err != nil {
		return errorJSON(c, err)
	}
	owner, err := a.presence.Owner(ctx, id)
	if err != nil {
		return errorJSON(c, models.Wrap(models.CodeStoreUnavailable, err, "registrar lookup"))
	}
	engagement, _ := a.cc.Engagement(id)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id":    id,
		"online":     u.Online,
		"available":  u.Available,
		"connected":  a.presence.Bound(id),
		"owner":      owner,
		"engagement": engagement,
	})
}

func (a *AdminAPI) topUp(c echo.Context) error {
	id := c.Param("id")
	var data struct {
		Delta int64 `json:"delta"`
	}
	if err := c.Bind(&data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if data.Delta == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "delta must be non-zero"})
	}

	balance, err := a.users.AdjustBalance(c.Request().Context(), id, data.Delta)
	if err != nil {
		var me *models.Error
		if !errors.As(err, &me) {
			err = models.Wrap(models.CodeStoreUnavailable, err, "adjust balance")
		}
		return errorJSON(c, err)
	}
	_ = a.presence.Send(id, models.EventBalanceUpdated, models.BalanceUpdatedPayload{Balance: balance, Delta: data.Delta})
	return c.JSON(http.StatusOK, map[string]int64{"balance": balance})
}

func (a *AdminAPI) getICEServers(c echo.Context) error {
	servers := a.cfg.ICEServers
	if servers == nil {
		servers = []ICEServer{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"iceServers": servers})
}

// ─── Operations ──────────────────────────────────────────────────────────────
func (a *AdminAPI) getStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"active_sessions": len(a.cc.ActiveSessions()),
		"pending_invites": a.cc.PendingInviteCount(),
		"connections":     a.presence.Count(),
		"system_status":   "operational",
	})
}

func (a *AdminAPI) getConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"coins_per_tick":     a.cfg.CoinsPerTick,
		"tick_interval":      a.cfg.TickInterval.String(),
		"invite_timeout":     a.cfg.InviteTimeout.String(),
		"firewall_threshold": a.cfg.FirewallThreshold,
	})
}

func (a *AdminAPI) getBlacklist(c echo.Context) error {
	return c.JSON(http.StatusOK, a.fw.GetBlacklist())
}

func (a *AdminAPI) unblock(c echo.Context) error {
	a.fw.Unblock(c.Param("ip"))
	return c.NoContent(http.StatusNoContent)
}
