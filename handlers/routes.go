package handlers

import (
	"context"
	"database/sql"
	"net/http"

	"campaign-mailer/config"
	"campaign-mailer/database"
	"campaign-mailer/logger"
	"campaign-mailer/services"

	"github.com/gorilla/mux"
)

// DispatchStarter launches dispatch runs in the background.
type DispatchStarter interface {
	Start(req services.DispatchRequest) string
}

// Aborter stops running dispatches.
type Aborter interface {
	RequestAbort(templateID int64) int
}

// TemplateManager is the template API backend.
type TemplateManager interface {
	Create(ctx context.Context, in services.CreateTemplateInput) (*database.Template, error)
	Get(ctx context.Context, id int64) (*database.Template, error)
	List(ctx context.Context, status string, limit, offset uint64) ([]*database.Template, error)
	Delete(ctx context.Context, id int64) error
	SendTest(ctx context.Context, id int64, to string, audienceID int64) error
}

// StatisticsReader reads the event sets of a template.
type StatisticsReader interface {
	Statistics(ctx context.Context, templateID int64) (*database.Statistics, error)
}

// NotificationHandler consumes SNS posts.
type NotificationHandler interface {
	Handle(ctx context.Context, body []byte) (string, error)
}

// Unsubscriber resolves unsubscribe links.
type Unsubscriber interface {
	Unsubscribe(ctx context.Context, id string) (*services.UnsubscribeToken, error)
}

// DispatchLogLister lists page outcomes.
type DispatchLogLister interface {
	ListDispatchLogs(ctx context.Context, f database.DispatchLogFilter) ([]database.DispatchLog, error)
}

// Deps are the collaborators the HTTP layer is built from.
type Deps struct {
	Config        *config.Config
	DB            *sql.DB
	Logger        logger.Logger
	Dispatcher    DispatchStarter
	Aborts        Aborter
	Progress      *services.ProgressReporter
	Templates     TemplateManager
	Statistics    StatisticsReader
	Notifications NotificationHandler
	Unsubscribe   Unsubscriber
	Logs          DispatchLogLister
}

// Route is one entry of the routing table. Public routes skip
// authentication.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
	Public  bool
}

// Routes declares every endpoint of the service.
func Routes(d Deps) []Route {
	return []Route{
		{Method: http.MethodGet, Path: "/health", Handler: HealthHandler(), Public: true},

		{Method: http.MethodPost, Path: "/users/send", Handler: SendHandler(d)},
		{Method: http.MethodPost, Path: "/users/abort", Handler: AbortHandler(d.Aborts)},
		{Method: http.MethodGet, Path: "/users/stream", Handler: StreamHandler(d.Progress)},

		{Method: http.MethodPost, Path: "/templates", Handler: CreateTemplateHandler(d.Templates, d.Logger)},
		{Method: http.MethodGet, Path: "/templates", Handler: ListTemplatesHandler(d.Templates, d.Logger)},
		{Method: http.MethodDelete, Path: "/templates/{id}", Handler: DeleteTemplateHandler(d.Templates)},
		{Method: http.MethodPost, Path: "/templates/{id}/test", Handler: TestTemplateHandler(d.Templates, d.Logger)},

		{Method: http.MethodPost, Path: "/emails/notifications", Handler: NotificationsHandler(d.Notifications, d.Logger), Public: true},
		{Method: http.MethodGet, Path: "/emails/statistics/{templateId}", Handler: StatisticsHandler(d.Statistics)},
		{Method: http.MethodGet, Path: "/unsubscribe", Handler: UnsubscribeHandler(d.Unsubscribe), Public: true},

		{Method: http.MethodGet, Path: "/dispatch/logs", Handler: GetLogsHandler(d.Logs, d.Config.ReportTimezone, d.Logger)},
		{Method: http.MethodGet, Path: "/dispatch/limit", Handler: GetDailyLimitHandler(d.DB, d.Config, d.Logger)},
		{Method: http.MethodGet, Path: "/dispatch/stats", Handler: GetDispatchStatsHandler(d.DB, d.Config.ReportTimezone, d.Logger)},
		{Method: http.MethodGet, Path: "/dispatch/daily", Handler: GetDailySendsHandler(d.DB, d.Config.ReportTimezone, d.Logger)},
	}
}

// Register mounts the routing table on r. Non-public routes require a JWT
// when a signing key is configured.
func Register(r *mux.Router, d Deps) {
	var auth func(http.Handler) http.Handler
	if d.Config.JWTKey != "" {
		auth = RequireJWT(d.Config.JWTKey)
	}
	for _, route := range Routes(d) {
		var h http.Handler = route.Handler
		if !route.Public && auth != nil {
			h = auth(h)
		}
		r.Handle(route.Path, h).Methods(route.Method)
	}
}

// HealthHandler reports liveness.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		successResponse(w, "OK", nil)
	}
}
