// Package server exposes the check-in state over HTTP for dashboards and
// cron monitoring. It is read-only; runs mutate state through the store, not
// through this surface.
package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaycheck/relaycheck/internal/state"
)

const (
	rootRoutePath          = "/"
	healthRoutePath        = "/healthz"
	stateRoutePath         = "/api/state"
	summaryRoutePath       = "/api/summary"
	resultsRoutePath       = "/api/results"
	healthStatusKey        = "status"
	healthStatusOK         = "ok"
	resultsLimitQueryKey   = "limit"
	defaultResultsLimit    = 100
	errorMessageNoState    = "state unavailable"
	logMessageMissingState = "state store not wired"
	ginModeRelease         = "release"
)

// StateService is the slice of the state store the handlers read.
type StateService interface {
	Snapshot() state.Snapshot
	Summary() state.RunSummary
	Today() string
}

// ResultsService supplies the append-only attempt journal.
type ResultsService interface {
	Records() []state.ResultRecord
}

// RouterConfig configures the HTTP routing for status requests.
type RouterConfig struct {
	State   StateService
	Results ResultsService
	Logger  *zap.Logger
}

// NewRouter constructs a Gin engine with the status and health handlers.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := statusHandler{
		state:   configuration.State,
		results: configuration.Results,
		logger:  logger,
	}

	engine.GET(rootRoutePath, handler.serveSummary)
	engine.GET(healthRoutePath, handler.healthStatus)
	engine.GET(stateRoutePath, handler.serveState)
	engine.GET(summaryRoutePath, handler.serveSummary)
	engine.GET(resultsRoutePath, handler.serveResults)

	return engine, nil
}

type statusHandler struct {
	state   StateService
	results ResultsService
	logger  *zap.Logger
}

// stateDocument is the wire shape of the full state view. Session material
// is deliberately stripped before it leaves the process.
type stateDocument struct {
	CheckinDate string                      `json:"checkinDate"`
	Summary     state.RunSummary            `json:"summary"`
	Sites       map[string]*state.SiteState `json:"sites"`
}

func (handler statusHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}

func (handler statusHandler) serveState(ginContext *gin.Context) {
	if handler.state == nil {
		handler.logger.Error(logMessageMissingState)
		ginContext.String(http.StatusInternalServerError, errorMessageNoState)
		return
	}

	snapshot := handler.state.Snapshot()
	for _, site := range snapshot.Sites {
		for _, account := range site.Accounts {
			account.SessionToken = ""
			account.AuthTokenAlt = ""
		}
	}
	ginContext.JSON(http.StatusOK, stateDocument{
		CheckinDate: handler.state.Today(),
		Summary:     snapshot.Meta.Summary,
		Sites:       snapshot.Sites,
	})
}

func (handler statusHandler) serveSummary(ginContext *gin.Context) {
	if handler.state == nil {
		handler.logger.Error(logMessageMissingState)
		ginContext.String(http.StatusInternalServerError, errorMessageNoState)
		return
	}
	ginContext.JSON(http.StatusOK, handler.state.Summary())
}

func (handler statusHandler) serveResults(ginContext *gin.Context) {
	if handler.results == nil {
		ginContext.JSON(http.StatusOK, []state.ResultRecord{})
		return
	}

	limit := defaultResultsLimit
	if rawLimit := ginContext.Query(resultsLimitQueryKey); rawLimit != "" {
		if parsed, parseErr := strconv.Atoi(rawLimit); parseErr == nil && parsed > 0 {
			limit = parsed
		}
	}

	records := handler.results.Records()
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	ginContext.JSON(http.StatusOK, records)
}
