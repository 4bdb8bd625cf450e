package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"eventledger/domain"
	"eventledger/policy"
	"eventledger/projection"
	"eventledger/query"
	"eventledger/schema"
)

const appendMaxBodySize = 1 << 20

// Authenticator resolves the caller identity from an Authorization header.
type Authenticator interface {
	ClientIDFromAuthHeader(h string) (string, error)
}

// EventStore is the slice of the event store the handlers use.
type EventStore interface {
	Append(ctx context.Context, events []domain.Event) error
	GetEvents(ctx context.Context, aggregateID string, fromVersion, toVersion *int) ([]domain.Event, error)
	GetEventsByTimeRange(ctx context.Context, eventType string, start, end time.Time, limit int, clientID string) ([]domain.Event, error)
}

// SchemaRegistry is the slice of the registry the handlers use.
type SchemaRegistry interface {
	RegisterSchema(ctx context.Context, name, definition string, mode schema.CompatibilityMode) (schema.Record, error)
	GetSchema(ctx context.Context, name string, version *int) (schema.Record, error)
	CheckCompatibility(ctx context.Context, name, proposedDefinition string) (bool, []string, error)
	ListSchemaVersions(ctx context.Context, name string) ([]schema.Record, error)
}

// ReadModels is the read-side surface the handlers use.
type ReadModels interface {
	Search(ctx context.Context, req query.SearchRequest) (*query.SearchResult, error)
	Get(ctx context.Context, id string) (*projection.Document, error)
	AsOf(ctx context.Context, aggregateID string, asOf time.Time, clientID string) (*projection.Document, error)
}

type deps struct {
	store    EventStore
	registry SchemaRegistry
	reads    ReadModels
	enforcer *policy.Enforcer
	auth     Authenticator
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d deps) {
	e.POST("/api/events", postEvents(d))
	e.GET("/api/aggregates/:id/events", getAggregateEvents(d))
	e.GET("/api/events", getEventsByTimeRange(d))

	e.POST("/api/schemas/:name", postSchema(d))
	e.GET("/api/schemas/:name", getSchema(d))
	e.GET("/api/schemas/:name/versions", listSchemaVersions(d))
	e.POST("/api/schemas/:name/compatibility", checkCompatibility(d))

	e.GET("/api/read-models", searchReadModels(d))
	e.GET("/api/read-models/:id", getReadModel(d))
	e.GET("/api/read-models/:id/asof", getReadModelAsOf(d))

	e.GET("/api/violations", getViolations(d))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

type appendEvent struct {
	Type             string          `json:"type"`
	AggregateID      string          `json:"aggregateId"`
	AggregateVersion int             `json:"aggregateVersion"`
	Payload          map[string]any  `json:"payload"`
	Metadata         domain.Metadata `json:"metadata"`
}

type appendResponse struct {
	EventIDs []string `json:"eventIds"`
}

func postEvents(d deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		clientID, err := d.auth.ClientIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		lr := io.LimitReader(c.Request().Body, appendMaxBodySize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		reqs := make([]appendEvent, 0, 4)
		if err := dec.Decode(&reqs); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if len(reqs) == 0 {
			return c.String(http.StatusBadRequest, "empty batch")
		}

		events := make([]domain.Event, len(reqs))
		ids := make([]string, len(reqs))
		for i, req := range reqs {
			ev := domain.NewEvent(req.Type, req.AggregateID, req.AggregateVersion, req.Payload)
			ev.Metadata = req.Metadata
			ev.Metadata.UserID = clientID
			events[i] = ev
			ids[i] = ev.ID
		}

		if err := d.store.Append(c.Request().Context(), events); err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, appendResponse{EventIDs: ids})
	}
}

func getAggregateEvents(d deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := d.auth.ClientIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		from, err := optionalIntParam(c, "fromVersion")
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		to, err := optionalIntParam(c, "toVersion")
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		events, err := d.store.GetEvents(c.Request().Context(), c.Param("id"), from, to)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, events)
	}
}

func getEventsByTimeRange(d deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		clientID, err := d.auth.ClientIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		eventType := c.QueryParam("type")
		if eventType == "" {
			return c.String(http.StatusBadRequest, "missing type")
		}
		start, err := time.Parse(time.RFC3339, c.QueryParam("start"))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid start")
		}
		end, err := time.Parse(time.RFC3339, c.QueryParam("end"))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid end")
		}
		limit := 0
		if raw := c.QueryParam("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 0 {
				return c.String(http.StatusBadRequest, "invalid limit")
			}
		}

		events, err := d.store.GetEventsByTimeRange(c.Request().Context(), eventType, start, end, limit, clientID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, events)
	}
}

func postSchema(d deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := d.auth.ClientIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		mode := schema.CompatibilityBackward
		if raw := c.QueryParam("compatibility"); raw != "" {
			mode = schema.CompatibilityMode(raw)
		}
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, appendMaxBodySize))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		rec, err := d.registry.RegisterSchema(c.Request().Context(), c.Param("name"), string(body), mode)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, rec)
	}
}

func getSchema(d deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := d.auth.ClientIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		version, err := optionalIntParam(c, "version")
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		rec, err := d.registry.GetSchema(c.Request().Context(), c.Param("name"), version)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, rec)
	}
}

func listSchemaVersions(d deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := d.auth.ClientIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		recs, err := d.registry.ListSchemaVersions(c.Request().Context(), c.Param("name"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, recs)
	}
}

type compatibilityResponse struct {
	Compatible bool     `json:"compatible"`
	Violations []string `json:"violations,omitempty"`
}

func checkCompatibility(d deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := d.auth.ClientIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, appendMaxBodySize))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		compatible, violations, err := d.registry.CheckCompatibility(c.Request().Context(), c.Param("name"), string(body))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, compatibilityResponse{Compatible: compatible, Violations: violations})
	}
}

func searchReadModels(d deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := d.auth.ClientIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		req := query.SearchRequest{
			Query: projection.Query{
				Status:     c.QueryParam("status"),
				Search:     c.QueryParam("search"),
				SortBy:     c.QueryParam("sortBy"),
				Descending: c.QueryParam("order") == "desc",
			},
			FacetField: c.QueryParam("facet"),
		}
		for key, values := range c.QueryParams() {
			if field, ok := strings.CutPrefix(key, "field."); ok && len(values) > 0 {
				if req.Fields == nil {
					req.Fields = map[string]any{}
				}
				req.Fields[field] = values[0]
			}
		}
		var err error
		if req.Limit, err = intQueryParam(c, "limit"); err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		if req.Offset, err = intQueryParam(c, "offset"); err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		res, err := d.reads.Search(c.Request().Context(), req)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

func getReadModel(d deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := d.auth.ClientIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		doc, err := d.reads.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, doc)
	}
}

func getReadModelAsOf(d deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		clientID, err := d.auth.ClientIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		asOf, err := time.Parse(time.RFC3339, c.QueryParam("at"))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid at")
		}

		doc, err := d.reads.AsOf(c.Request().Context(), c.Param("id"), asOf, clientID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, doc)
	}
}

type violationRecord struct {
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Time    time.Time      `json:"time"`
}

func getViolations(d deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := d.auth.ClientIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		violations := d.enforcer.Violations()
		out := make([]violationRecord, len(violations))
		for i, v := range violations {
			out[i] = violationRecord{Message: v.Message, Details: v.Details, Time: v.Time}
		}
		return c.JSON(http.StatusOK, out)
	}
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// writeError maps domain errors to HTTP statuses. Unknowns become a 500
// without leaking internals.
func writeError(c echo.Context, err error) error {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "event validation failed", Details: validationErr.Problems})
	}
	var compatErr *domain.CompatibilityError
	if errors.As(err, &compatErr) {
		return c.JSON(http.StatusConflict, errorResponse{Error: "incompatible schema", Details: compatErr.Violations})
	}
	var violation *policy.Violation
	if errors.As(err, &violation) {
		return c.JSON(http.StatusForbidden, errorResponse{Error: violation.Message})
	}

	switch {
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return c.JSON(http.StatusConflict, errorResponse{Error: "version conflict"})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, domain.ErrRateLimited):
		return c.JSON(http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
	case errors.Is(err, domain.ErrThrottled):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "storage throttled"})
	case errors.Is(err, schema.ErrInvalidDefinition):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	c.Logger().Error(err)
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func optionalIntParam(c echo.Context, name string) (*int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, errors.New("invalid " + name)
	}
	return &n, nil
}

func intQueryParam(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}
