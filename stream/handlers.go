package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"eventledger/projection"
)

// Authenticator resolves the caller identity from an Authorization header.
type Authenticator interface {
	ClientIDFromAuthHeader(string) (string, error)
}

// Register wires up stream endpoints on the given Echo instance.
func Register(e *echo.Echo, docs projection.DocumentStore, auth Authenticator, b *broker) {
	e.GET("/stream/:id", streamReadModel(docs, auth, b))
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
}

// streamReadModel pushes the current state of one read model on connect and
// again each time the updater reports a change.
func streamReadModel(docs projection.DocumentStore, auth Authenticator, b *broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		if _, err := auth.ClientIDFromAuthHeader(authHeader); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		aggregateID := c.Param("id")

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		ch := b.subscribe(aggregateID)
		defer b.unsubscribe(ch)
		for {
			if err := writeSnapshot(ctx, c, docs, aggregateID); err != nil {
				c.Logger().Error(err)
				return err
			}
			flusher.Flush()
			select {
			case <-ctx.Done():
				return nil
			case <-ch:
				continue
			}
		}
	}
}

func writeSnapshot(ctx context.Context, c echo.Context, docs projection.DocumentStore, aggregateID string) error {
	doc, err := docs.Get(ctx, aggregateID)
	if err != nil {
		return err
	}
	data := []byte("null")
	if doc != nil {
		if data, err = json.Marshal(doc); err != nil {
			return err
		}
	}
	if _, err := c.Response().Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := c.Response().Write(data); err != nil {
		return err
	}
	_, err = c.Response().Write([]byte("\n\n"))
	return err
}
