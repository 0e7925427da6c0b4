package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-pipeline/board"
	"prism-pipeline/domain"
	"prism-pipeline/move"
	"prism-pipeline/store"
	"prism-pipeline/view"
)

const maxRequestBody = 64 << 10

// BoardService is the part of a board the HTTP surface drives.
type BoardService interface {
	View() view.View
	Move(ctx context.Context, itemID, column string) (move.Outcome, error)
	Create(ctx context.Context, column string, payload []byte) (move.Outcome, error)
	OnChange(l store.Listener) func()
}

type moveRequest struct {
	ItemID string `json:"itemId"`
	Column string `json:"column"`
}

type createRequest struct {
	Column  string          `json:"column"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outcomeResponse struct {
	Result string               `json:"result"`
	Item   *domain.WorkflowItem `json:"item,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// Register wires up all routes and returns a func that detaches the stream feed from the board.
func Register(e *echo.Echo, b BoardService, auth Authenticator, logger *log.Logger) func() {
	if logger == nil {
		logger = log.StandardLogger()
	}
	feed := newBoardFeed(b)
	detach := b.OnChange(feed.apply)

	e.GET("/api/board", getBoard(b, auth, logger))
	e.POST("/api/moves", postMove(b, auth, logger))
	e.POST("/api/items", postItem(b, auth, logger))
	e.GET("/stream", streamBoard(auth, feed))
	e.GET("/healthz", healthz())
	return detach
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func authenticate(c echo.Context, auth Authenticator, m *requestMetrics) (string, error) {
	start := time.Now()
	userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	m.ObserveAuth(time.Since(start))
	if err != nil {
		m.Fail("auth", err)
		return "", err
	}
	m.SetUser(userID)
	return userID, nil
}

func getBoard(b BoardService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/board")
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, authErr := authenticate(c, auth, metrics); authErr != nil {
			return c.String(http.StatusUnauthorized, authErr.Error())
		}
		return c.JSON(http.StatusOK, b.View())
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxRequestBody)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func postMove(b BoardService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/moves")
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, authErr := authenticate(c, auth, metrics); authErr != nil {
			return c.String(http.StatusUnauthorized, authErr.Error())
		}
		var req moveRequest
		if decErr := decodeBody(c, &req); decErr != nil {
			metrics.Fail("decode", decErr)
			return c.String(http.StatusBadRequest, "invalid body")
		}
		req.ItemID = strings.TrimSpace(req.ItemID)
		req.Column = strings.TrimSpace(req.Column)
		if req.ItemID == "" || req.Column == "" {
			metrics.SetErrorStage("validate")
			return c.String(http.StatusBadRequest, "itemId and column are required")
		}
		metrics.SetItem(req.ItemID)
		metrics.SetColumn(req.Column)

		out, moveErr := b.Move(ctx, req.ItemID, req.Column)
		metrics.SetResult(string(out.Result))
		if moveErr != nil {
			metrics.Fail("move", moveErr)
			return c.JSON(statusForError(moveErr), errorResponse(out, moveErr))
		}
		item := out.Item
		return c.JSON(http.StatusOK, outcomeResponse{Result: string(out.Result), Item: &item})
	}
}

func postItem(b BoardService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/items")
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, authErr := authenticate(c, auth, metrics); authErr != nil {
			return c.String(http.StatusUnauthorized, authErr.Error())
		}
		var req createRequest
		if decErr := decodeBody(c, &req); decErr != nil {
			metrics.Fail("decode", decErr)
			return c.String(http.StatusBadRequest, "invalid body")
		}
		req.Column = strings.TrimSpace(req.Column)
		if req.Column == "" {
			metrics.SetErrorStage("validate")
			return c.String(http.StatusBadRequest, "column is required")
		}
		metrics.SetColumn(req.Column)

		out, createErr := b.Create(ctx, req.Column, req.Payload)
		metrics.SetResult(string(out.Result))
		if createErr != nil {
			metrics.Fail("create", createErr)
			return c.JSON(statusForError(createErr), errorResponse(out, createErr))
		}
		metrics.SetItem(out.Item.ID)
		item := out.Item
		return c.JSON(http.StatusCreated, outcomeResponse{Result: string(out.Result), Item: &item})
	}
}

func errorResponse(out move.Outcome, err error) outcomeResponse {
	resp := outcomeResponse{Result: string(out.Result), Error: err.Error()}
	if out.Item.ID != "" {
		item := out.Item
		resp.Item = &item
	}
	return resp
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownItem), errors.Is(err, domain.ErrUnknownColumn):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrColumnFull):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAlreadyPending), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrFatal):
		return http.StatusBadGateway
	case errors.Is(err, board.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
