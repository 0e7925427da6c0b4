package api

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"prism-pipeline/store"
)

const sseDataPrefix = "data: "

// snapshotEvent names the frame a stream receives before any change has happened.
const snapshotEvent = "snapshot"

// boardFeed turns store changes into SSE frames for one board. Changes only bump the
// revision; the view is projected and encoded lazily, once per revision, no matter how
// many streams are attached.
type boardFeed struct {
	b BoardService

	mu      sync.Mutex
	rev     uint64
	kind    string
	frame   []byte
	stale   bool
	changed chan struct{}
}

func newBoardFeed(b BoardService) *boardFeed {
	return &boardFeed{b: b, kind: snapshotEvent, stale: true, changed: make(chan struct{})}
}

// apply is the store listener. It never renders: listeners run on the writer's goroutine.
func (f *boardFeed) apply(c store.Change) {
	f.mu.Lock()
	f.rev++
	f.kind = string(c.Kind)
	f.stale = true
	close(f.changed)
	f.changed = make(chan struct{})
	f.mu.Unlock()
}

// current returns the frame for the latest revision and a channel closed once a newer
// one exists.
func (f *boardFeed) current() ([]byte, uint64, <-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stale {
		data, err := sonic.Marshal(f.b.View())
		if err != nil {
			return nil, 0, nil, err
		}
		f.frame = encodeFrame(f.rev, f.kind, data)
		f.stale = false
	}
	return f.frame, f.rev, f.changed, nil
}

func encodeFrame(rev uint64, event string, data []byte) []byte {
	buf := make([]byte, 0, len(data)+len(event)+len(sseDataPrefix)+32)
	buf = append(buf, "id: "...)
	buf = strconv.AppendUint(buf, rev, 10)
	buf = append(buf, "\nevent: "...)
	buf = append(buf, event...)
	buf = append(buf, '\n')
	buf = append(buf, sseDataPrefix...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	return buf
}

// streamBoard pushes the projected board on connect and after every change. A slow
// client skips intermediate revisions and only sees the newest. Browsers cannot set
// headers on EventSource, so the token may also come as a query parameter.
func streamBoard(auth Authenticator, feed *boardFeed) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		if _, err := auth.UserIDFromAuthHeader(authHeader); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		ctx := c.Request().Context()
		for {
			frame, _, changed, err := feed.current()
			if err != nil {
				c.Logger().Error(err)
				return err
			}
			if _, err := c.Response().Write(frame); err != nil {
				return nil
			}
			flusher.Flush()
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
			}
		}
	}
}
