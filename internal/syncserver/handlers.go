package syncserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/fieldmark/farmsync/internal/remote"
)

// pushBody is the bound push request.
type pushBody struct {
	Changes      remote.ChangeSet `json:"changes" binding:"required"`
	LastPulledAt *string          `json:"lastPulledAt"`
}

func errorResponse(msg string) remote.Response {
	return remote.Response{Success: false, Error: msg}
}

func formatBindingError(err error) string {
	if errors.Is(err, io.EOF) {
		return "request body is empty"
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Sprintf("invalid JSON at byte offset %d", syntaxErr.Offset)
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("field '%s' should be of type %s", typeErr.Field, typeErr.Type.String())
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return fmt.Sprintf("field '%s' failed validation for '%s'", ve[0].Field(), ve[0].Tag())
	}
	return err.Error()
}

func parseWatermark(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	t, err := remote.ParseTime(*raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Server) pullHandler(c *gin.Context) {
	s.countRequest()

	var raw *string
	if v, ok := c.GetQuery("lastSyncAt"); ok {
		raw = &v
	}
	since, err := parseWatermark(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("lastSyncAt must be an ISO8601 timestamp"))
		return
	}

	d := s.dataset(tenantFrom(c))
	d.mu.Lock()
	changes := d.changesSince(since)
	ts := s.now()
	d.mu.Unlock()

	c.JSON(http.StatusOK, remote.PullResponse{
		Success: true,
		Data: remote.PullData{
			Changes:   changes,
			Timestamp: remote.FormatTime(ts),
		},
	})
}

func (s *Server) pushHandler(c *gin.Context) {
	s.countRequest()

	var body pushBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(formatBindingError(err)))
		return
	}
	lastPulledAt, err := parseWatermark(body.LastPulledAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("lastPulledAt must be an ISO8601 timestamp"))
		return
	}

	tenant := tenantFrom(c)
	d := s.dataset(tenant)
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.staleConflict(body.Changes, lastPulledAt); err != nil {
		s.logger.Printf("[syncserver] %s: rejected stale push: %v", tenant, err)
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
		return
	}

	accepted, ignored := d.apply(body.Changes, s.now)
	s.logger.Printf("[syncserver] %s: push accepted %d, ignored %d", tenant, accepted, ignored)
	c.JSON(http.StatusOK, remote.Response{Success: true})
}
