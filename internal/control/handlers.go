package control

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meridian-obs/meridian/internal/event"
	"github.com/meridian-obs/meridian/internal/groupqueue"
	"github.com/meridian-obs/meridian/internal/registry"
)

func (s *Server) handleStatus(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	groups := make(map[string]int, len(groupqueue.States()))
	for _, st := range groupqueue.States() {
		groups[string(st)] = stats[st]
	}

	snap := s.sched.Snapshot()
	schedStatus := gin.H{
		"running": snap.Running,
		"paused":  snap.Paused,
	}
	if snap.Paused && snap.PauseReason != "" {
		schedStatus["pause_reason"] = snap.PauseReason
	}

	ok, reason := s.watch.Status()
	watchStatus := gin.H{"ok": ok}
	if !ok {
		watchStatus["reason"] = reason
	}

	c.JSON(http.StatusOK, gin.H{
		"groups": groups,
		"workers": gin.H{
			"busy": snap.Busy,
			"idle": snap.Idle,
		},
		"uptime_s":  time.Since(s.startedAt).Seconds(),
		"scheduler": schedStatus,
		"watcher":   watchStatus,
	})
}

// --- configuration ---------------------------------------------------------

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.rt.Snapshot().Flat())
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var updates map[string]any
	if err := c.ShouldBindJSON(&updates); err != nil {
		abortWithError(c, APIError{Status: http.StatusBadRequest, Code: "invalid_json", Message: err.Error()})
		return
	}

	applied, deferred, err := s.rt.Apply(updates)
	if err != nil {
		abortWithError(c, APIError{Status: http.StatusBadRequest, Code: "invalid_config", Message: err.Error()})
		return
	}

	if slices.Contains(applied, "log_level") {
		s.log.SetLevel(s.rt.Snapshot().LogLevel)
	}
	if len(applied) > 0 || len(deferred) > 0 {
		s.log.Info("configuration updated", "applied", applied, "deferred", deferred)
		s.bus.Publish(event.NewConfigChangedEvent(applied, deferred))
	}

	if applied == nil {
		applied = []string{}
	}
	if deferred == nil {
		deferred = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied, "deferred": deferred})
}

// --- scheduler -------------------------------------------------------------

func (s *Server) handleSchedulerStart(c *gin.Context) {
	if err := s.sched.Start(); err != nil {
		if toAPIError(err).Code == "already_in_state" {
			c.JSON(http.StatusOK, gin.H{"started": false})
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": true})
}

type graceRequest struct {
	GraceS *int `json:"grace_s"`
}

// grace extracts the optional stop grace from the body.
func (s *Server) grace(c *gin.Context) (time.Duration, bool) {
	var req graceRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, APIError{Status: http.StatusBadRequest, Code: "invalid_json", Message: err.Error()})
			return 0, false
		}
	}
	if req.GraceS == nil {
		return defaultStopGrace, true
	}
	if *req.GraceS < 0 {
		abortWithError(c, APIError{Status: http.StatusBadRequest, Code: "validation", Message: "grace_s must not be negative"})
		return 0, false
	}
	return time.Duration(*req.GraceS) * time.Second, true
}

func (s *Server) handleSchedulerStop(c *gin.Context) {
	grace, ok := s.grace(c)
	if !ok {
		return
	}
	wasRunning := s.sched.Snapshot().Running
	inFlight, err := s.sched.Stop(c.Request.Context(), grace)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": wasRunning, "in_flight": inFlight})
}

func (s *Server) handleSchedulerRestart(c *gin.Context) {
	grace, ok := s.grace(c)
	if !ok {
		return
	}
	if err := s.sched.Restart(c.Request.Context(), grace); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restarted": true})
}

func (s *Server) handleSchedulerPause(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, APIError{Status: http.StatusBadRequest, Code: "invalid_json", Message: err.Error()})
			return
		}
	}
	if err := s.sched.Pause(req.Reason); err != nil {
		if toAPIError(err).Code == "already_in_state" {
			c.JSON(http.StatusOK, gin.H{"paused": false})
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleSchedulerResume(c *gin.Context) {
	if err := s.sched.Resume(); err != nil {
		if toAPIError(err).Code == "already_in_state" {
			c.JSON(http.StatusOK, gin.H{"resumed": false})
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": true})
}

// --- groups ------------------------------------------------------------------

func (s *Server) handleListGroups(c *gin.Context) {
	state := groupqueue.State(c.Query("state"))
	if state != "" && !state.IsValid() {
		abortWithError(c, APIError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_state",
			Message: fmt.Sprintf("unknown group state %q", state),
			Details: gin.H{"known_states": groupqueue.States()},
		})
		return
	}
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		abortWithError(c, err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		abortWithError(c, err)
		return
	}

	groups, err := s.store.ListByState(c.Request.Context(), state, limit, offset)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if groups == nil {
		groups = []groupqueue.Group{}
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups, "count": len(groups)})
}

func (s *Server) handleGetGroup(c *gin.Context) {
	id := c.Param("id")
	g, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	subs, err := s.store.Subbands(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if subs == nil {
		subs = []groupqueue.SubbandFile{}
	}
	c.JSON(http.StatusOK, gin.H{"group": g, "subbands": subs})
}

func (s *Server) handleResetGroup(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.ResetFailed(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_id": id, "state": string(groupqueue.StatePending)})
}

func (s *Server) handleSubmitGroup(c *gin.Context) {
	id := c.Param("id")
	if err := s.sched.SubmitManual(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_id": id, "state": string(groupqueue.StatePending)})
}

// --- products ----------------------------------------------------------------

func (s *Server) handleListProducts(c *gin.Context) {
	f := registry.Filter{
		Status:   registry.Status(c.Query("state")),
		DataType: registry.DataType(c.Query("type")),
		GroupID:  c.Query("group_id"),
	}
	if f.Status != "" && !f.Status.IsValid() {
		abortWithError(c, APIError{Status: http.StatusBadRequest, Code: "invalid_state", Message: fmt.Sprintf("unknown product state %q", f.Status)})
		return
	}
	if f.DataType != "" && !f.DataType.IsValid() {
		abortWithError(c, APIError{Status: http.StatusBadRequest, Code: "invalid_type", Message: fmt.Sprintf("unknown data type %q", f.DataType)})
		return
	}
	var err error
	if f.Limit, err = intQuery(c, "limit", 50); err != nil {
		abortWithError(c, err)
		return
	}
	if f.Offset, err = intQuery(c, "offset", 0); err != nil {
		abortWithError(c, err)
		return
	}

	products, err := s.reg.List(c.Request.Context(), f)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if products == nil {
		products = []registry.Product{}
	}
	c.JSON(http.StatusOK, gin.H{"products": products, "count": len(products)})
}

func (s *Server) handleGetProduct(c *gin.Context) {
	p, err := s.reg.Get(c.Request.Context(), c.Param("data_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handlePublishProduct(c *gin.Context) {
	res, err := s.reg.Publish(c.Request.Context(), c.Param("data_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleFinalizeProduct(c *gin.Context) {
	var req struct {
		QAStatus         string `json:"qa_status"`
		ValidationStatus string `json:"validation_status"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, APIError{Status: http.StatusBadRequest, Code: "invalid_json", Message: err.Error()})
			return
		}
	}
	p, err := s.reg.Finalize(c.Request.Context(), c.Param("data_id"), req.QAStatus, req.ValidationStatus)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// --- publish recovery ----------------------------------------------------------

func (s *Server) handleListFailedPublishes(c *gin.Context) {
	minAttempts, err := intQuery(c, "min_attempts", 0)
	if err != nil {
		abortWithError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		abortWithError(c, err)
		return
	}

	failed, err := s.reg.ListFailed(c.Request.Context(), minAttempts, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if failed == nil {
		failed = []registry.Product{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(failed), "failed_publishes": failed})
}

func (s *Server) handleRetryAllPublishes(c *gin.Context) {
	limit, err := intQuery(c, "limit", 10)
	if err != nil {
		abortWithError(c, err)
		return
	}
	maxAttempts, err := intQuery(c, "max_attempts", 0)
	if err != nil {
		abortWithError(c, err)
		return
	}

	res, err := s.reg.RetryAll(c.Request.Context(), limit, maxAttempts)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- pointing ----------------------------------------------------------------

func (s *Server) handlePointingRange(c *gin.Context) {
	start, err := timeQuery(c, "start", time.Time{})
	if err != nil {
		abortWithError(c, err)
		return
	}
	end, err := timeQuery(c, "end", time.Now().UTC())
	if err != nil {
		abortWithError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 1000)
	if err != nil {
		abortWithError(c, err)
		return
	}

	samples, err := s.store.PointingRange(c.Request.Context(), start, end, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if samples == nil {
		samples = []groupqueue.PointingSample{}
	}
	c.JSON(http.StatusOK, gin.H{"samples": samples, "count": len(samples)})
}

func (s *Server) handleAddPointing(c *gin.Context) {
	var req struct {
		Timestamp time.Time `json:"timestamp"`
		RADeg     float64   `json:"ra_deg"`
		DecDeg    float64   `json:"dec_deg"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, APIError{Status: http.StatusBadRequest, Code: "invalid_json", Message: err.Error()})
		return
	}
	switch {
	case req.Timestamp.IsZero():
		abortWithError(c, APIError{Status: http.StatusBadRequest, Code: "validation", Message: "timestamp is required"})
		return
	case req.RADeg < 0 || req.RADeg >= 360:
		abortWithError(c, APIError{Status: http.StatusBadRequest, Code: "validation", Message: "ra_deg must be in [0, 360)"})
		return
	case req.DecDeg < -90 || req.DecDeg > 90:
		abortWithError(c, APIError{Status: http.StatusBadRequest, Code: "validation", Message: "dec_deg must be in [-90, 90]"})
		return
	}

	sample := groupqueue.PointingSample{TS: req.Timestamp, RADeg: req.RADeg, DecDeg: req.DecDeg}
	if err := s.store.AddPointing(c.Request.Context(), sample); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

// --- query helpers -------------------------------------------------------------

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, APIError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_query",
			Message: fmt.Sprintf("query parameter %s must be a non-negative integer", name),
		}
	}
	return n, nil
}

func timeQuery(c *gin.Context, name string, def time.Time) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, APIError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_query",
			Message: fmt.Sprintf("query parameter %s must be an RFC 3339 timestamp", name),
		}
	}
	return t, nil
}
