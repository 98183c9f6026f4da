// Package httpapi exposes the operator surface: zone inspection,
// manual play/stop, schedule status and the audio file static mount.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"bilal/internal/playback"
	"bilal/internal/scheduler"
	"bilal/internal/sonos"
	"bilal/internal/storage"
)

type Config struct {
	Addr        string   // default ":5000"
	CORSOrigins []string // empty means allow all
	AudioDir    string
	DefaultFile string
}

type Server struct {
	cfg   Config
	ctrl  sonos.Controller
	orc   *playback.Orchestrator
	store *storage.Store

	// sched is nil on non-leader processes; scheduling endpoints then
	// answer 409 instead of mutating a store they do not own.
	sched *scheduler.Service

	zone *time.Location
	log  zerolog.Logger

	router *gin.Engine
	srv    *http.Server
}

func New(cfg Config, ctrl sonos.Controller, orc *playback.Orchestrator, store *storage.Store, sched *scheduler.Service, zone *time.Location, log zerolog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":5000"
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		ctrl:   ctrl,
		orc:    orc,
		store:  store,
		sched:  sched,
		zone:   zone,
		log:    log,
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	corsConfig := cors.DefaultConfig()
	if len(s.cfg.CORSOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.cfg.CORSOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type"}
	s.router.Use(cors.New(corsConfig))
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/health", s.handleHealth)
	s.router.GET("/api/zones", s.handleZones)
	s.router.GET("/api/prepare", s.handlePrepare)
	s.router.POST("/api/play", s.handlePlay)
	s.router.POST("/api/stop", s.handleStop)

	s.router.GET("/api/scheduler/jobs", s.handleJobs)
	s.router.GET("/api/scheduler/played", s.handlePlayed)
	s.router.POST("/api/scheduler/force-schedule", s.handleForceSchedule)

	if s.cfg.AudioDir != "" {
		s.router.Static("/audio", s.cfg.AudioDir)
	}
}

// Start begins serving and returns immediately; listen errors after
// startup are logged, not returned.
func (s *Server) Start(context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server exited")
		}
	}()
	s.log.Info().Str("addr", s.cfg.Addr).Msg("http api listening")
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown")
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"leader": s.sched != nil,
		"busy":   s.orc.Busy(),
	})
}

type zoneView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Coordinator bool   `json:"coordinator"`
	Volume      int    `json:"volume,omitempty"`
	State       string `json:"state,omitempty"`
	URI         string `json:"uri,omitempty"`
}

func (s *Server) handleZones(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	devices, err := s.ctrl.Discover(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	zones := make([]zoneView, 0, len(devices))
	for _, d := range devices {
		z := zoneView{ID: d.ID(), Name: d.Name(), Coordinator: d.IsCoordinator()}
		if v, err := d.Volume(ctx); err == nil {
			z.Volume = v
		}
		if tr, err := d.Transport(ctx); err == nil {
			z.State = string(tr.State)
			z.URI = tr.URI
		}
		zones = append(zones, z)
	}
	c.JSON(http.StatusOK, gin.H{"zones": zones})
}

type playRequest struct {
	Event string `json:"event"`
	File  string `json:"file"`
	Force bool   `json:"force"`
}

func (s *Server) handlePlay(c *gin.Context) {
	// An empty body is a valid "play the default file" request.
	var req playRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.File == "" {
		req.File = s.cfg.DefaultFile
	}

	res := s.orc.Trigger(c.Request.Context(), playback.Request{
		Event: req.Event,
		File:  req.File,
		Force: req.Force,
	})
	c.JSON(statusCode(res.Status), gin.H{
		"status":  string(res.Status),
		"reason":  res.Reason,
		"session": res.SessionID,
	})
}

func statusCode(st playback.Status) int {
	switch st {
	case playback.StatusStarted, playback.StatusSkipped:
		return http.StatusOK
	case playback.StatusRejected:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handlePrepare(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Minute)
	defer cancel()

	coordinator, err := s.orc.Prepare(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"coordinator": coordinator})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.orc.StopAll(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

type jobView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Day       string    `json:"day,omitempty"`
	Event     string    `json:"event,omitempty"`
	TriggerAt time.Time `json:"trigger_at"`
}

func (s *Server) handleJobs(c *gin.Context) {
	jobs, err := s.store.ListJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{
			ID:        j.ID,
			Kind:      string(j.Kind),
			Day:       j.Day,
			Event:     j.Event,
			TriggerAt: j.TriggerAt.In(s.zone),
		})
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

func (s *Server) handlePlayed(c *gin.Context) {
	days := 7
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be 1..365"})
			return
		}
		days = n
	}
	markers, err := s.store.ListPlayed(c.Request.Context(), days, s.zone)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if markers == nil {
		markers = []storage.PlayedMarker{}
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "played": markers})
}

func (s *Server) handleForceSchedule(c *gin.Context) {
	if s.sched == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "this process is not the scheduling leader"})
		return
	}
	today := time.Now().In(s.zone)
	installed, err := s.sched.ScheduleForDate(c.Request.Context(), today)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if n, err := s.sched.ScheduleForDate(c.Request.Context(), today.AddDate(0, 0, 1)); err == nil {
		installed += n
	}
	c.JSON(http.StatusOK, gin.H{"installed": installed})
}
