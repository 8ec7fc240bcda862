// Package server exposes the session coordinator over a local HTTP API for
// caretaker dashboards: REST endpoints for commands and state, and a
// websocket feed pushing live readings and connection-state changes.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/hydrosense/bottlelink/internal/session"
)

// Server wraps the coordinator with an HTTP/websocket surface.
type Server struct {
	coord *session.Coordinator
	log   *session.ConsumptionLog // may be nil
	http  *http.Server
}

// New builds the server. consumptionLog may be nil when no in-process
// accounting is attached.
func New(coord *session.Coordinator, consumptionLog *session.ConsumptionLog, addr string) *Server {
	s := &Server{coord: coord, log: consumptionLog}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/status", s.getStatus)
	router.GET("/devices", s.getDevices)
	router.GET("/calibration", s.getCalibration)
	router.GET("/consumption", s.getConsumption)
	router.POST("/scan", s.postScan)
	router.POST("/scan/stop", s.postStopScan)
	router.POST("/connect", s.postConnect)
	router.POST("/disconnect", s.postDisconnect)
	router.POST("/subject", s.postSubject)
	router.POST("/calibration/begin", s.postCalibrationBegin)
	router.POST("/calibration/complete", s.postCalibrationComplete)
	router.POST("/sleep", s.postSleep)
	router.POST("/wake", s.postWake)
	router.GET("/ws", s.handleWebsocket)

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// Run serves until the listener fails or Close is called.
func (s *Server) Run() error {
	logrus.Infof("server: dashboard API on http://%s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the HTTP server down, waiting briefly for in-flight requests.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

type statusResponse struct {
	State           string `json:"state"`
	PeripheralID    string `json:"peripheralId,omitempty"`
	FaultKind       string `json:"faultKind,omitempty"`
	FaultMsg        string `json:"faultMsg,omitempty"`
	ActiveSubject   string `json:"activeSubject,omitempty"`
	Calibrated      bool   `json:"calibrated"`
	DroppedPayloads uint64 `json:"droppedPayloads"`
}

func (s *Server) getStatus(c *gin.Context) {
	st := s.coord.State()
	resp := statusResponse{
		State:           st.Kind.String(),
		ActiveSubject:   s.coord.ActiveSubject(),
		Calibrated:      s.coord.Calibration().Complete,
		DroppedPayloads: s.coord.DroppedPayloads(),
	}
	if st.Peripheral != nil {
		resp.PeripheralID = st.Peripheral.ID
	}
	if st.Kind == session.StateFaulted {
		resp.FaultKind = st.FaultKind.String()
		resp.FaultMsg = st.FaultMsg
	}
	c.IndentedJSON(http.StatusOK, resp)
}

func (s *Server) getDevices(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.coord.Devices())
}

func (s *Server) getCalibration(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.coord.Calibration())
}

func (s *Server) getConsumption(c *gin.Context) {
	if s.log == nil {
		c.IndentedJSON(http.StatusOK, []session.ConsumptionEvent{})
		return
	}
	c.IndentedJSON(http.StatusOK, s.log.Recent(100))
}

func (s *Server) postScan(c *gin.Context) {
	if err := s.coord.StartScan(); err != nil {
		c.IndentedJSON(http.StatusConflict, err.Error())
		return
	}
	c.IndentedJSON(http.StatusAccepted, "scanning")
}

func (s *Server) postStopScan(c *gin.Context) {
	s.coord.StopScan()
	c.IndentedJSON(http.StatusOK, "ok")
}

func (s *Server) postConnect(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.BindJSON(&req); err != nil || req.ID == "" {
		c.IndentedJSON(http.StatusBadRequest, "id is required")
		return
	}
	if err := s.coord.Connect(req.ID); err != nil {
		c.IndentedJSON(http.StatusBadGateway, err.Error())
		return
	}
	c.IndentedJSON(http.StatusOK, "connected")
}

func (s *Server) postDisconnect(c *gin.Context) {
	s.coord.Disconnect()
	c.IndentedJSON(http.StatusOK, "ok")
}

func (s *Server) postSubject(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		return
	}
	if err := s.coord.SetActiveSubject(req.ID); err != nil {
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		return
	}
	logrus.Infof("server: active subject set to %q", req.ID)
	c.IndentedJSON(http.StatusOK, "ok")
}

func (s *Server) postSleep(c *gin.Context) {
	var req struct {
		DurationMinutes uint32 `json:"durationMinutes"`
	}
	if err := c.BindJSON(&req); err != nil || req.DurationMinutes == 0 {
		c.IndentedJSON(http.StatusBadRequest, "durationMinutes is required")
		return
	}
	if err := s.coord.EnterSleep(req.DurationMinutes); err != nil {
		c.IndentedJSON(http.StatusBadGateway, err.Error())
		return
	}
	c.IndentedJSON(http.StatusAccepted, "sleeping")
}

func (s *Server) postWake(c *gin.Context) {
	if err := s.coord.Wake(); err != nil {
		c.IndentedJSON(http.StatusBadGateway, err.Error())
		return
	}
	c.IndentedJSON(http.StatusOK, "ok")
}
