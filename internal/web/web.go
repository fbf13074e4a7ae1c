// Package web serves fleet state and device erase over HTTP.
package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/juju/errors"
	"github.com/temoto/iotfleet/internal/broker"
	"github.com/temoto/iotfleet/internal/retained"
	"github.com/temoto/iotfleet/internal/topic"
	"github.com/temoto/iotfleet/internal/world"
	"github.com/temoto/iotfleet/log2"
)

const (
	DefaultListen = ":1885"
	DefaultIdle   = 500 * time.Millisecond
)

type Options struct {
	Listen string
	Idle   time.Duration
}

type Server struct {
	log    *log2.Log
	dialer broker.Dialer
	opt    Options
	engine *gin.Engine
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type DevicesResponse struct {
	Devices map[string]world.Device `json:"devices"`
	Count   int                     `json:"count"`
}

type DetailResponse struct {
	Device string       `json:"device"`
	State  world.Device `json:"state"`
}

type EraseResponse struct {
	Message string   `json:"message"`
	Topics  []string `json:"topics"`
}

type HealthResponse struct {
	Status string    `json:"status"`
	Broker string    `json:"broker"`
	Time   time.Time `json:"time"`
}

func New(log *log2.Log, dialer broker.Dialer, opt Options) *Server {
	if opt.Listen == "" {
		opt.Listen = DefaultListen
	}
	if opt.Idle <= 0 {
		opt.Idle = DefaultIdle
	}
	gin.SetMode(gin.ReleaseMode)
	self := &Server{
		log:    log,
		dialer: dialer,
		opt:    opt,
		engine: gin.New(),
	}
	self.engine.Use(gin.Recovery(), self.requestLogger(), cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}))
	self.engine.GET("/health", self.health)
	self.engine.GET("/devices.json", self.devices)
	self.engine.GET("/detail/:device", self.detail)
	self.engine.GET("/erase/:device", self.erase)
	self.engine.POST("/erase/:device", self.erase)
	return self
}

func (self *Server) Handler() http.Handler { return self.engine }

// Run serves until ctx is done, then shuts down gracefully.
// ready is called once listener is bound.
func (self *Server) Run(ctx context.Context, ready func(addr string)) error {
	ln, err := net.Listen("tcp", self.opt.Listen)
	if err != nil {
		return errors.Annotatef(err, "web listen=%s", self.opt.Listen)
	}
	addr := ln.Addr().String()
	self.log.Infof("web listen=%s", addr)
	srv := &http.Server{Handler: self.engine}
	errch := make(chan error, 1)
	go func() { errch <- srv.Serve(ln) }()
	if ready != nil {
		ready(addr)
	}
	select {
	case err = <-errch:
		return errors.Annotatef(err, "web listen=%s", addr)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Trace(srv.Shutdown(sctx))
}

func (self *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := log2.LDebug
		if status >= 500 {
			level = log2.LError
		}
		self.log.Logf(level, "web %s %s status=%d latency=%v", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
	}
}

func (self *Server) health(c *gin.Context) {
	resp := HealthResponse{Status: "healthy", Broker: "connected", Time: time.Now()}
	s, err := self.dialer.Dial(c.Request.Context())
	if err != nil {
		resp.Status, resp.Broker = "degraded", "disconnected"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	_ = s.Close()
	c.JSON(http.StatusOK, resp)
}

func (self *Server) devices(c *gin.Context) {
	w, err := world.SnapshotOnce(c.Request.Context(), self.log, self.dialer, topic.Filter(""), self.opt.Idle)
	if err != nil {
		self.fail(c, err)
		return
	}
	resp := DevicesResponse{Devices: make(map[string]world.Device)}
	for _, id := range w.Devices() {
		resp.Devices[id], _ = w.Device(id)
	}
	resp.Count = len(resp.Devices)
	c.JSON(http.StatusOK, resp)
}

func (self *Server) detail(c *gin.Context) {
	id := c.Param("device")
	if !topic.ValidDevice(id) || topic.IsReserved(id) {
		self.fail(c, errors.NotValidf("device=%q", id))
		return
	}
	w, err := world.SnapshotOnce(c.Request.Context(), self.log, self.dialer, topic.Filter(id), self.opt.Idle)
	if err != nil {
		self.fail(c, err)
		return
	}
	d, ok := w.Device(id)
	if !ok {
		self.fail(c, errors.NotFoundf("device=%s", id))
		return
	}
	c.JSON(http.StatusOK, DetailResponse{Device: id, State: d})
}

func (self *Server) erase(c *gin.Context) {
	id := c.Param("device")
	topics, err := retained.EraseDevice(c.Request.Context(), self.log, self.dialer, id, self.opt.Idle)
	if err != nil {
		self.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, EraseResponse{Message: "Device " + id + " erased", Topics: topics})
}

func (self *Server) fail(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.IsNotFound(err):
		status, code = http.StatusNotFound, "not_found"
	case errors.IsNotValid(err):
		status, code = http.StatusBadRequest, "invalid"
	case broker.IsUnavailable(err), broker.IsConnectionLost(err):
		status, code = http.StatusServiceUnavailable, "broker"
	}
	if status >= 500 {
		self.log.Error(errors.ErrorStack(err))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: code, Message: err.Error()})
}
