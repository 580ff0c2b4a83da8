package api

import (
	"bytes"
	"encoding/base64"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"

	"tracecollect/models"
	"tracecollect/service"
)

// GetDevices lists connected devices, unauthorized ones included.
func (s *Server) GetDevices(c *gin.Context) {
	devices, err := s.adb.Devices(c.Request.Context())
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	if devices == nil {
		devices = []models.DeviceInfo{}
	}
	c.JSON(http.StatusOK, devices)
}

// GetStatus reports whether one capture is still live, resetting its
// keep-alive clock. The body is the literal "True" or "False" the polling
// client string-matches on.
func (s *Server) GetStatus(c *gin.Context) {
	alive, err := s.runner.Status(c.Param("serial"), c.Param("target"))
	if err != nil {
		c.String(http.StatusBadRequest, "Bad request!\nThis is the tracecollect ADB proxy.\n\n"+err.Error())
		return
	}
	if alive {
		c.String(http.StatusOK, "True")
	} else {
		c.String(http.StatusOK, "False")
	}
}

// FetchFile returns one device file, gzipped and base64-encoded, keyed by
// its device path. A missing file yields an empty map rather than an
// error: the client treats it as nothing to fetch.
func (s *Server) FetchFile(c *gin.Context) {
	serial := c.Param("serial")
	devicePath := "/" + strings.TrimPrefix(c.Param("path"), "/")

	payload := map[string]string{}
	data, err := s.adb.ExecOut(c.Request.Context(), serial, "su", "root", "cat", devicePath)
	if err != nil {
		log.Printf("⚠️ Unable to fetch %s from %s: %v", devicePath, serial, err)
		c.JSON(http.StatusOK, payload)
		return
	}

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	zw.Write(data)
	zw.Close()
	payload[devicePath] = base64.StdEncoding.EncodeToString(compressed.Bytes())
	c.JSON(http.StatusOK, payload)
}

type runCommandRequest struct {
	Cmd string `json:"cmd" binding:"required"`
}

// RunADBCommand executes one adb command against the device and returns
// its output as a JSON string. The command is split on single spaces only:
// multi-line heredoc config commands depend on their newlines reaching the
// remote shell intact.
func (s *Server) RunADBCommand(c *gin.Context) {
	var req runCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "Bad request!\nThis is the tracecollect ADB proxy.\n\n"+err.Error())
		return
	}
	out, err := s.adb.Call(c.Request.Context(), c.Param("serial"), strings.Split(req.Cmd, " ")...)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, out)
}

type startTraceRequest struct {
	TargetID string `json:"targetId" binding:"required"`
	StartCmd string `json:"startCmd"`
	StopCmd  string `json:"stopCmd"`
}

// StartTrace launches the capture shell for one target.
func (s *Server) StartTrace(c *gin.Context) {
	var req startTraceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "Bad request!\nThis is the tracecollect ADB proxy.\n\n"+err.Error())
		return
	}
	if err := s.runner.Start(c.Param("serial"), req.TargetID, req.StartCmd, req.StopCmd); err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.String(http.StatusOK, "")
}

type endTraceRequest struct {
	TargetID string `json:"targetId" binding:"required"`
}

// EndTrace stops one capture and returns the user-facing error strings it
// produced, an empty list on a clean stop.
func (s *Server) EndTrace(c *gin.Context) {
	var req endTraceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "Bad request!\nThis is the tracecollect ADB proxy.\n\n"+err.Error())
		return
	}
	deviceErrors, err := s.runner.End(c.Param("serial"), req.TargetID)
	if err == service.ErrNoTrace {
		c.String(http.StatusBadRequest, "Bad request!\nThis is the tracecollect ADB proxy.\n\nNo trace in progress for "+c.Param("serial"))
		return
	}
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	if deviceErrors == nil {
		deviceErrors = []string{}
	}
	c.JSON(http.StatusOK, deviceErrors)
}

// GetHistory returns the most recent captures for one device.
func (s *Server) GetHistory(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, models.SuccessResponse([]service.CaptureRecord{}))
		return
	}
	records, err := s.store.History(c.Param("serial"), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	if records == nil {
		records = []service.CaptureRecord{}
	}
	c.JSON(http.StatusOK, models.SuccessResponse(records))
}
