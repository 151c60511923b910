package main

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"settingsync/codec"
	"settingsync/config"
	"settingsync/coordinator"
	"settingsync/state"
	"settingsync/stats_collector"
)

const maxMessageSize = 1 << 20

// InboundMessage is the envelope every caller intent arrives in.
type InboundMessage struct {
	Type    string       `json:"type"`
	Patch   *state.Patch `json:"patch,omitempty"`
	Key     string       `json:"key,omitempty"`
	Channel string       `json:"channel,omitempty"`
}

type MessageResponse struct {
	Ok        bool                     `json:"ok"`
	Error     string                   `json:"error,omitempty"`
	State     *state.State             `json:"state,omitempty"`
	Stats     *state.Stats             `json:"stats,omitempty"`
	Whitelist *[]string                `json:"whitelist,omitempty"`
	Usage     *int                     `json:"usage,omitempty"`
	Quota     *int                     `json:"quota,omitempty"`
	Metrics   *stats_collector.Metrics `json:"metrics,omitempty"`
}

var errUnknownMessage = errors.New("unknown message type")

func setupRoutes(r *gin.Engine) {
	r.GET("/health", GetHealth)

	apiGroup := r.Group("/api", AuthRequired())
	apiGroup.POST("/message", PostMessage)

	apiGroup.GET("/state", intentRoute("GET_STATE"))
	apiGroup.POST("/state", PostState)
	apiGroup.GET("/stats", intentRoute("GET_STATS"))
	apiGroup.POST("/stats/:key", func(c *gin.Context) {
		dispatch(c, InboundMessage{Type: "INCR_STAT", Key: c.Param("key")}, nil)
	})
	apiGroup.DELETE("/stats", intentRoute("CLEAR_STATS"))
	apiGroup.GET("/whitelist", intentRoute("GET_WHITELIST"))
	apiGroup.PUT("/whitelist/:channel", func(c *gin.Context) {
		dispatch(c, InboundMessage{Type: "ADD_TO_WHITELIST", Channel: c.Param("channel")}, nil)
	})
	apiGroup.DELETE("/whitelist/:channel", func(c *gin.Context) {
		dispatch(c, InboundMessage{Type: "REMOVE_FROM_WHITELIST", Channel: c.Param("channel")}, nil)
	})
	apiGroup.DELETE("/whitelist", intentRoute("CLEAR_WHITELIST"))
	apiGroup.GET("/storage-usage", intentRoute("GET_STORAGE_USAGE"))

	debugGroup := apiGroup.Group("/debug")
	debugGroup.GET("/metrics", intentRoute("_DEBUG_GET_METRICS"))
	debugGroup.POST("/reset-metrics", intentRoute("_DEBUG_RESET_METRICS"))
	debugGroup.POST("/flush", intentRoute("_DEBUG_FLUSH"))
}

func AuthRequired() gin.HandlerFunc {
	return func(context *gin.Context) {
		if config.Config.ApiSecret != "" {
			authHeader := context.Request.Header.Get("X-Settingsync-Secret")
			if authHeader != config.Config.ApiSecret {
				log.Errorf("Incorrect authorisation received (%s)", authHeader)
				context.String(http.StatusUnauthorized, "Unauthorised")
				context.Abort()
				return
			}
		}
		context.Next()
	}
}

func GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func PostMessage(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMessageSize))
	if err != nil {
		log.Warnf("POST /api/message Error during HTTP receive %v", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	var msg InboundMessage
	if err := codec.JSONUnmarshal(body, &msg); err != nil {
		log.Warnf("POST /api/message Error decoding message %v", err)
		c.JSON(http.StatusBadRequest, MessageResponse{Error: err.Error()})
		return
	}

	var raw map[string]any
	if msg.Type == "NOTIFY_CONTENT_SCRIPT" {
		_ = codec.JSONUnmarshal(body, &raw)
	}
	dispatch(c, msg, raw)
}

func PostState(c *gin.Context) {
	var patch state.Patch
	if err := codec.JSONUnmarshalRead(io.LimitReader(c.Request.Body, maxMessageSize), &patch); err != nil {
		log.Warnf("POST /api/state Error decoding patch %v", err)
		c.JSON(http.StatusBadRequest, MessageResponse{Error: err.Error()})
		return
	}
	dispatch(c, InboundMessage{Type: "SET_STATE", Patch: &patch}, nil)
}

func intentRoute(intent string) gin.HandlerFunc {
	return func(c *gin.Context) {
		dispatch(c, InboundMessage{Type: intent}, nil)
	}
}

func dispatch(c *gin.Context, msg InboundMessage, raw map[string]any) {
	resp, err := handleMessage(c.Request.Context(), msg, raw)
	respond(c, resp, err)
}

func respond(c *gin.Context, resp MessageResponse, err error) {
	switch {
	case err == nil:
		resp.Ok = true
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, coordinator.ErrInvalidRequest), errors.Is(err, errUnknownMessage):
		resp.Error = err.Error()
		c.JSON(http.StatusBadRequest, resp)
	default:
		resp.Error = err.Error()
		c.JSON(http.StatusInternalServerError, resp)
	}
}

// handleMessage routes one intent to the coordinator. raw is the full
// message, forwarded as is by NOTIFY_CONTENT_SCRIPT.
func handleMessage(ctx context.Context, msg InboundMessage, raw map[string]any) (MessageResponse, error) {
	var resp MessageResponse

	switch msg.Type {
	case "":
		return resp, errors.Join(errUnknownMessage, errors.New("missing message type"))

	case "GET_STATE":
		s := syncCoordinator.ReadState(ctx, true)
		resp.State = &s

	case "SET_STATE":
		if msg.Patch == nil {
			return resp, nil
		}
		return resp, syncCoordinator.WritePatch(ctx, *msg.Patch)

	case "INCR_STAT":
		stats, err := syncCoordinator.IncrementStat(ctx, msg.Key)
		if err != nil {
			return resp, err
		}
		resp.Stats = &stats

	case "RECORD_STATS", "INCREMENT_STATS":
		return resp, syncCoordinator.RecordStat(msg.Key)

	case "GET_STATS":
		stats := syncCoordinator.Stats(ctx)
		resp.Stats = &stats

	case "CLEAR_STATS":
		return resp, syncCoordinator.ClearStats(ctx)

	case "ADD_TO_WHITELIST":
		return resp, syncCoordinator.AddToWhitelist(ctx, msg.Channel)

	case "REMOVE_FROM_WHITELIST":
		return resp, syncCoordinator.RemoveFromWhitelist(ctx, msg.Channel)

	case "CLEAR_WHITELIST":
		return resp, syncCoordinator.ClearWhitelist(ctx)

	case "GET_WHITELIST":
		whitelist := syncCoordinator.Whitelist(ctx)
		resp.Whitelist = &whitelist

	case "GET_STORAGE_USAGE":
		usage, err := syncCoordinator.StorageUsage(ctx)
		if err != nil {
			return resp, err
		}
		resp.Usage = &usage.Usage
		resp.Quota = &usage.Quota

	case "NOTIFY_CONTENT_SCRIPT":
		if raw == nil {
			raw = map[string]any{"type": msg.Type}
		}
		syncCoordinator.Notify(raw)

	case "_DEBUG_GET_METRICS", "_DEBUG_RESET_METRICS", "_DEBUG_FLUSH":
		if !config.Config.Logging.Debug {
			log.Warnf("Debug message %s received with debug logging disabled", msg.Type)
			return resp, errUnknownMessage
		}
		switch msg.Type {
		case "_DEBUG_GET_METRICS":
			metrics := syncCoordinator.Metrics()
			resp.Metrics = &metrics
		case "_DEBUG_RESET_METRICS":
			syncCoordinator.ResetMetrics()
		default:
			return resp, syncCoordinator.Flush(ctx)
		}

	default:
		log.Warnf("Unknown message type: %s", msg.Type)
		return resp, errUnknownMessage
	}

	return resp, nil
}
