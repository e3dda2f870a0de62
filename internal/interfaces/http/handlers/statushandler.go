package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orris-inc/flowlink/internal/application/account"
	"github.com/orris-inc/flowlink/internal/shared/hubprotocol/device"
	"github.com/orris-inc/flowlink/internal/shared/logger"
	"github.com/orris-inc/flowlink/internal/shared/utils"
)

const maxCommandBody = 1 << 20

type accountRegistry interface {
	Accounts() []account.Status
	Publish(name string, node device.Node) error
}

// StatusHandler exposes the agent's accounts to local collaborators.
type StatusHandler struct {
	registry accountRegistry
	logger   logger.Interface
}

func NewStatusHandler(registry accountRegistry, log logger.Interface) *StatusHandler {
	return &StatusHandler{
		registry: registry,
		logger:   log,
	}
}

// Health reports that the agent process is up.
func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListAccounts returns the status of every registered account.
func (h *StatusHandler) ListAccounts(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "", h.registry.Accounts())
}

// PublishCommand sends the command JSON in the request body to one account.
// Commands are queued while the account is offline.
func (h *StatusHandler) PublishCommand(c *gin.Context) {
	name := c.Param("name")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCommandBody))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	nodes, err := device.Decode(body)
	if err == nil {
		err = device.Validate(nodes)
	}
	if err != nil || len(nodes) == 0 {
		utils.ErrorResponse(c, http.StatusBadRequest, "body must be a command object or array")
		return
	}
	for _, n := range nodes {
		if _, isReply := n.(*device.Reply); isReply {
			utils.ErrorResponse(c, http.StatusBadRequest, "replies cannot be published")
			return
		}
	}

	for _, n := range nodes {
		if err := h.registry.Publish(name, n); err != nil {
			h.logger.Warnw("failed to publish command", "account", name, "error", err)
			utils.ErrorResponseWithError(c, err)
			return
		}
	}

	utils.SuccessResponse(c, http.StatusAccepted, "command accepted", gin.H{"count": len(nodes)})
}
