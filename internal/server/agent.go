package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"go-soknad-automation/internal/automation"
	"go-soknad-automation/internal/models"
)

const (
	signatureHeader = "x-skyvern-signature"
	maxAgentBody    = 1 << 20
)

func (s *Server) agentWebhook(c *gin.Context) {
	body, ok := s.readSigned(c)
	if !ok {
		return
	}
	update, err := automation.ParseWebhook(body)
	if err != nil {
		s.log.Warn("bad agent callback", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.log.Info("agent callback", "task_id", update.TaskID, "status", update.Status)
	key := "agent:" + update.TaskID + ":" + string(update.Status)
	s.enqueue(c, key, "agent:"+update.TaskID, func(ctx context.Context) error {
		return s.deps.Machine.HandleTaskUpdate(ctx, update)
	})
}

type totpRequest struct {
	TaskID         string `json:"task_id"`
	WorkflowRunID  string `json:"workflow_run_id"`
	TOTPIdentifier string `json:"totp_identifier"`
}

type totpResponse struct {
	TaskID           string  `json:"task_id,omitempty"`
	VerificationCode *string `json:"verification_code"`
}

// totp is polled by the agent while it waits on a one-time code. It answers
// null until the owner has sent the code, and makes sure they were asked.
func (s *Server) totp(c *gin.Context) {
	body, ok := s.readSigned(c)
	if !ok {
		return
	}
	var req totpRequest
	if err := json.Unmarshal(body, &req); err != nil || (req.TaskID == "" && req.TOTPIdentifier == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id or totp_identifier required"})
		return
	}
	ctx := c.Request.Context()

	v, err := s.deps.Relay.CodeForTask(ctx, req.TaskID, req.TOTPIdentifier)
	switch {
	case err == nil && v.Status == models.VerificationCodeReceived && v.Code != nil && *v.Code != "":
		s.log.Info("code handed to agent", "task_id", req.TaskID, "verification_id", v.ID)
		c.JSON(http.StatusOK, totpResponse{TaskID: req.TaskID, VerificationCode: v.Code})
		return
	case err == nil && v.Status == models.VerificationCodeRequested:
		// owner already asked
	case err == nil && v.Status != models.VerificationPending && v.TaskID == req.TaskID:
		// expired or consumed; the task will time out on its own
	case err == nil || errors.Is(err, models.ErrNotFound):
		if rerr := s.deps.Machine.OnCodeRequested(ctx, req.TaskID, req.TOTPIdentifier); rerr != nil {
			s.log.Error("request code from owner", "task_id", req.TaskID, "error", rerr)
		}
	default:
		s.log.Error("look up verification", "task_id", req.TaskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, totpResponse{TaskID: req.TaskID})
}

// readSigned reads the body and checks its HMAC when a signing key is set.
// On failure it has already written the response.
func (s *Server) readSigned(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAgentBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return nil, false
	}
	if s.opts.AgentSigningKey == "" {
		return body, true
	}
	if !validSignature(s.opts.AgentSigningKey, body, c.GetHeader(signatureHeader)) {
		s.log.Warn("agent signature mismatch", "path", c.FullPath())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return nil, false
	}
	return body, true
}

func sign(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(key string, body []byte, got string) bool {
	want := sign(key, body)
	return hmac.Equal([]byte(want), []byte(got))
}
