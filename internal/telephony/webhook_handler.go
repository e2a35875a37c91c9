package telephony

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// WebhookHandler is the carrier-facing ingress. It is unauthenticated by JWT;
// the HMAC signature is the authentication.
func WebhookHandler(ing *Ingestor) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		res, err := ing.Ingest(c.Request.Context(), body, c.GetHeader(SignatureHeader))
		if err != nil {
			switch {
			case errors.Is(err, ErrBadSignature):
				ing.log.WarnContext(c.Request.Context(), "webhook signature rejected",
					"remote_addr", c.ClientIP(), "path", c.Request.URL.Path)
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			case errors.Is(err, ErrMalformedEvent):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				// No ledger row was written; a 503 makes the carrier redeliver.
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": string(res.Outcome), "event_id": res.EventID})
	}
}
