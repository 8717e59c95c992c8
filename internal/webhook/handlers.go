package webhook

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/payledger/internal/capture"
	"github.com/roach88/payledger/internal/ledger"
	"github.com/roach88/payledger/internal/logger"
	"github.com/roach88/payledger/internal/provider"
)

// Event types the receiver acts on.
const (
	EventCaptureCompleted      = "PAYMENT.CAPTURE.COMPLETED"
	EventSaleCompleted         = "PAYMENT.SALE.COMPLETED"
	EventSubscriptionActivated = "BILLING.SUBSCRIPTION.ACTIVATED"
	EventSubscriptionSuspended = "BILLING.SUBSCRIPTION.SUSPENDED"
	EventSubscriptionCancelled = "BILLING.SUBSCRIPTION.CANCELLED"
	EventSubscriptionExpired   = "BILLING.SUBSCRIPTION.EXPIRED"
)

// Notification is the envelope of a provider webhook.
type Notification struct {
	ID           string   `json:"id"`
	EventType    string   `json:"event_type" binding:"required"`
	ResourceType string   `json:"resource_type"`
	Resource     Resource `json:"resource"`
}

// Resource holds the ids the receiver needs; everything else is re-fetched.
type Resource struct {
	ID                 string `json:"id"`
	BillingAgreementID string `json:"billing_agreement_id"`
}

// Response is the body of every webhook answer.
type Response struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Response statuses.
const (
	StatusRecorded        = "recorded"
	StatusAlreadyRecorded = "already_recorded"
	StatusSynced          = "synced"
	StatusUnchanged       = "unchanged"
	StatusIgnored         = "ignored"
)

func (s *Server) handleWebhook(c *gin.Context) {
	if c.Param("provider") != s.deps.Provider {
		c.JSON(http.StatusNotFound, Response{Status: "error", Error: "unknown provider"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
	var n Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, Response{Status: "error", Error: "malformed notification"})
		return
	}
	if n.Resource.ID == "" {
		c.JSON(http.StatusBadRequest, Response{Status: "error", Error: "notification without resource id"})
		return
	}

	switch n.EventType {
	case EventCaptureCompleted, EventSaleCompleted:
		s.onCapture(c, n)
	case EventSubscriptionActivated, EventSubscriptionSuspended,
		EventSubscriptionCancelled, EventSubscriptionExpired:
		s.onSubscription(c, n)
	default:
		c.JSON(http.StatusAccepted, Response{Status: StatusIgnored})
	}
}

func (s *Server) onCapture(c *gin.Context, n Notification) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx).With().Str("event_id", n.ID).Str("capture_id", n.Resource.ID).Logger()

	remote, err := s.deps.API.GetCapture(ctx, n.Resource.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if remote.Status != provider.CaptureCompleted {
		log.Info().Str("status", string(remote.Status)).Msg("capture not completed")
		c.JSON(http.StatusAccepted, Response{Status: StatusIgnored})
		return
	}
	if remote.BillingAgreementID == "" {
		remote.BillingAgreementID = n.Resource.BillingAgreementID
	}

	ev, err := capture.EventFromCapture(s.deps.Provider, remote)
	if err != nil {
		s.fail(c, ledger.NewValidationMismatch("%v", err))
		return
	}
	order, found, err := capture.ResolveOrder(ctx, s.deps.Store, ev)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !found {
		// reconciliation applies the orphan policy
		log.Warn().Str("agreement_id", ev.AgreementID).Str("custom_id", ev.CustomID).Msg("capture for unknown order")
		c.JSON(http.StatusAccepted, Response{Status: StatusIgnored})
		return
	}
	if order.Status.Closed() {
		// reconciliation applies the partial orphan policy
		log.Warn().Str("order_id", order.ID).Str("order_status", string(order.Status)).Msg("capture for closed order")
		c.JSON(http.StatusAccepted, Response{Status: StatusIgnored, OrderID: order.ID})
		return
	}

	res, err := s.deps.Recorder.Record(ctx, order, ev)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := StatusRecorded
	if res.AlreadyRecorded {
		status = StatusAlreadyRecorded
	}
	c.JSON(http.StatusOK, Response{Status: status, OrderID: order.ID, GroupID: res.Pair.GroupID()})
}

func (s *Server) onSubscription(c *gin.Context, n Notification) {
	ctx := c.Request.Context()

	remote, err := s.deps.API.GetSubscription(ctx, n.Resource.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	order, err := s.deps.Store.OrderByAgreement(ctx, s.deps.Provider, remote.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	changed, err := s.deps.Subscriptions.SyncFromProvider(ctx, order, remote.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := StatusUnchanged
	if changed {
		status = StatusSynced
	}
	c.JSON(http.StatusOK, Response{Status: status, OrderID: order.ID})
}

// fail maps a ledger error to the status the provider acts on: 5xx makes
// it redeliver, 4xx makes it stop.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	log := logger.FromContext(c.Request.Context())
	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("code", string(ledger.CodeOf(err))).Int("status", status).Msg("webhook failed")
	c.JSON(status, Response{Status: "error", Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case ledger.IsProviderUnavailable(err):
		return http.StatusServiceUnavailable
	case ledger.IsNotFound(err), provider.NotFound(err):
		return http.StatusNotFound
	case ledger.IsValidationMismatch(err), ledger.IsInvalidTransition(err):
		return http.StatusUnprocessableEntity
	case ledger.IsAlreadyProcessed(err):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
