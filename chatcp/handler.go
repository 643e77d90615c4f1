package chatcp

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type chatRequestBody struct {
	Message        string `json:"message"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type chatResponseBody struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	TraceID        string `json:"trace_id"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
}

// ServeHTTP implements POST /chat: 200 on success or degraded-but-usable,
// 429 rate-limited, 503 when no usable response could be produced.
// Blocked-by-policy responses are also 200 with a clarifying/blocked body,
// since policy gating is a normal conversational outcome, not a transport
// failure.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	resp := c.Handle(r.Context(), ChatRequest{
		Message:        body.Message,
		UserID:         body.UserID,
		ConversationID: body.ConversationID,
	})

	status := http.StatusOK
	switch {
	case resp.State == StateBlocked && resp.Reason == "rate_limited":
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(int(resp.RetryAfter.Seconds())+1))
	case resp.State == StateTimedOut:
		status = http.StatusRequestTimeout
	case resp.State == StateFailed:
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(chatResponseBody{
		Message:        resp.Message,
		ConversationID: resp.ConversationID,
		TraceID:        resp.TraceID,
		Status:         string(resp.State),
		Reason:         resp.Reason,
	})
}
