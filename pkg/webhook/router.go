// Package webhook translates provider callbacks into call manager actions.
// Three wire variants exist: async JSON call-control events, form-encoded
// answer webhooks answered with XML, and relay tool-call requests.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/harunnryd/callbridge/pkg/call"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/observability"
	"github.com/harunnryd/callbridge/pkg/telephony"
	"github.com/harunnryd/callbridge/pkg/telephony/vapi"
)

type Router struct {
	mgr     *call.Manager
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewRouter(mgr *call.Manager, metrics *observability.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		mgr:     mgr,
		logger:  logging.NewComponentLogger(logger, "webhook_router"),
		metrics: metrics,
	}
}

// ServeHTTP dispatches on the configured provider's wire shape. Relay
// providers speak tool calls; Telnyx-style call control posts JSON events;
// the rest post forms and expect an XML directive back.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider := rt.mgr.Provider()
	switch {
	case provider.Relay():
		rt.handleToolCall(w, r)
	case provider.Name() == "telnyx":
		rt.handleCallControlEvent(w, r)
	default:
		if _, ok := provider.(telephony.StreamDirectiveProvider); ok {
			rt.handleAnswerForm(w, r)
			return
		}
		rt.handleCallControlEvent(w, r)
	}
}

// --- async JSON call-control events (Telnyx-style) ---

type callControlEvent struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
		} `json:"payload"`
	} `json:"data"`
}

func (rt *Router) handleCallControlEvent(w http.ResponseWriter, r *http.Request) {
	var ev callControlEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		rt.count("event", "malformed")
		rt.writeJSON(w, map[string]string{"status": "ok"})
		return
	}

	pcid := ev.Data.Payload.CallControlID
	rt.logger.Info("call_control_event",
		slog.String("event_type", ev.Data.EventType),
		slog.String("provider_call_id", pcid))

	switch ev.Data.EventType {
	case "call.answered":
		if pcid != "" {
			rt.mgr.HandleAnswered(r.Context(), pcid)
		}
		rt.count("event", "answered")
	case "call.hangup":
		if pcid != "" {
			rt.mgr.HandleHangup(pcid)
		}
		rt.count("event", "hangup")
	default:
		rt.count("event", "ignored")
	}

	// Event webhooks are acknowledged unconditionally so the provider
	// never retries a delivery we have already acted on.
	rt.writeJSON(w, map[string]string{"status": "ok"})
}

// --- form answer webhooks answered with XML (Twilio/Plivo-style) ---

func (rt *Router) handleAnswerForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		rt.count("form", "malformed")
		rt.writeXML(w, "<Response/>")
		return
	}

	pcid := r.PostFormValue("CallSid")
	if pcid == "" {
		pcid = r.PostFormValue("CallUUID")
	}

	if pcid != "" {
		if xml, ok := rt.mgr.StreamDirectiveForCall(pcid); ok {
			rt.logger.Info("answer_webhook",
				slog.String("provider_call_id", pcid))
			rt.count("form", "answered")
			rt.writeXML(w, xml)
			return
		}
	}

	rt.logger.Warn("answer_webhook_unmatched", slog.String("provider_call_id", pcid))
	rt.count("form", "unmatched")
	rt.writeXML(w, "<Response/>")
}

// --- relay tool-call webhooks (Vapi-style) ---

type toolCallRequest struct {
	Message struct {
		Type string `json:"type"`
		Call struct {
			ID string `json:"id"`
		} `json:"call"`
		ToolCalls []struct {
			ID       string `json:"id"`
			Function struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function"`
		} `json:"toolCalls"`
	} `json:"message"`
}

type toolCallResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
}

type toolCallResponse struct {
	Results []toolCallResult `json:"results"`
}

func (rt *Router) handleToolCall(w http.ResponseWriter, r *http.Request) {
	resp := toolCallResponse{Results: []toolCallResult{}}

	// Malformed deliveries are acknowledged with an empty result set so
	// the voice agent does not retry them, matching the other variants.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		rt.count("tool_call", "malformed")
		rt.writeJSON(w, resp)
		return
	}

	var req toolCallRequest
	if err := json.Unmarshal(body, &req); err != nil {
		rt.count("tool_call", "malformed")
		rt.writeJSON(w, resp)
		return
	}
	for _, tc := range req.Message.ToolCalls {
		if tc.Function.Name != vapi.RelayToolName {
			continue
		}
		userMessage := decodeUserMessage(tc.Function.Arguments)

		reply, err := rt.mgr.HandleRelayTurn(r.Context(), req.Message.Call.ID, userMessage)
		if err != nil {
			rt.logger.Warn("relay_turn_failed",
				slog.String("provider_call_id", req.Message.Call.ID),
				slog.String("error", err.Error()))
			rt.count("tool_call", relayOutcome(err))
			resp.Results = append(resp.Results, toolCallResult{ToolCallID: tc.ID, Result: ""})
			continue
		}
		rt.count("tool_call", "relayed")
		resp.Results = append(resp.Results, toolCallResult{ToolCallID: tc.ID, Result: reply})
	}

	rt.writeJSON(w, resp)
}

// decodeUserMessage accepts arguments both as a JSON object and as a
// string-encoded object, which relay providers alternate between.
func decodeUserMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var args struct {
		UserMessage string `json:"user_message"`
	}
	if err := json.Unmarshal(raw, &args); err == nil && args.UserMessage != "" {
		return args.UserMessage
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		if err := json.Unmarshal([]byte(encoded), &args); err == nil {
			return args.UserMessage
		}
	}
	return ""
}

func relayOutcome(err error) string {
	switch {
	case errors.Is(err, call.ErrTurnQueueFull):
		return "queue_full"
	case errors.Is(err, call.ErrCallNotFound):
		return "unmatched"
	default:
		return "error"
	}
}

func (rt *Router) count(variant, outcome string) {
	if rt.metrics != nil {
		rt.metrics.WebhookEvents.WithLabelValues(variant, outcome).Inc()
	}
}

func (rt *Router) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func (rt *Router) writeXML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
