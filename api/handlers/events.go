package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/workflow"
)

// =============================================================================
// 📡 进度事件推送（WebSocket）
// =============================================================================

// EventsHandler 将 EventBus 上的工作流事件推送给 WebSocket 客户端
type EventsHandler struct {
	workflows      WorkflowService
	bus            *workflow.EventBus
	originPatterns []string
	writeTimeout   time.Duration
	pingInterval   time.Duration
	logger         *zap.Logger
}

// NewEventsHandler 创建事件推送处理器。originPatterns 为空时只接受同源连接。
func NewEventsHandler(workflows WorkflowService, bus *workflow.EventBus, originPatterns []string, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		workflows:      workflows,
		bus:            bus,
		originPatterns: originPatterns,
		writeTimeout:   5 * time.Second,
		pingInterval:   30 * time.Second,
		logger:         logger.With(zap.String("component", "events_ws")),
	}
}

// Register 注册路由
func (h *EventsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/workflows/{id}/events", h.HandleEvents)
}

// HandleEvents GET /api/v1/workflows/{id}/events
//
// 升级前先确认工作流存在；之后持续推送该工作流的事件，
// ?until_finished=true 时在 workflow_finished 或 workflow_cancelled 后正常关闭。
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.workflows.GetWorkflow(r.Context(), id); err != nil {
		WriteWorkflowError(w, r, err, h.logger)
		return
	}
	untilFinished := r.URL.Query().Get("until_finished") == "true"

	// 先订阅再升级，避免错过升级期间的事件
	events, unsubscribe := h.bus.Subscribe(id, 128)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.String("workflow_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 只推送不读取；CloseRead 处理控制帧，客户端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())
	logger := h.logger.With(zap.String("workflow_id", id))
	logger.Debug("event subscriber connected")

	err = h.stream(ctx, conn, events, untilFinished)
	switch {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "workflow finished")
	case errors.Is(err, context.Canceled), websocket.CloseStatus(err) != -1:
		// 客户端断开
	default:
		logger.Debug("event stream ended", zap.Error(err))
		conn.Close(websocket.StatusInternalError, "stream error")
	}
}

func (h *EventsHandler) stream(ctx context.Context, conn *websocket.Conn, events <-chan workflow.Event, untilFinished bool) error {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return err
			}
			if untilFinished && (ev.Type == workflow.EventWorkflowFinished || ev.Type == workflow.EventWorkflowCancelled) {
				return nil
			}
		}
	}
}
