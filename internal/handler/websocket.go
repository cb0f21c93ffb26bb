package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coderunr/engine/internal/eventbus"
	"github.com/coderunr/engine/internal/job"
	"github.com/coderunr/engine/internal/runtime"
	"github.com/coderunr/engine/internal/supervisor"
	"github.com/coderunr/engine/internal/types"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConnection is one interactive execution session (spec.md §6).
type WebSocketConnection struct {
	conn       *websocket.Conn
	job        *job.Job
	bus        *eventbus.Bus
	outbox     chan types.WebSocketMessage
	jobManager *job.Manager
	logger     *logrus.Entry
	mutex      sync.Mutex
	closed     bool
}

// HandleWebSocket upgrades the connection and drives one interactive
// session. Concurrency admission is via the governor, keyed by remote
// address, exactly like the batch HTTP path.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("websocket upgrade failed")
		return
	}

	wsConn := &WebSocketConnection{
		conn:       conn,
		outbox:     make(chan types.WebSocketMessage, 100),
		jobManager: h.jobManager,
		logger:     h.logger.WithField("component", "websocket"),
	}

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

	go wsConn.eventSender()

	initTimeout := time.NewTimer(1 * time.Second)
	defer initTimeout.Stop()
	go func() {
		<-initTimeout.C
		if !wsConn.hasJob() {
			wsConn.sendError("Initialization timeout")
			wsConn.close(4001, "Initialization Timeout")
		}
	}()

	tokenPtr, tokErr := h.governor.TryEnter(clientKey(r.RemoteAddr))
	if tokErr != nil {
		wsConn.sendError("too many concurrent jobs for this client")
		wsConn.close(4006, "Concurrency Limit Reached")
		return
	}
	defer h.governor.Leave(tokenPtr)

	wsConn.handleMessages(r.Context())
}

func (wsConn *WebSocketConnection) handleMessages(ctx context.Context) {
	defer wsConn.close(1000, "Connection closed")

	for {
		_, data, err := wsConn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				wsConn.logger.WithError(err).Error("websocket read error")
			}
			break
		}
		wsConn.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var raw map[string]interface{}
		if err := json.Unmarshal(data, &raw); err != nil {
			wsConn.closeWithError("Invalid message JSON")
			break
		}
		msgType, _ := raw["type"].(string)

		switch msgType {
		case "init":
			if err := wsConn.handleInitRaw(ctx, raw); err != nil {
				wsConn.closeWithError(err.Error())
				return
			}
		case "data":
			var msg types.WebSocketMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				wsConn.closeWithError("Invalid message fields")
				return
			}
			if err := wsConn.handleData(msg); err != nil {
				return
			}
		case "signal":
			var msg types.WebSocketMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				wsConn.closeWithError("Invalid message fields")
				return
			}
			if err := wsConn.handleSignal(msg); err != nil {
				return
			}
		default:
			wsConn.closeWithError("Unknown message type: " + msgType)
			return
		}
	}
}

func (wsConn *WebSocketConnection) handleInitRaw(ctx context.Context, raw map[string]interface{}) error {
	if wsConn.job != nil {
		wsConn.close(4000, "Already Initialized")
		return nil
	}

	var reqMap map[string]interface{}
	if p, ok := raw["payload"]; ok {
		if m, ok := p.(map[string]interface{}); ok {
			reqMap = m
		}
	}
	if reqMap == nil {
		reqMap = raw
	}

	request, err := buildJobRequestFromMap(reqMap)
	if err != nil {
		wsConn.closeWithError(err.Error())
		return nil
	}

	if err := wsConn.validateJobRequest(request); err != nil {
		wsConn.closeWithError(err.Error())
		return nil
	}

	rt, err := runtime.Lookup(request.Language, request.Version)
	if err != nil {
		wsConn.closeWithError("Runtime not found: " + request.Language + "-" + request.Version)
		return nil
	}

	wsConn.setJob(wsConn.jobManager.NewJob(rt, request))
	wsConn.bus = eventbus.New()

	wsConn.sendMessage(types.WebSocketMessage{Type: "runtime", Language: rt.Language, Version: rt.Version.String()})

	go wsConn.executeJob(ctx)
	return nil
}

// buildJobRequestFromMap converts an init map into a JobRequest.
func buildJobRequestFromMap(m map[string]interface{}) (*types.JobRequest, error) {
	jr := &types.JobRequest{}
	if v, ok := m["language"].(string); ok {
		jr.Language = v
	}
	if v, ok := m["version"].(string); ok {
		jr.Version = v
	}
	if v, ok := m["stdin"].(string); ok {
		jr.Stdin = v
	}
	if v, ok := m["args"].([]interface{}); ok {
		args := make([]string, 0, len(v))
		for _, a := range v {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
		jr.Args = args
	}

	if rawFiles, ok := m["files"].([]interface{}); ok {
		files := make([]types.CodeFile, 0, len(rawFiles))
		for _, f := range rawFiles {
			fm, ok := f.(map[string]interface{})
			if !ok {
				continue
			}
			cf := types.CodeFile{}
			if s, ok := fm["name"].(string); ok {
				cf.Name = s
			}
			if s, ok := fm["content"].(string); ok {
				cf.Content = s
			} else {
				return nil, fmt.Errorf("files[].content must be string")
			}
			if s, ok := fm["encoding"].(string); ok {
				cf.Encoding = s
			}
			if b, ok := fm["executable"].(bool); ok {
				cf.Executable = b
			}
			files = append(files, cf)
		}
		jr.Files = files
	}

	toIntPtr := func(key string) *int {
		if val, ok := m[key]; ok {
			switch x := val.(type) {
			case float64:
				xi := int(x)
				return &xi
			case int:
				xi := x
				return &xi
			}
		}
		return nil
	}
	toInt64Ptr := func(key string) *int64 {
		if val, ok := m[key]; ok {
			switch x := val.(type) {
			case float64:
				xi := int64(x)
				return &xi
			case int:
				xi := int64(x)
				return &xi
			}
		}
		return nil
	}

	jr.CompileTimeout = toIntPtr("compile_timeout")
	jr.RunTimeout = toIntPtr("run_timeout")
	jr.CompileMemoryLimit = toInt64Ptr("compile_memory_limit")
	jr.RunMemoryLimit = toInt64Ptr("run_memory_limit")

	return jr, nil
}

func (wsConn *WebSocketConnection) handleData(msg types.WebSocketMessage) error {
	if wsConn.job == nil {
		wsConn.close(4003, "Not yet initialized")
		return fmt.Errorf("not initialized")
	}
	if msg.Stream != "stdin" {
		wsConn.close(4004, "Can only write to stdin")
		return fmt.Errorf("invalid stream")
	}

	if err := wsConn.job.WriteStdin([]byte(msg.Data)); err != nil {
		wsConn.logger.WithError(err).Warn("failed to write to stdin")
		wsConn.sendError("Failed to write to stdin: " + err.Error())
	}
	return nil
}

func (wsConn *WebSocketConnection) handleSignal(msg types.WebSocketMessage) error {
	if wsConn.job == nil {
		wsConn.close(4003, "Not yet initialized")
		return fmt.Errorf("not initialized")
	}

	if !supervisor.IsAllowedSignal(msg.Signal) {
		wsConn.close(4005, "Invalid signal")
		return fmt.Errorf("invalid signal")
	}

	if err := wsConn.job.SendSignal(msg.Signal); err != nil {
		wsConn.logger.WithError(err).Warn("failed to send signal")
		wsConn.sendError("Failed to send signal: " + err.Error())
	}
	return nil
}

// executeJob runs the job interactively, bridging eventbus events onto
// the WebSocket wire format until the job completes.
func (wsConn *WebSocketConnection) executeJob(ctx context.Context) {
	sub, unsubscribe := wsConn.bus.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			wsConn.handleBusEvent(ev)
		}
	}()

	_, err := wsConn.jobManager.ExecuteInteractive(ctx, wsConn.job, wsConn.bus)

	// Every stage/exit/data event for this job was already published
	// before ExecuteInteractive returned. Unsubscribing now closes sub,
	// which lets the drain goroutine flush whatever is still buffered
	// and exit, so done only fires once the wire has seen everything.
	unsubscribe()
	<-done

	if err != nil {
		wsConn.closeWithError("Execution failed: " + err.Error())
		return
	}
	wsConn.close(4999, "Job Completed")
}

func (wsConn *WebSocketConnection) handleBusEvent(ev eventbus.Event) {
	switch ev.Topic {
	case eventbus.TopicStage:
		wsConn.sendMessage(types.WebSocketMessage{Type: "stage", Stage: ev.Stage})
	case eventbus.TopicStdout:
		wsConn.sendMessage(types.WebSocketMessage{Type: "data", Stream: "stdout", Data: string(ev.Data)})
	case eventbus.TopicStderr:
		wsConn.sendMessage(types.WebSocketMessage{Type: "data", Stream: "stderr", Data: string(ev.Data)})
	case eventbus.TopicExit:
		result, _ := ev.Payload.(*types.PhaseResult)
		msg := types.WebSocketMessage{Type: "exit", Stage: ev.Stage}
		if result != nil {
			msg.Code = result.ExitCode
			msg.Signal = result.Signal
		}
		wsConn.sendMessage(msg)
	}
}

func (wsConn *WebSocketConnection) eventSender() {
	for event := range wsConn.outbox {
		wsConn.mutex.Lock()
		if wsConn.closed {
			wsConn.mutex.Unlock()
			break
		}
		wsConn.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := wsConn.conn.WriteJSON(event); err != nil {
			wsConn.logger.WithError(err).Error("failed to send websocket message")
			wsConn.mutex.Unlock()
			break
		}
		wsConn.mutex.Unlock()
	}
}

func (wsConn *WebSocketConnection) sendMessage(msg types.WebSocketMessage) {
	wsConn.mutex.Lock()
	if wsConn.closed {
		wsConn.mutex.Unlock()
		return
	}
	select {
	case wsConn.outbox <- msg:
	default:
		wsConn.logger.Warn("event outbox full, dropping message")
	}
	wsConn.mutex.Unlock()
}

// hasJob reports whether init has completed, synchronized against
// setJob so the init-timeout goroutine never races handleInitRaw's
// write to wsConn.job.
func (wsConn *WebSocketConnection) hasJob() bool {
	wsConn.mutex.Lock()
	defer wsConn.mutex.Unlock()
	return wsConn.job != nil
}

func (wsConn *WebSocketConnection) setJob(j *job.Job) {
	wsConn.mutex.Lock()
	wsConn.job = j
	wsConn.mutex.Unlock()
}

func (wsConn *WebSocketConnection) sendError(message string) error {
	wsConn.sendMessage(types.WebSocketMessage{Type: "error", Message: message})
	return nil
}

// closeWithError sends an error message then closes with 4002, the
// close code spec.md §6 reserves for "error notified": the client was
// told what went wrong before the session ended.
func (wsConn *WebSocketConnection) closeWithError(message string) {
	wsConn.sendError(message)
	wsConn.close(4002, "error notified")
}

func (wsConn *WebSocketConnection) close(code int, message string) {
	wsConn.mutex.Lock()
	defer wsConn.mutex.Unlock()

	if wsConn.closed {
		return
	}
	wsConn.closed = true
	close(wsConn.outbox)

	wsConn.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, message),
		time.Now().Add(time.Second))
	wsConn.conn.Close()
}

func (wsConn *WebSocketConnection) validateJobRequest(request *types.JobRequest) error {
	if request.Language == "" {
		return fmt.Errorf("language is required")
	}
	if request.Version == "" {
		return fmt.Errorf("version is required")
	}
	if len(request.Files) == 0 {
		return fmt.Errorf("files array is required")
	}
	for i, file := range request.Files {
		if file.Content == "" {
			return fmt.Errorf("files[%d].content is required", i)
		}
	}
	return nil
}
