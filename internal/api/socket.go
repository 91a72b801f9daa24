package api

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gofiber/contrib/websocket"

	"nnvisual/internal/model"
	"nnvisual/internal/telemetry"
)

const eventError = "error"

// commands lists every command the control channel accepts. Each is answered
// with a status or error message on the same connection.
var commands = map[string]struct{}{
	"configure":  {},
	"start":      {},
	"pause":      {},
	"resume":     {},
	"stop":       {},
	"step_batch": {},
	"step_epoch": {},
	"get_status": {},
}

type commandMessage struct {
	Command string          `json:"command"`
	Config  json.RawMessage `json:"config,omitempty"`
}

type errorMessage struct {
	Message string `json:"message"`
}

type configuredMessage struct {
	Status string               `json:"status"`
	Config model.TrainingConfig `json:"config"`
}

// socketWriter serializes writes from the reader and the event forwarder.
type socketWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *socketWriter) send(ev telemetry.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) trainSocket(conn *websocket.Conn) {
	writer := &socketWriter{conn: conn}
	sub := s.svc.Hub().Subscribe()
	defer sub.Close()

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range sub.Events() {
			if err := writer.send(ev); err != nil {
				s.logger.Debug("telemetry write failed", "subscriber", sub.ID(), "error", err)
				_ = conn.Close()
				return
			}
		}
	}()

	s.serveCommands(func() ([]byte, error) {
		_, raw, err := conn.ReadMessage()
		return raw, err
	}, writer.send)
	sub.Close()
	<-forwarded
}

// serveCommands answers messages until a read or a reply write fails.
func (s *Server) serveCommands(read func() ([]byte, error), send func(telemetry.Event) error) {
	for {
		raw, err := read()
		if err != nil {
			return
		}
		for _, reply := range s.handleMessage(raw) {
			if err := send(reply); err != nil {
				s.logger.Debug("command reply write failed", "error", err)
				return
			}
		}
	}
}

// handleMessage runs one client message and returns the direct replies.
// Failures are reported as error events; the connection stays open.
func (s *Server) handleMessage(raw []byte) []telemetry.Event {
	var msg commandMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return []telemetry.Event{errorEvent(fmt.Errorf("invalid message: %v", err))}
	}
	if _, ok := commands[msg.Command]; !ok {
		return []telemetry.Event{unknownCommand(msg.Command)}
	}
	controller := s.svc.Controller()
	switch msg.Command {
	case "get_status":
		return []telemetry.Event{{Type: telemetry.EventStatus, Payload: controller.Status()}}
	case "configure":
		config, err := configPayload(raw, msg)
		if err != nil {
			return []telemetry.Event{errorEvent(err)}
		}
		cfg, err := controller.ConfigureJSON(config)
		if err != nil {
			return []telemetry.Event{errorEvent(err)}
		}
		return []telemetry.Event{{Type: telemetry.EventStatus, Payload: configuredMessage{Status: "configured", Config: cfg}}}
	}
	if err := s.runCommand(msg.Command); err != nil {
		return []telemetry.Event{errorEvent(err)}
	}
	return []telemetry.Event{{Type: telemetry.EventStatus, Payload: controller.Status()}}
}

// configPayload accepts {"config": {...}} as well as config fields inlined
// next to "command".
func configPayload(raw []byte, msg commandMessage) ([]byte, error) {
	if len(msg.Config) > 0 {
		return msg.Config, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	delete(fields, "command")
	delete(fields, "config")
	return json.Marshal(fields)
}

func (s *Server) runCommand(command string) error {
	controller := s.svc.Controller()
	var err error
	switch command {
	case "start":
		_, err = controller.Start()
	case "pause":
		err = controller.Pause()
	case "resume":
		err = controller.Resume()
	case "stop":
		err = controller.Stop()
	case "step_batch":
		err = controller.StepBatch()
	case "step_epoch":
		err = controller.StepEpoch()
	default:
		err = fmt.Errorf("%w: %s needs a request body", model.ErrInvalidInput, command)
	}
	return err
}

func unknownCommand(command string) telemetry.Event {
	return telemetry.Event{Type: eventError, Payload: errorMessage{Message: "Unknown command: " + command}}
}

func errorEvent(err error) telemetry.Event {
	return telemetry.Event{Type: eventError, Payload: errorMessage{Message: err.Error()}}
}
