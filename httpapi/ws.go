package httpapi

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/codekingibk/nodehost/internal/logx"
	"github.com/codekingibk/nodehost/internal/termstream"
	"github.com/codekingibk/nodehost/schema"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is delegated to the deployment's proxy.
		return true
	},
}

const wsReadLimit = 64 << 10

// clientEvent is one message from a terminal client.
type clientEvent struct {
	Type         string `json:"type"`
	Data         string `json:"data,omitempty"`
	Cols         uint16 `json:"cols,omitempty"`
	Rows         uint16 `json:"rows,omitempty"`
	StartCommand string `json:"start_command,omitempty"`
}

// wsClient serializes writes; the broadcast pump and the read loop both
// send frames.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) send(ev termstream.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ev)
}

// handleTerminal upgrades to a websocket carrying the instance's terminal
// stream. The first frame is a synthetic gate event reflecting current
// state, so a client joining mid-run renders the right input affordance.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request, account schema.AccountID) {
	inst, err := s.ownInstance(r.Context(), account, instanceID(r))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	log := logx.WithInstance(r.Context(), inst.ID)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)
	client := &wsClient{conn: conn}

	events, cancel := s.stream.Subscribe(inst.ID)
	defer cancel()

	gate := s.sup.Gate(inst.ID)
	if err := client.send(termstream.Event{Kind: termstream.KindGate, Gate: &gate}); err != nil {
		log.Warn("ws gate send failed", "err", err)
		return
	}
	log.Info("ws terminal attached", "subscribers", s.stream.Subscribers(inst.ID))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if err := client.send(ev); err != nil {
				conn.Close()
				return
			}
		}
	}()

	s.readTerminal(client, inst.ID, log)
	cancel()
	<-done
	log.Info("ws terminal detached")
}

func (s *Server) readTerminal(client *wsClient, id schema.InstanceID, log pslog.Logger) {
	for {
		var msg clientEvent
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("ws read ended", "err", err)
			}
			return
		}
		switch msg.Type {
		case "input":
			result := s.sup.WriteInput(id, msg.Data)
			if !result.OK {
				_ = client.send(termstream.Event{Kind: termstream.KindError, Error: inputRejection(result.Reason)})
			}
		case "resize":
			s.sup.Resize(id, msg.Cols, msg.Rows)
		case "start-server":
			go func(command string) {
				bg := pslog.ContextWithLogger(context.Background(), log)
				if err := s.sup.Start(bg, id, command); err != nil {
					log.Warn("instance start failed", "err", err)
				}
			}(msg.StartCommand)
		case "stop-server":
			go func() {
				bg := pslog.ContextWithLogger(context.Background(), log)
				if err := s.sup.Stop(bg, id); err != nil {
					log.Warn("instance stop failed", "err", err)
				}
			}()
		case "install-deps":
			go func() {
				bg := pslog.ContextWithLogger(context.Background(), log)
				if err := s.sup.Install(bg, id); err != nil {
					log.Warn("dependency install failed", "err", err)
				}
			}()
		default:
			log.Debug("ws unknown event", "type", msg.Type)
		}
	}
}

func inputRejection(reason schema.InputReason) string {
	switch reason {
	case schema.InputNotRunning:
		return "Process is not running. Input ignored."
	case schema.InputStartupPending:
		return "Startup in progress. Input locked."
	default:
		return "Invalid input."
	}
}
