package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"mlgateway/internal/apierr"
	"mlgateway/internal/gateway"
)

type WSOptions struct {
	Enable     bool
	PathPrefix string
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// registerWS adds <prefix>/<op> for every adapter. Each text frame is one
// request envelope; each reply is the HTTP body plus a status field.
func registerWS(r *httprouter.Router, g *gateway.Gateway, o WSOptions, log *zap.SugaredLogger) {
	if !o.Enable { return }
	prefix := strings.TrimRight(o.PathPrefix, "/")
	if prefix == "" { prefix = "/ws" }
	if !strings.HasPrefix(prefix, "/") { prefix = "/" + prefix }

	for _, op := range gateway.Ops {
		op := op
		r.GET(prefix+"/"+string(op), func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
			conn, err := upgrader.Upgrade(w, req, nil)
			if err != nil { return }
			defer conn.Close()
			// same cap as HTTP bodies; an oversized frame closes the connection
			conn.SetReadLimit(maxBodyBytes)
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil { return }
				if err := conn.WriteJSON(wsReply(req, g, op, msg)); err != nil { return }
			}
		})
	}
	log.Infof("WebSocket endpoints enabled at %s/{ner,translate,image-generate,speech}", prefix)
}

func wsReply(req *http.Request, g *gateway.Gateway, op gateway.Op, msg []byte) map[string]any {
	resp, err := g.Handle(req.Context(), op, gateway.ParseFields(msg))
	if err != nil {
		status, text := apierr.Classify(err)
		return map[string]any{"status": status, "error": text, "container_id": g.InstanceID()}
	}
	out, err := toMap(resp)
	if err != nil {
		return map[string]any{"status": http.StatusInternalServerError, "error": err.Error(), "container_id": g.InstanceID()}
	}
	out["status"] = http.StatusOK
	return out
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil { return nil, err }
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil { return nil, err }
	return m, nil
}
