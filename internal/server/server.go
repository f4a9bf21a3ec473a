package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"mlgateway/internal/apierr"
	"mlgateway/internal/gateway"
)

const (
	HeaderContainerID = "X-Container-ID"
	HeaderRequestID   = "X-Request-ID"

	maxBodyBytes = 1 << 20
)

type Options struct {
	WS  WSOptions
	Log *zap.SugaredLogger
}

// New builds the HTTP handler: one POST route per adapter, /healthz, and the
// optional WebSocket routes, all behind the request middleware.
func New(g *gateway.Gateway, o Options) http.Handler {
	log := o.Log
	if log == nil { log = zap.NewNop().Sugar() }

	r := httprouter.New()
	r.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	for _, op := range gateway.Ops {
		r.POST("/"+string(op), handleOp(g, op, log))
	}
	registerWS(r, g, o.WS, log)

	r.HandleMethodNotAllowed = true
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, g.InstanceID(), http.StatusMethodNotAllowed, "Method "+req.Method+" not allowed")
	})
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, g.InstanceID(), http.StatusNotFound, "Not found: "+req.URL.Path)
	})
	r.PanicHandler = func(w http.ResponseWriter, req *http.Request, v any) {
		log.Errorw("panic in handler", "path", req.URL.Path, "panic", v)
		writeError(w, g.InstanceID(), http.StatusInternalServerError, "internal server error")
	}
	return withRequestMeta(r, g.InstanceID(), log)
}

func handleOp(g *gateway.Gateway, op gateway.Op, log *zap.SugaredLogger) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeError(w, g.InstanceID(), http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			writeError(w, g.InstanceID(), http.StatusBadRequest, "Could not read request body")
			return
		}

		resp, err := g.Handle(r.Context(), op, gateway.ParseFields(body))
		if err != nil {
			status, msg := apierr.Classify(err)
			if status >= 500 {
				log.Warnw("request failed", "op", op, "status", status, "kind", apierr.KindOf(err).String(), "error", err, "request_id", w.Header().Get(HeaderRequestID))
			}
			writeError(w, g.InstanceID(), status, msg)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, containerID string, status int, msg string) {
	writeJSON(w, status, gateway.ErrorResponse{Error: msg, ContainerID: containerID})
}

// withRequestMeta stamps every response with the instance and request ids and
// logs one line per request.
func withRequestMeta(next http.Handler, containerID string, log *zap.SugaredLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" { reqID = uuid.NewString() }
		w.Header().Set(HeaderContainerID, containerID)
		w.Header().Set(HeaderRequestID, reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", reqID,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok { return nil, nil, errors.New("hijack not supported") }
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
