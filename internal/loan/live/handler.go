package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"loanflow/internal/loan/models"
	"loanflow/pkg/platform/httputil"
	request "loanflow/pkg/platform/middleware/request"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	maxFrameSize = 4096
)

// Loader reads the current loan record.
type Loader interface {
	Get(ctx context.Context, loanID string) (*models.Loan, error)
}

// Handler serves GET /ws/{loan_id}. The socket receives the record on
// connect, after every change, and in reply to any client frame.
type Handler struct {
	loader   Loader
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(loader Loader, hub *Hub, logger *slog.Logger, allowedOrigins []string) *Handler {
	return &Handler{
		loader: loader,
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/ws/{loan_id}", h.HandleSubscribe)
}

func (h *Handler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	loanID := chi.URLParam(r, "loan_id")

	loan, err := h.loader.Get(ctx, loanID)
	if err != nil {
		h.logger.WarnContext(ctx, "websocket requested for unknown loan",
			"request_id", requestID,
			"loan_id", loanID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	// subscribe before the upgrade so no change between load and upgrade is lost
	sub := h.hub.Subscribe(loanID)
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(ctx, "websocket upgrade failed",
			"request_id", requestID,
			"loan_id", loanID,
			"error", err,
		)
		return
	}

	refresh := make(chan struct{}, 1)
	readDone := make(chan struct{})
	go readLoop(conn, refresh, readDone)
	defer func() {
		_ = conn.Close()
		<-readDone
	}()

	h.logger.InfoContext(ctx, "websocket subscribed", "request_id", requestID, "loan_id", loanID)

	if !h.writeLoan(ctx, conn, loan) {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case payload, ok := <-sub.C:
			if !ok || !h.write(ctx, conn, payload) {
				return
			}
		case <-refresh:
			current, err := h.loader.Get(ctx, loanID)
			if err != nil {
				h.logger.WarnContext(ctx, "websocket refresh failed", "loan_id", loanID, "error", err)
				continue
			}
			if !h.writeLoan(ctx, conn, current) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func readLoop(conn *websocket.Conn, refresh chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case refresh <- struct{}{}:
		default:
		}
	}
}

func (h *Handler) writeLoan(ctx context.Context, conn *websocket.Conn, loan *models.Loan) bool {
	payload, err := json.Marshal(loan)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to encode loan snapshot", "loan_id", loan.ID, "error", err)
		return false
	}
	return h.write(ctx, conn, payload)
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, payload []byte) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.logger.DebugContext(ctx, "websocket write failed", "error", err)
		return false
	}
	return true
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
