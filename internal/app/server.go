package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/zapflow/telegram-gateway/internal/config"
	"github.com/zapflow/telegram-gateway/internal/domain"
	"github.com/zapflow/telegram-gateway/internal/ports"
	"github.com/zapflow/telegram-gateway/internal/service"
)

var ErrServerClosed = http.ErrServerClosed

// AccountService is the slice of the account manager the HTTP layer needs.
type AccountService interface {
	StartLogin(ctx context.Context, name, phoneNumber, webhookURL string) error
	ConfirmCode(ctx context.Context, phoneNumber, code, password string) (service.ConfirmResult, error)
	SendMessage(ctx context.Context, name, number string, userID int64, text string) error
	GetStatus(name string) (service.AccountStatus, error)
	CountAuthenticated() (authenticated, pending int)
}

// DeliveryStatsProvider feeds the webhook audit summary into /health.
type DeliveryStatsProvider interface {
	DeliveryStats(ctx context.Context) (ports.DeliveryStats, error)
}

// Server is the HTTP/JSON API. Route and field names are a compatibility
// contract with existing callers and stay in Portuguese where the
// original API used Portuguese.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	accounts   AccountService
	messages   *service.MessageLog
	stats      DeliveryStatsProvider
	httpServer *http.Server
	startedAt  time.Time
}

func NewServer(cfg config.Config, logger *slog.Logger, accounts AccountService, messages *service.MessageLog, stats DeliveryStatsProvider) *Server {
	server := &Server{
		cfg:       cfg,
		logger:    logger,
		accounts:  accounts,
		messages:  messages,
		stats:     stats,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/iniciar-login", server.startLoginHandler)
	mux.HandleFunc("/confirmar-codigo", server.confirmCodeHandler)
	mux.HandleFunc("/send-message", server.sendMessageHandler)
	mux.HandleFunc("/status/", server.statusHandler)
	mux.HandleFunc("/received-messages", server.receivedMessagesHandler)
	mux.HandleFunc("/health", server.healthHandler)

	server.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           cors.AllowAll().Handler(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func IsServerClosed(err error) bool {
	return errors.Is(err, ErrServerClosed)
}

func (s *Server) startLoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload struct {
		Nome        string `json:"nome"`
		Webhook     string `json:"webhook"`
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	err := s.accounts.StartLogin(r.Context(), payload.Nome, payload.PhoneNumber, payload.Webhook)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrConflict):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "awaiting_code",
		"phoneNumber": payload.PhoneNumber,
	})
}

func (s *Server) confirmCodeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload struct {
		PhoneNumber string `json:"phoneNumber"`
		PhoneCode   string `json:"phoneCode"`
		Password    string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := s.accounts.ConfirmCode(r.Context(), payload.PhoneNumber, payload.PhoneCode, payload.Password)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrAuth):
			s.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	response := map[string]any{
		"status": result.Status,
		"nome":   result.Name,
	}
	if s.cfg.ExposeSessionString && result.Status == "connected" {
		response["sessionString"] = result.SessionToken
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload struct {
		Nome    string `json:"nome"`
		Number  string `json:"number"`
		UserID  any    `json:"userId"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	userID, _ := parseInt64Any(payload.UserID)
	err := s.accounts.SendMessage(r.Context(), payload.Nome, payload.Number, userID, payload.Message)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotFound):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": true,
		"msg":    "Mensagem enviada com sucesso",
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/status/")
	if name == "" || strings.Contains(name, "/") {
		s.writeError(w, http.StatusNotFound, "account not found")
		return
	}

	status, err := s.accounts.GetStatus(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"nome":        status.Name,
		"conectado":   status.Connected,
		"webhook":     status.WebhookURL,
		"isConfirmed": status.IsConfirmed,
	})
}

func (s *Server) receivedMessagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	messages := s.messages.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(messages),
		"mensagens": messages,
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	authenticated, pending := s.accounts.CountAuthenticated()
	response := map[string]any{
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"accounts": map[string]int{
			"authenticated": authenticated,
			"pending":       pending,
		},
	}

	if s.stats != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if stats, err := s.stats.DeliveryStats(ctx); err != nil {
			s.logger.Warn("delivery stats read failed", "error", err)
		} else {
			response["webhookDeliveries"] = stats
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

func parseInt64Any(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode json response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
