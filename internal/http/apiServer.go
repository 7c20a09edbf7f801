package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"palaver/internal/models"
	"palaver/internal/notify"
	"palaver/internal/ws"
)

type tokenVerifier interface {
	Verify(token string) (models.Identity, error)
}

type APIServer struct {
	server *http.Server
	logger *zap.SugaredLogger
	wg     sync.WaitGroup
}

func NewAPIServer(wsServer *ws.Server, verifier tokenVerifier, dispatcher *notify.Dispatcher, addr string, logger *zap.SugaredLogger) *APIServer {
	s := &APIServer{logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /api/push-subscribe", s.pushSubscribeHandler(verifier, dispatcher))

	if addr == "" {
		addr = ":8080"
	}
	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// pushSubscribeHandler registers a Web Push subscription for mention
// notifications, bound to the identity behind the bearer token.
func (s *APIServer) pushSubscribeHandler(verifier tokenVerifier, dispatcher *notify.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := verifier.Verify(r.Header.Get("token"))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var sub webpush.Subscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			http.Error(w, "Invalid subscription", http.StatusBadRequest)
			return
		}

		dispatcher.Subscribe(identity.UserID, sub)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *APIServer) Start() error {
	s.logger.Infow("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
