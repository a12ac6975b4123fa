package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/DisktroDrop/internal/metadata"
	"github.com/jaywantadh/DisktroDrop/internal/transfer"
)

// History lists completed transfers. *metadata.MetadataStore implements it.
type History interface {
	ListTransfers() ([]metadata.TransferRecord, error)
}

// StatusServer exposes active sessions and transfer history as JSON.
type StatusServer struct {
	progress *transfer.ProgressTracker
	history  History
	srv      *http.Server
}

// New builds a status server. Either source may be nil.
func New(addr string, progress *transfer.ProgressTracker, history History) *StatusServer {
	s := &StatusServer{progress: progress, history: history}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler routes /status and /history.
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/history", s.handleHistory)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *StatusServer) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err.Error(),
			}).Error("Status server stopped")
		}
	}()
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"address":  ln.Addr().String(),
	}).Info("Status server listening")
	return ln.Addr(), nil
}

// Shutdown stops the server gracefully.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type statusResponse struct {
	Active []transfer.TransferProgress `json:"active"`
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed!", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{Active: []transfer.TransferProgress{}}
	if s.progress != nil {
		resp.Active = append(resp.Active, s.progress.GetAllProgress()...)
	}
	writeJSON(w, resp)
}

func (s *StatusServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed!", http.StatusMethodNotAllowed)
		return
	}
	records := []metadata.TransferRecord{}
	if s.history != nil {
		list, err := s.history.ListTransfers()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleHistory",
				"error":    err.Error(),
			}).Error("Failed to list transfers")
			http.Error(w, "History unavailable", http.StatusInternalServerError)
			return
		}
		records = append(records, list...)
	}
	writeJSON(w, records)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err.Error(),
		}).Warn("Failed to write response")
	}
}
