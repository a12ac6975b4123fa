package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ProgressTracker tracks the progress of active sessions
type ProgressTracker struct {
	transfers map[string]*TransferProgress
	mu        sync.RWMutex
}

// TransferProgress is the progress of a single session
type TransferProgress struct {
	SessionID      string    `json:"session_id"`
	FileName       string    `json:"file_name"`
	Transport      Transport `json:"transport"`
	Remote         string    `json:"remote"`
	State          string    `json:"state"`
	Chunks         int       `json:"chunks"`
	Bytes          int64     `json:"bytes"`
	StartTime      time.Time `json:"start_time"`
	LastUpdateTime time.Time `json:"last_update_time"`
	Speed          float64   `json:"speed"` // bytes per second
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		transfers: make(map[string]*TransferProgress),
	}
}

// StartTracking starts tracking a session
func (pt *ProgressTracker) StartTracking(s *Session) {
	if pt == nil {
		return
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()

	state, _, _ := s.Snapshot()
	pt.transfers[s.ID] = &TransferProgress{
		SessionID:      s.ID,
		FileName:       s.FileName,
		Transport:      s.Transport,
		Remote:         s.Remote,
		State:          state.String(),
		StartTime:      s.StartTime,
		LastUpdateTime: time.Now(),
	}
}

// Update copies the session's counters into its progress entry
func (pt *ProgressTracker) Update(s *Session) {
	if pt == nil {
		return
	}
	state, bytes, chunks := s.Snapshot()

	pt.mu.Lock()
	defer pt.mu.Unlock()

	progress, exists := pt.transfers[s.ID]
	if !exists {
		return
	}

	now := time.Now()
	progress.FileName = s.FileName
	progress.State = state.String()
	progress.Chunks = chunks
	progress.Bytes = bytes
	progress.LastUpdateTime = now

	if elapsed := now.Sub(progress.StartTime).Seconds(); elapsed > 0 {
		progress.Speed = float64(bytes) / elapsed
	}
}

// GetProgress gets a copy of the progress of a session
func (pt *ProgressTracker) GetProgress(sessionID string) (TransferProgress, bool) {
	if pt == nil {
		return TransferProgress{}, false
	}
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	progress, exists := pt.transfers[sessionID]
	if !exists {
		return TransferProgress{}, false
	}
	return *progress, true
}

// RemoveTransfer stops tracking a session
func (pt *ProgressTracker) RemoveTransfer(sessionID string) {
	if pt == nil {
		return
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()

	delete(pt.transfers, sessionID)
}

// GetAllProgress returns copies of every tracked entry
func (pt *ProgressTracker) GetAllProgress() []TransferProgress {
	if pt == nil {
		return nil
	}
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	result := make([]TransferProgress, 0, len(pt.transfers))
	for _, progress := range pt.transfers {
		result = append(result, *progress)
	}
	return result
}

// LogProgress logs the current progress of a session
func (pt *ProgressTracker) LogProgress(sessionID string) {
	progress, exists := pt.GetProgress(sessionID)
	if !exists {
		return
	}

	logrus.WithFields(logrus.Fields{
		"session_id": progress.SessionID,
		"file_name":  progress.FileName,
		"state":      progress.State,
		"chunks":     progress.Chunks,
		"bytes":      formatBytes(progress.Bytes),
		"speed":      formatBytes(int64(progress.Speed)) + "/s",
	}).Info("Transfer progress")
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// MonitorProgress logs every tracked session each interval until ctx is done
func (pt *ProgressTracker) MonitorProgress(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, progress := range pt.GetAllProgress() {
				pt.LogProgress(progress.SessionID)
			}
		}
	}
}
