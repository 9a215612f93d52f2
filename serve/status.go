package serve

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// Status describes the running pipeline.
type Status struct {
	RunID    string   `json:"run_id"`
	Phase    string   `json:"phase"`
	Renderer string   `json:"renderer"`
	Capsules []string `json:"capsules"`

	FramesDelivered uint64 `json:"frames_delivered"`
	FramesDropped   uint64 `json:"frames_dropped"`
}

// StatusServer serves the current Status as JSON.
type StatusServer struct {
	Get func() Status
}

func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Get()); err != nil {
		log.WithField("addr", r.RemoteAddr).Errorf("Failed to write status: %v", err)
	}
}
