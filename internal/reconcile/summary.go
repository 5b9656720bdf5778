package reconcile

import (
	"sync"
	"time"
)

// Summary describes one reconciliation pass.
type Summary struct {
	PassID       string            `json:"passId"`
	StartedAt    time.Time         `json:"startedAt"`
	Duration     time.Duration     `json:"duration"`
	Clients      int               `json:"clients"`
	Live         int               `json:"live"`
	Examined     int               `json:"examined"`
	Classified   map[Category]int  `json:"classified"`
	Stuck        int               `json:"stuck"`
	ClientErrors map[string]string `json:"clientErrors,omitempty"`
	Errors       []string          `json:"errors,omitempty"`

	mu sync.Mutex
}

func newSummary(passID string, startedAt time.Time) *Summary {
	return &Summary{
		PassID:       passID,
		StartedAt:    startedAt,
		Classified:   make(map[Category]int),
		ClientErrors: make(map[string]string),
	}
}

func (s *Summary) count(c Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Classified[c]++
}

func (s *Summary) clientError(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClientErrors[name] = err.Error()
}

func (s *Summary) addError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, err.Error())
}
