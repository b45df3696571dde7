package ledger

import (
	"time"

	"keygate/internal/model"
)

// Count is one named bar in an analytics chart.
type Count struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// Summary aggregates a set of usage entries for the dashboard.
type Summary struct {
	TotalRequests       int        `json:"totalRequests"`
	RequestsPerEndpoint []Count    `json:"requestsPerEndpoint"`
	MethodCounts        []Count    `json:"methodCounts"`
	LastRequest         *time.Time `json:"lastRequest"`
}

// Summarize counts entries per endpoint (in first-seen order) and per
// method. GET and POST are always reported, other methods only when seen.
func Summarize(entries []model.UsageLogEntry) Summary {
	s := Summary{
		TotalRequests:       len(entries),
		RequestsPerEndpoint: make([]Count, 0),
		MethodCounts:        []Count{{Name: "GET"}, {Name: "POST"}},
	}

	endpointIdx := make(map[string]int)
	methodIdx := map[string]int{"GET": 0, "POST": 1}
	for _, e := range entries {
		i, ok := endpointIdx[e.Endpoint]
		if !ok {
			i = len(s.RequestsPerEndpoint)
			endpointIdx[e.Endpoint] = i
			s.RequestsPerEndpoint = append(s.RequestsPerEndpoint, Count{Name: e.Endpoint})
		}
		s.RequestsPerEndpoint[i].Value++

		j, ok := methodIdx[e.Method]
		if !ok {
			j = len(s.MethodCounts)
			methodIdx[e.Method] = j
			s.MethodCounts = append(s.MethodCounts, Count{Name: e.Method})
		}
		s.MethodCounts[j].Value++

		if s.LastRequest == nil || e.Timestamp.After(*s.LastRequest) {
			ts := e.Timestamp
			s.LastRequest = &ts
		}
	}
	return s
}
