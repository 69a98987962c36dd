package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// HTTPConfig configures the upstream tracker client.
type HTTPConfig struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	MaxResponseBody int64
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPSource reads ticket entities from the tracker's JSON API.
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
	maxBody int64
}

// NewHTTPSource validates the base URL and builds the client.
func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid upstream base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
		maxBody: cfg.MaxResponseBody,
	}, nil
}

// Wire shapes of the tracker API.

type workItemDoc struct {
	Key      string `json:"key"`
	Summary  string `json:"summary"`
	Assignee string `json:"assignee"`
	Status   struct {
		Name     string `json:"name"`
		Category string `json:"category"`
	} `json:"status"`
}

type boardDoc struct {
	Columns map[string]struct {
		Cards []struct {
			Title    string `json:"title"`
			Subtasks []struct {
				ID             string `json:"id"`
				Key            string `json:"key"`
				Title          string `json:"title"`
				Status         string `json:"status"`
				StatusCategory string `json:"statusCategory"`
				Done           bool   `json:"done"`
			} `json:"subtasks"`
		} `json:"cards"`
	} `json:"columns"`
}

type scheduleDoc struct {
	Activities []schema.Activity `json:"activities"`
}

type transitionsDoc struct {
	Transitions []schema.Transition `json:"transitions"`
}

// GetWorkItem fetches the ticket itself.
func (s *HTTPSource) GetWorkItem(ctx context.Context, ticketKey string) (*schema.WorkItem, error) {
	var doc workItemDoc
	if err := s.getJSON(ctx, "/tickets/"+url.PathEscape(ticketKey), &doc); err != nil {
		return nil, err
	}
	return &schema.WorkItem{
		Key:            doc.Key,
		Summary:        doc.Summary,
		Status:         doc.Status.Name,
		StatusCategory: doc.Status.Category,
		Assignee:       doc.Assignee,
	}, nil
}

// ListSubtasks flattens the ticket's kanban board: every card subtask in
// every column, stamped with the column's step key and the card title.
// Column order is made deterministic by sorting step keys.
func (s *HTTPSource) ListSubtasks(ctx context.Context, ticketKey string) ([]schema.Subtask, error) {
	var doc boardDoc
	if err := s.getJSON(ctx, "/tickets/"+url.PathEscape(ticketKey)+"/board", &doc); err != nil {
		return nil, err
	}

	stepKeys := make([]string, 0, len(doc.Columns))
	for k := range doc.Columns {
		stepKeys = append(stepKeys, k)
	}
	sort.Strings(stepKeys)

	var out []schema.Subtask
	for _, stepKey := range stepKeys {
		col := doc.Columns[stepKey]
		for _, card := range col.Cards {
			for _, st := range card.Subtasks {
				out = append(out, schema.Subtask{
					ID:             st.ID,
					Key:            st.Key,
					Title:          st.Title,
					StepKey:        stepKey,
					CardTitle:      card.Title,
					Status:         st.Status,
					StatusCategory: st.StatusCategory,
					Done:           st.Done,
				})
			}
		}
	}
	return out, nil
}

// ListScheduleActivities fetches the ticket's schedule rows.
func (s *HTTPSource) ListScheduleActivities(ctx context.Context, ticketKey string) ([]schema.Activity, error) {
	var doc scheduleDoc
	if err := s.getJSON(ctx, "/tickets/"+url.PathEscape(ticketKey)+"/schedule", &doc); err != nil {
		return nil, err
	}
	return doc.Activities, nil
}

// ListStatusTransitions fetches the transitions currently available on the
// ticket, for the inspector's transition-action picker.
func (s *HTTPSource) ListStatusTransitions(ctx context.Context, ticketKey string) ([]schema.Transition, error) {
	var doc transitionsDoc
	if err := s.getJSON(ctx, "/tickets/"+url.PathEscape(ticketKey)+"/transitions", &doc); err != nil {
		return nil, err
	}
	return doc.Transitions, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return schema.NewError(schema.ErrCodeUpstream, "build upstream request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeUpstream, "upstream request %s failed", path).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return schema.NewErrorf(schema.ErrCodeNotFound, "upstream resource %s not found", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return schema.NewErrorf(schema.ErrCodeUpstream, "upstream %s returned %d", path, resp.StatusCode).
			WithDetails(map[string]any{"body": string(body)})
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, s.maxBody))
	if err := dec.Decode(out); err != nil {
		return schema.NewError(schema.ErrCodeUpstream, fmt.Sprintf("decode upstream response %s", path)).WithCause(err)
	}
	return nil
}
