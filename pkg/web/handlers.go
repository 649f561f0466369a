package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ritzau/nucleus-tracker/pkg/experiment"
	"github.com/ritzau/nucleus-tracker/pkg/logging"
	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/pubsub"
	"github.com/ritzau/nucleus-tracker/pkg/tracks"
)

// TrackView is the JSON form of a track. IDs are valid until the next edit.
type TrackView struct {
	ID        int              `json:"id"`
	Start     int              `json:"start_time_point"`
	End       int              `json:"end_time_point"`
	Positions []model.Position `json:"positions"`
	Previous  []int            `json:"previous"`
	Next      []int            `json:"next"`
	Divides   bool             `json:"divides"`
}

// LineageView is a root track with every track descending from it.
type LineageView struct {
	Root        TrackView         `json:"root"`
	Descendants []TrackView       `json:"descendants"`
	Metadata    metadata.Document `json:"metadata,omitempty"`
}

// LinkView is a link with its metadata.
type LinkView struct {
	Source   model.Position    `json:"source"`
	Target   model.Position    `json:"target"`
	Metadata metadata.Document `json:"metadata,omitempty"`
}

type linkRequest struct {
	Source model.Position `json:"source"`
	Target model.Position `json:"target"`
}

type positionRequest struct {
	Position model.Position `json:"position"`
	Metadata map[string]any `json:"metadata"`
}

type moveRequest struct {
	From model.Position `json:"from"`
	To   model.Position `json:"to"`
}

func trackView(t tracks.Track) TrackView {
	v := TrackView{
		ID:        int(t.ID()),
		Start:     t.MinTime(),
		End:       t.MaxTime(),
		Positions: t.Positions(),
		Previous:  []int{},
		Next:      []int{},
		Divides:   t.WillDivide(),
	}
	for _, p := range t.Previous() {
		v.Previous = append(v.Previous, int(p.ID()))
	}
	for _, n := range t.Next() {
		v.Next = append(v.Next, int(n.ID()))
	}
	return v
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	summaries := []experiment.Summary{}
	for _, sess := range s.Sessions() {
		_ = sess.Read(func(e *experiment.Experiment) error {
			summaries = append(summaries, e.Summarize())
			return nil
		})
	}
	writeJSON(w, r, http.StatusOK, summaries)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(e *experiment.Experiment) (any, error) {
		return e.Summarize(), nil
	})
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(e *experiment.Experiment) (any, error) {
		all := e.Tracks.AllTracks()
		out := make([]TrackView, 0, len(all))
		for _, t := range all {
			out = append(out, trackView(t))
		}
		return out, nil
	})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["track"])
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: track id: %v", model.ErrInvalidParameter, err))
		return
	}
	s.query(w, r, func(e *experiment.Experiment) (any, error) {
		t, ok := e.Tracks.Track(tracks.TrackID(id))
		if !ok {
			return nil, fmt.Errorf("track %d: %w", id, model.ErrNotFound)
		}
		return trackView(t), nil
	})
}

func (s *Server) handleLineages(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(e *experiment.Experiment) (any, error) {
		lineages := e.Lineages()
		out := make([]LineageView, 0, len(lineages))
		for _, l := range lineages {
			v := LineageView{
				Root:        trackView(l.Root),
				Descendants: make([]TrackView, 0, len(l.Descendants)),
				Metadata:    e.Tracks.LineageMetadata(l.Root),
			}
			for _, d := range l.Descendants {
				v.Descendants = append(v.Descendants, trackView(d))
			}
			out = append(out, v)
		}
		return out, nil
	})
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	lowOnly := false
	if q := r.URL.Query().Get("low_confidence"); q != "" {
		var err error
		if lowOnly, err = strconv.ParseBool(q); err != nil {
			writeError(w, r, fmt.Errorf("%w: low_confidence=%q", model.ErrInvalidParameter, q))
			return
		}
	}
	s.query(w, r, func(e *experiment.Experiment) (any, error) {
		links := e.Tracks.AllLinks()
		if lowOnly {
			links = e.LowConfidenceLinks()
		}
		out := make([]LinkView, 0, len(links))
		for _, l := range links {
			out = append(out, LinkView{
				Source:   l.Source,
				Target:   l.Target,
				Metadata: e.Tracks.LinkMetadata(l.Source, l.Target),
			})
		}
		return out, nil
	})
}

func (s *Server) handleAddLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	s.edit(w, r, &req, http.StatusCreated, func(sess *experiment.Session) (any, error) {
		if err := sess.AddLink(req.Source, req.Target); err != nil {
			return nil, err
		}
		return req, nil
	})
}

func (s *Server) handleRemoveLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	s.edit(w, r, &req, http.StatusNoContent, func(sess *experiment.Session) (any, error) {
		return nil, sess.RemoveLink(req.Source, req.Target)
	})
}

func (s *Server) handleAddPosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	s.edit(w, r, &req, http.StatusCreated, func(sess *experiment.Session) (any, error) {
		doc := make(metadata.Document, len(req.Metadata))
		for key, raw := range req.Metadata {
			v, err := metadata.FromAny(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: metadata %q: %v", model.ErrInvalidParameter, key, err)
			}
			doc[key] = v
		}
		if err := sess.AddPosition(req.Position, doc); err != nil {
			return nil, err
		}
		return req.Position, nil
	})
}

func (s *Server) handleMovePosition(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	s.edit(w, r, &req, http.StatusOK, func(sess *experiment.Session) (any, error) {
		if err := sess.MovePosition(req.From, req.To); err != nil {
			return nil, err
		}
		return req.To, nil
	})
}

func (s *Server) handleRemovePosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	s.edit(w, r, &req, http.StatusNoContent, func(sess *experiment.Session) (any, error) {
		return nil, sess.RemovePosition(req.Position)
	})
}

// handleRun starts a pipeline run in the background. Progress is published on
// the pipeline_status topic.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runner := s.currentRunner()
	if runner == nil {
		http.Error(w, "tracking is not available", http.StatusServiceUnavailable)
		return
	}
	sess, err := s.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := pubsub.PipelineStatus{Experiment: sess.ID(), State: "queued", Message: "run requested"}
	if err := s.publisher.PublishStatus(status); err != nil {
		logging.DebugContext(r.Context(), "pipeline status not published", "error", err)
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		// Failures are logged and published by the runner.
		_, _ = runner.Run(s.ctx, sess, "http request")
	}()
	writeJSON(w, r, http.StatusAccepted, status)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no database configured", http.StatusServiceUnavailable)
		return
	}
	s.query(w, r, func(e *experiment.Experiment) (any, error) {
		if err := s.store.Save(r.Context(), e); err != nil {
			return nil, fmt.Errorf("saving %s: %w", e.Name, err)
		}
		logging.InfoContext(r.Context(), "experiment saved", "experiment", e.Name)
		return e.Summarize(), nil
	})
}

// query runs fn on the experiment of the request under the read lock and
// writes its result.
func (s *Server) query(w http.ResponseWriter, r *http.Request, fn func(*experiment.Experiment) (any, error)) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var out any
	err = sess.Read(func(e *experiment.Experiment) error {
		var err error
		out, err = fn(e)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// edit decodes the request body into req and applies fn to the session.
func (s *Server) edit(w http.ResponseWriter, r *http.Request, req any, status int, fn func(*experiment.Session) (any, error)) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: request body: %v", model.ErrInvalidParameter, err))
		return
	}
	out, err := fn(sess)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, r, status, out)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.WarnContext(r.Context(), "writing response", "error", err)
	}
}

// statusOf maps error kinds to HTTP status codes.
func statusOf(err error) int {
	switch model.KindOf(err) {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConstraint:
		return http.StatusConflict
	case model.KindInputQuality:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logging.ErrorContext(r.Context(), "request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}
