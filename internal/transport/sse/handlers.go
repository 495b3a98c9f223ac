package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stackcast/internal/config"
	"stackcast/internal/process"
	"stackcast/internal/pubsub"
	"stackcast/internal/stacks"
	"stackcast/internal/storage"
	"stackcast/pkg/logx"
)

const defaultHeartbeat = 15 * time.Second

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /api/subscribe", s.withAuth(s.handleSubscribe))
	mux.HandleFunc("GET /api/topics", s.withAuth(s.handleTopics))
	mux.HandleFunc("GET /api/stats", s.withAuth(s.handleStats))
	mux.HandleFunc("GET /api/batch-config", s.withAuth(s.handleGetBatchConfig))
	mux.HandleFunc("POST /api/batch-config", s.withAuth(s.handleBatchConfig))
	mux.HandleFunc("POST /api/flush", s.withAuth(s.handleFlush))
	mux.HandleFunc("POST /api/cleanup", s.withAuth(s.handleCleanup))

	mux.HandleFunc("POST /api/processes/{name}/input", s.withAuth(s.handleInput))
	mux.HandleFunc("POST /api/processes/{name}/resize", s.withAuth(s.handleResize))

	mux.HandleFunc("GET /api/runs", s.withAuth(s.handleRuns))

	mux.HandleFunc("GET /api/stacks", s.withAuth(s.handleStacks))
	mux.HandleFunc("GET /api/stacks/{name}", s.withAuth(s.handleStack))
	mux.HandleFunc("POST /api/stacks/{name}/{action}", s.withAuth(s.handleAction))
	mux.HandleFunc("GET /api/stacks/{name}/logs", s.withAuth(s.handleLogs))
	mux.HandleFunc("GET /api/stacks/{name}/services/{service}/exec", s.withAuth(s.handleExec))

	if s.cfg.Pprof {
		s.mountPprof(mux)
	}
	return mux
}

// ---- streams ----

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	c := s.newClient()
	defer c.Disconnect()

	first := replayFrame{Topic: topic}
	attached := false
	if name, ok := strings.CutPrefix(topic, "terminal:"); ok && s.deps.Processes != nil {
		if p, ok := s.deps.Processes.Get(name); ok {
			buf, err := p.Attach(c)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			first.Process, first.Buffer = name, buf
			attached = true
		}
	}
	if !attached {
		if err := s.deps.Publisher.Subscribe(topic, c); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var extra []pubsub.Message
	if topic == stacks.Topic && s.deps.Stacks != nil {
		extra = append(extra, pubsub.Message{Topic: topic, Event: string(pubsub.KindStackList), Data: s.deps.Stacks.List()})
	}
	s.stream(w, r, c, first, extra...)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	st, ok := s.stack(w, r)
	if !ok {
		return
	}
	c := s.newClient()
	defer c.Disconnect()

	buf, err := st.JoinLogs(c)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer st.LeaveLogs(c)

	name := stacks.CombinedLogsName(st.Name())
	s.stream(w, r, c, replayFrame{Topic: process.Topic(name), Process: name, Buffer: buf})
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	st, ok := s.stack(w, r)
	if !ok {
		return
	}
	index := 0
	if raw := r.URL.Query().Get("index"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
			return
		}
		index = n
	}
	c := s.newClient()
	defer c.Disconnect()

	name, buf, err := st.JoinExec(r.PathValue("service"), r.URL.Query().Get("shell"), index, c)
	if err != nil {
		if errors.Is(err, stacks.ErrInvalidName) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.stream(w, r, c, replayFrame{Topic: process.Topic(name), Process: name, Buffer: buf})
}

// stream writes the replay frame and any extra messages, then forwards the
// client's queue until the request ends or the client overflows.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, c *Client, first replayFrame, extra ...pubsub.Message) {
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeFrame(w, "replay", first); err != nil {
		return
	}
	for _, m := range extra {
		if err := writeFrame(w, m.Event, m.Data); err != nil {
			return
		}
	}
	if err := rc.Flush(); err != nil {
		s.log.Debug("stream not flushable", logx.Err(err))
		return
	}

	hb := s.cfg.Heartbeat
	if hb <= 0 {
		hb = defaultHeartbeat
	}
	tick := time.NewTicker(hb)
	defer tick.Stop()

	log := s.log.With(logx.String("client", c.ID()), logx.String("topic", first.Topic))
	log.Debug("stream opened")
	defer log.Debug("stream closed")

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.overflow:
			return
		case <-tick.C:
			if err := writeComment(w, "ping"); err != nil {
				return
			}
		case m := <-c.queue:
			if err := writeFrame(w, m.Event, m.Data); err != nil {
				return
			}
			// drain what is already queued before flushing
			for n := len(c.queue); n > 0; n-- {
				m = <-c.queue
				if err := writeFrame(w, m.Event, m.Data); err != nil {
					return
				}
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// ---- broker admin ----

func (s *Server) handleTopics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"topics": s.deps.Publisher.Topics()})
}

type statsView struct {
	Publisher  pubsub.Stats   `json:"publisher"`
	Processes  *process.Stats `json:"processes,omitempty"`
	Supervisor any            `json:"supervisor,omitempty"`
	Monitor    *MonitorState  `json:"monitor,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	v := statsView{Publisher: s.deps.Publisher.Stats()}
	if s.deps.Processes != nil {
		ps := s.deps.Processes.Stats()
		v.Processes = &ps
	}
	if s.deps.Supervisor != nil {
		v.Supervisor = s.deps.Supervisor()
	}
	if s.deps.Monitor != nil {
		m := s.deps.Monitor()
		v.Monitor = &m
	}
	writeJSON(w, http.StatusOK, v)
}

type batchConfigView struct {
	MaxBatchSize   int   `json:"maxBatchSize"`
	BatchTimeoutMS int64 `json:"batchTimeout"`
	Enabled        bool  `json:"enableBatch"`
}

func viewBatchConfig(c pubsub.BatchConfig) batchConfigView {
	return batchConfigView{
		MaxBatchSize:   c.MaxBatchSize,
		BatchTimeoutMS: c.BatchTimeout.Milliseconds(),
		Enabled:        c.Enabled,
	}
}

func (s *Server) handleGetBatchConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewBatchConfig(s.deps.Publisher.BatchConfig()))
}

func (s *Server) handleBatchConfig(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if err := decodeBody(w, r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	patch, err := parseBatchPatch(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Publisher.UpdateBatchConfig(patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewBatchConfig(s.deps.Publisher.BatchConfig()))
}

// parseBatchPatch accepts maxBatchSize as an integer, batchTimeout as
// milliseconds or a duration string, and enableBatch (alias
// enableOptimization) as a boolean.
func parseBatchPatch(raw map[string]json.RawMessage) (pubsub.BatchPatch, error) {
	var patch pubsub.BatchPatch
	if v, ok := raw["maxBatchSize"]; ok {
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			return patch, fmt.Errorf("maxBatchSize must be an integer")
		}
		patch.MaxBatchSize = &n
	}
	if v, ok := raw["batchTimeout"]; ok {
		d, err := parseTimeout(v)
		if err != nil {
			return patch, err
		}
		patch.BatchTimeout = &d
	}
	for _, key := range []string{"enableBatch", "enableOptimization"} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return patch, fmt.Errorf("%s must be a boolean", key)
		}
		patch.Enabled = &b
	}
	return patch, nil
}

func parseTimeout(v json.RawMessage) (time.Duration, error) {
	var ms float64
	if err := json.Unmarshal(v, &ms); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("batchTimeout must be positive")
		}
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	var str string
	if err := json.Unmarshal(v, &str); err != nil {
		return 0, fmt.Errorf("batchTimeout must be milliseconds or a duration string")
	}
	d, err := config.ParseDurationField("batchTimeout", str)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("batchTimeout must be positive")
	}
	return d, nil
}

func (s *Server) handleFlush(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"flushedCount": s.deps.Publisher.FlushAll()})
}

func (s *Server) handleCleanup(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleanedCount": s.deps.Publisher.CleanupInactive()})
}

// ---- processes ----

func (s *Server) process(w http.ResponseWriter, r *http.Request) (*process.Process, bool) {
	name := r.PathValue("name")
	if s.deps.Processes == nil {
		writeError(w, http.StatusNotFound, "unknown process")
		return nil, false
	}
	p, ok := s.deps.Processes.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown process "+strconv.Quote(name))
		return nil, false
	}
	return p, true
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	p, ok := s.process(w, r)
	if !ok {
		return
	}
	var body struct {
		Data string `json:"data"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch err := p.Write(body.Data); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, process.ErrNotInteractive):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, process.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	p, ok := s.process(w, r)
	if !ok {
		return
	}
	var body struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Cols < 0 || body.Rows < 0 {
		writeError(w, http.StatusBadRequest, "cols and rows must not be negative")
		return
	}
	p.Resize(body.Cols, body.Rows)
	w.WriteHeader(http.StatusNoContent)
}

// ---- history ----

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusNotFound, storage.ErrDisabled.Error())
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.deps.Runs.RecentRuns(r.Context(), r.URL.Query().Get("process"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// ---- stacks ----

func (s *Server) stack(w http.ResponseWriter, r *http.Request) (*stacks.Stack, bool) {
	if s.deps.Stacks == nil {
		writeError(w, http.StatusNotFound, "stacks are not configured")
		return nil, false
	}
	name := r.PathValue("name")
	if !stacks.ValidName(name) {
		writeError(w, http.StatusBadRequest, stacks.ErrInvalidName.Error())
		return nil, false
	}
	st, ok := s.deps.Stacks.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown stack "+strconv.Quote(name))
		return nil, false
	}
	return st, true
}

func (s *Server) handleStacks(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Stacks == nil {
		writeJSON(w, http.StatusOK, map[string]any{"stacks": []stacks.Summary{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stacks": s.deps.Stacks.List()})
}

type stackView struct {
	stacks.Summary
	Services      []string          `json:"services"`
	ServiceStatus map[string]string `json:"serviceStatus"`
}

func (s *Server) handleStack(w http.ResponseWriter, r *http.Request) {
	st, ok := s.stack(w, r)
	if !ok {
		return
	}
	v := stackView{Summary: st.Summary(), Services: []string{}}
	if svcs, err := st.ComposeServices(); err == nil {
		v.Services = svcs
	} else {
		s.log.Debug("compose services unavailable", logx.String("stack", st.Name()), logx.Err(err))
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	states, err := st.ServiceStates(ctx)
	if err != nil {
		s.log.Debug("compose ps failed", logx.String("stack", st.Name()), logx.Err(err))
	}
	v.ServiceStatus = states
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action, err := stacks.ParseAction(r.PathValue("action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, ok := s.stack(w, r)
	if !ok {
		return
	}

	// The operation outlives the request.
	done, err := st.Run(context.WithoutCancel(r.Context()), action, nil)
	if err != nil {
		if errors.Is(err, process.ErrBusy) {
			writeError(w, http.StatusConflict, "an operation is already running on "+st.Name())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	name := stacks.ActionProcessName(st.Name())
	resp := map[string]any{"process": name, "topic": process.Topic(name)}
	if r.URL.Query().Get("wait") == "" {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	select {
	case code := <-done:
		resp["exitCode"] = code
		writeJSON(w, http.StatusOK, resp)
	case <-r.Context().Done():
	}
}

// ---- helpers ----

const maxBody = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, maxBody)); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if buf.Len() == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
