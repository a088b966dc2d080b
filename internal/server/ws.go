package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/mpc-orchestrator/internal/catalog"
	"github.com/ChuLiYu/mpc-orchestrator/internal/notify"
	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// ============================================================================
// Analyst namespace - persistent duplex connection
// ============================================================================
//
// Every WebSocket message is a Frame. A client request carries an id and an
// event name; the server answers with a frame echoing the id, holding either
// data or error. Frames without an id are server pushes:
//
//   client → {"id":1,"event":"createAndJoinNewUcid","data":{"netconfigId":"demo"}}
//   server ← {"id":1,"event":"createAndJoinNewUcid","data":{"ucid":"..."}}
//   server ← {"event":"compilePhaseCompleted","data":{"ucid":"...","timings":12}}
//
// Requests on one connection are handled in arrival order. Pushes come from
// one forwarder goroutine per joined job; a single writer goroutine owns the
// socket. Each join gets its own generation, and a forwarder only pushes while
// its generation is still the joined one. Closing the connection detaches it
// from every joined job; a job left with no subscriber at all is closed.
//
// ============================================================================

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	outboxSize     = 64
)

// Frame is one message on an analyst connection.
type Frame struct {
	ID    uint64          `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *wireError      `json:"error,omitempty"`
}

// AnalystHandler serves the analyst namespace over WebSocket.
type AnalystHandler struct {
	orch     Orchestrator
	upgrader websocket.Upgrader
}

// NewAnalystHandler creates the namespace handler.
func NewAnalystHandler(orch Orchestrator) *AnalystHandler {
	return &AnalystHandler{
		orch: orch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *AnalystHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := &session{
		id:     notify.SubscriberID("ws-" + uuid.NewString()),
		ws:     ws,
		orch:   h.orch,
		out:    make(chan Frame, outboxSize),
		done:   make(chan struct{}),
		joined: make(map[types.JobID]uint64),
	}
	log.Info("Analyst connected", "conn", s.id, "remote", r.RemoteAddr)
	s.run(r.Context())
	log.Info("Analyst disconnected", "conn", s.id)
}

type session struct {
	id   notify.SubscriberID
	ws   *websocket.Conn
	orch Orchestrator
	out  chan Frame
	done chan struct{}

	mu      sync.Mutex
	current types.JobID
	joined  map[types.JobID]uint64 // job -> join generation
	gen     uint64

	forwarders sync.WaitGroup
}

func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.readLoop(ctx)

	// Disconnect: stop every forwarder, then the writer.
	s.mu.Lock()
	ids := make([]types.JobID, 0, len(s.joined))
	for id := range s.joined {
		ids = append(ids, id)
	}
	s.joined = make(map[types.JobID]uint64)
	s.mu.Unlock()
	close(s.done)
	for _, id := range ids {
		if s.orch.Detach(id, s.id) {
			log.Info("Closed job left without subscribers", "conn", s.id, "jobID", id)
		}
	}
	s.forwarders.Wait()
	<-writerDone
	s.ws.Close()
}

func (s *session) readLoop(ctx context.Context) {
	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req Frame
		if err := s.ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("Analyst read failed", "conn", s.id, "error", err)
			}
			return
		}
		s.handle(ctx, req)
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-s.out:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(f); err != nil {
				log.Debug("Analyst write failed", "conn", s.id, "error", err)
				// Unblock the reader so the session tears down.
				s.ws.Close()
				s.drain()
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.ws.Close()
				s.drain()
				return
			}
		case <-s.done:
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// drain discards frames until the session is done so senders never block.
func (s *session) drain() {
	for {
		select {
		case <-s.out:
		case <-s.done:
			return
		}
	}
}

func (s *session) send(f Frame) {
	select {
	case s.out <- f:
	case <-s.done:
	}
}

func (s *session) push(event string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Error("Failed to encode push", "event", event, "error", err)
		return
	}
	s.send(Frame{Event: event, Data: raw})
}

func (s *session) reply(req Frame, data interface{}, err error) {
	resp := Frame{ID: req.ID, Event: req.Event}
	if err != nil {
		resp.Error = newWireError(err)
	} else if raw, merr := json.Marshal(data); merr != nil {
		resp.Error = newWireError(merr)
	} else {
		resp.Data = raw
	}
	s.send(resp)
}

// ============================================================================
// Request dispatch
// ============================================================================

var errUnknownEvent = errors.New("unknown event")

type ucidRequest struct {
	UCID types.JobID `json:"ucid"`
}

type datasetQuery struct {
	OwnerID *int   `json:"ownerId"`
	Prefix  string `json:"prefix"`
}

func (s *session) handle(ctx context.Context, req Frame) {
	switch req.Event {
	case "createAndJoinNewUcid":
		var in struct {
			NetconfigID string `json:"netconfigId"`
		}
		if err := decode(req.Data, &in); err != nil {
			s.reply(req, nil, err)
			return
		}
		job, err := s.orch.CreateJob(ctx, in.NetconfigID)
		if err == nil {
			_, err = s.join(ctx, job.ID)
		}
		if err != nil {
			s.reply(req, nil, err)
			return
		}
		s.setCurrent(job.ID)
		s.reply(req, map[string]interface{}{"ucid": job.ID, "state": job.State}, nil)

	case "createNewComputation":
		s.submit(ctx, req)

	case "initiateCompilePhase":
		// Compile starts as soon as parameters validate; report where the job is.
		id, err := s.target(req.Data)
		var job types.Job
		if err == nil {
			job, err = s.orch.GetJob(ctx, id)
		}
		if err == nil && job.State == types.StateCreated {
			err = fmt.Errorf("%w: computation not submitted", types.ErrInvalidTransition)
		}
		s.reply(req, stateReply(job), err)

	case "joinUcid":
		id, err := s.target(req.Data)
		var job types.Job
		if err == nil {
			job, err = s.join(ctx, id)
		}
		if err == nil {
			s.setCurrent(id)
		}
		s.reply(req, map[string]interface{}{"ucid": id, "job": job}, err)

	case "leaveUcid":
		id, err := s.target(req.Data)
		var left bool
		if err == nil {
			left = s.leave(id)
		}
		s.reply(req, map[string]interface{}{"ucid": id, "left": left}, err)

	case "getComputation":
		id, err := s.target(req.Data)
		var job types.Job
		if err == nil {
			job, err = s.orch.GetJob(ctx, id)
		}
		s.reply(req, job, err)

	case "closeComputation":
		id, err := s.target(req.Data)
		var job types.Job
		if err == nil {
			job, err = s.orch.CloseJob(ctx, id)
		}
		s.reply(req, stateReply(job), err)

	case "listPrivateDatasets":
		var q datasetQuery
		if err := decode(req.Data, &q); err != nil {
			s.reply(req, nil, err)
			return
		}
		datasets, err := s.orch.ListDatasets(ctx, catalog.Filter{OwnerID: q.OwnerID, NamePrefix: q.Prefix})
		s.reply(req, datasets, err)

	case "listHeaders":
		var ref catalog.DatasetRef
		if err := decode(req.Data, &ref); err != nil {
			s.reply(req, nil, err)
			return
		}
		headers, err := s.orch.ListHeaders(ctx, ref)
		s.reply(req, headers, err)

	default:
		s.reply(req, nil, fmt.Errorf("%w: %q", errUnknownEvent, req.Event))
	}
}

// submit handles createNewComputation. The frame data is the parameter
// object; an optional "ucid" member selects the job, otherwise the job most
// recently created or joined on this connection is used. The outcome is both
// acknowledged and pushed as newComputationCreated.
func (s *session) submit(ctx context.Context, req Frame) {
	var params map[string]interface{}
	if err := decode(req.Data, &params); err != nil {
		s.reply(req, nil, err)
		return
	}

	id := s.currentJob()
	if raw, ok := params["ucid"]; ok {
		if str, ok := raw.(string); ok && str != "" {
			id = types.JobID(str)
		}
		delete(params, "ucid")
	}

	var job types.Job
	var err error
	if id == "" {
		err = fmt.Errorf("%w: no computation joined on this connection", types.ErrNotFound)
	} else {
		job, err = s.orch.SubmitComputation(ctx, id, params)
	}

	created := map[string]interface{}{"ucid": id}
	if err != nil {
		created["error"] = newWireError(err)
	}
	s.push("newComputationCreated", created)
	s.reply(req, stateReply(job), err)
}

func (s *session) join(ctx context.Context, id types.JobID) (types.Job, error) {
	s.mu.Lock()
	_, already := s.joined[id]
	s.mu.Unlock()
	if already {
		return s.orch.GetJob(ctx, id)
	}

	sub, job, err := s.orch.Subscribe(ctx, id, s.id)
	if err != nil {
		return types.Job{}, err
	}
	if job.Terminal() {
		s.orch.Unsubscribe(id, s.id)
		return job, nil
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.joined[id] = gen
	s.mu.Unlock()

	s.forwarders.Add(1)
	go s.forward(sub, gen)
	return job, nil
}

// forward pushes one job's events until the terminal event, unsubscribe, or
// the join it belongs to is no longer current.
func (s *session) forward(sub notify.Subscription, gen uint64) {
	defer s.forwarders.Done()
	for ev := range sub.C {
		if !s.pushJoined(sub.JobID, gen, ev) {
			return
		}
		if ev.Kind.Terminal() {
			s.leaveJoin(sub.JobID, gen)
			return
		}
	}
}

// pushJoined sends ev only while gen is the current join of id. The check
// and the send happen under mu so a leave cannot slip in between.
func (s *session) pushJoined(id types.JobID, gen uint64, ev types.Event) bool {
	raw, err := json.Marshal(eventPayload(ev))
	if err != nil {
		log.Error("Failed to encode push", "event", ev.Kind, "error", err)
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined[id] != gen {
		return false
	}
	s.send(Frame{Event: eventName(ev.Kind), Data: raw})
	return true
}

func (s *session) leave(id types.JobID) bool {
	return s.leaveJoin(id, 0)
}

// leaveJoin drops the join of id; a non-zero gen must match the current join.
func (s *session) leaveJoin(id types.JobID, gen uint64) bool {
	s.mu.Lock()
	cur, ok := s.joined[id]
	if ok && gen != 0 && cur != gen {
		ok = false
	}
	if ok {
		delete(s.joined, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.orch.Unsubscribe(id, s.id)
}

func (s *session) setCurrent(id types.JobID) {
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
}

func (s *session) currentJob() types.JobID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// target reads {"ucid": ...}, defaulting to the connection's current job.
func (s *session) target(data json.RawMessage) (types.JobID, error) {
	var in ucidRequest
	if err := decode(data, &in); err != nil {
		return "", err
	}
	if in.UCID == "" {
		in.UCID = s.currentJob()
	}
	if in.UCID == "" {
		return "", fmt.Errorf("%w: no ucid given", types.ErrNotFound)
	}
	return in.UCID, nil
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed request: %v", types.ErrValidationFailed, err)
	}
	return nil
}

func stateReply(job types.Job) map[string]interface{} {
	return map[string]interface{}{"ucid": job.ID, "state": job.State}
}
