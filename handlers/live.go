package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/highlight-pipeline/orchestrator/config"
	xerrors "github.com/highlight-pipeline/orchestrator/errors"
	"github.com/highlight-pipeline/orchestrator/log"
	"github.com/highlight-pipeline/orchestrator/middleware"
	"github.com/highlight-pipeline/orchestrator/progress"
)

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type liveFrame struct {
	Type      string        `json:"type"`
	JobID     string        `json:"job_id"`
	Progress  *liveProgress `json:"progress,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp *time.Time    `json:"timestamp,omitempty"`
}

type liveProgress struct {
	Stage      string   `json:"stage"`
	Percent    float64  `json:"percent"`
	Message    string   `json:"message"`
	ETASeconds *float64 `json:"eta_seconds,omitempty"`
}

type clientFrame struct {
	Type string `json:"type"`
}

// Live is the live subscriber surface: a gorilla/websocket upgrade
// handler at /api/jobs/:job_id/live?token=... that sends a connected frame,
// forwards every Progress Bus record for :job_id as a tagged JSON frame,
// answers client pings inline, and unsubscribes on any read/write/context
// failure.
func (c *Collection) Live() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		principal, err := middleware.AuthenticateQuery(req.URL.Query())
		if err != nil {
			xerrors.WriteHTTPUnauthorized(w, "missing or invalid token", err)
			return
		}

		jobID := ps.ByName("job_id")
		j, err := c.Store.GetJob(req.Context(), jobID)
		if err != nil {
			writeLookupError(w, err)
			return
		}
		if j.PrincipalID != principal {
			xerrors.WriteHTTPNotFound(w, "job not found", nil)
			return
		}

		conn, err := liveUpgrader.Upgrade(w, req, nil)
		if err != nil {
			log.LogError(jobID, "failed to upgrade live subscriber connection", err)
			return
		}
		defer conn.Close()

		records, unsubscribe := c.Bus.Subscribe(jobID)
		defer unsubscribe()

		if err := conn.WriteJSON(liveFrame{Type: "connected", JobID: jobID}); err != nil {
			return
		}

		clientDone := make(chan struct{})
		go c.readClientFrames(conn, clientDone)

		ctx := req.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-clientDone:
				return
			case rec, ok := <-records:
				if !ok {
					return
				}
				if err := c.writeRecord(conn, jobID, rec); err != nil {
					return
				}
				if rec.Kind == progress.RecordComplete || rec.Kind == progress.RecordError {
					return
				}
			}
		}
	}
}

// readClientFrames answers ping with pong inline and closes done on any
// read error (including a client-initiated close).
func (c *Collection) readClientFrames(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type == "ping" {
			if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
				return
			}
		}
	}
}

func (c *Collection) writeRecord(conn *websocket.Conn, jobID string, rec progress.Record) error {
	now := config.Clock.GetTime()
	switch rec.Kind {
	case progress.RecordComplete:
		return conn.WriteJSON(liveFrame{Type: "complete", JobID: jobID, Timestamp: &now})
	case progress.RecordError:
		return conn.WriteJSON(liveFrame{Type: "error", JobID: jobID, Error: rec.Message, Timestamp: &now})
	default:
		p := &liveProgress{Stage: rec.Stage, Percent: rec.Percent, Message: rec.Message}
		if rec.ETA != nil {
			seconds := rec.ETA.Seconds()
			p.ETASeconds = &seconds
		}
		return conn.WriteJSON(liveFrame{Type: "progress", JobID: jobID, Progress: p, Timestamp: &now})
	}
}
