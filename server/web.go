package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"

	"github.com/janelia-flyem/dcmseq/dcm"
	"github.com/janelia-flyem/dcmseq/pixel"
	"github.com/janelia-flyem/dcmseq/sequencer"
)

const webHelp = `
dcmseq HTTP API

GET  /api/help
	Returns this help.

GET  /api/server/info
	Returns JSON with the version, host and note of this server.

GET  /api/sessions
	Returns JSON progress of all sessions, oldest first.

POST /api/sessions
	Starts displaying a series.  The body is JSON {"study": "<uid>", "series": "<uid>"}.
	Returns JSON {"id": "<session id>", "total": <number of frames>}.

GET  /api/sessions/<id>/progress
	Returns JSON progress of a session.

GET  /api/sessions/<id>/image[?format=png|jpg:<quality>|tiff|bmp]
	Returns the most recently displayed frame of a session, PNG by default.
	Returns 204 if no frame has been displayed yet.

DELETE /api/sessions/<id>
	Cancels a session.
`

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	mux := web.New()
	mux.Use(middleware.EnvInit)
	mux.Use(middleware.RequestID)
	mux.Use(recoverer)
	if len(s.cfg.Server.AllowOrigins) != 0 {
		c := cors.New(cors.Options{
			AllowedOrigins:   s.cfg.Server.AllowOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		})
		mux.Use(c.Handler)
	}
	if s.authz != nil {
		mux.Use(s.authz.isAuthorized)
	}

	mux.Get(WebAPIPath+"help", helpHandler)
	mux.Get(WebAPIPath+"server/info", s.serverInfoHandler)
	mux.Get(WebAPIPath+"sessions", s.sessionsHandler)
	mux.Post(WebAPIPath+"sessions", s.startHandler)
	mux.Get(WebAPIPath+"sessions/:id/progress", s.progressHandler)
	mux.Get(WebAPIPath+"sessions/:id/image", s.imageHandler)
	mux.Delete(WebAPIPath+"sessions/:id", s.cancelHandler)
	mux.NotFound(notFoundHandler)
	return mux
}

// recoverer logs a panic in a handler and returns a 500 status.
func recoverer(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if e := recover(); e != nil {
				reqID := middleware.GetReqID(*c)
				dcm.Criticalf("panic in request %s %s: %v\n", reqID, r.URL.Path, e)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// httpError logs an error message and sends it with the given status.
func httpError(w http.ResponseWriter, r *http.Request, status int, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	errorMsg := fmt.Sprintf("ERROR: %s (%s).", message, r.URL.Path)
	dcm.Errorf("%s\n", errorMsg)
	http.Error(w, errorMsg, status)
}

// BadRequest writes a 400 status with an error message.
func BadRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	httpError(w, r, http.StatusBadRequest, format, args...)
}

// Unauthorized writes a 401 status with an error message.
func Unauthorized(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	httpError(w, r, http.StatusUnauthorized, format, args...)
}

// Forbidden writes a 403 status with an error message.
func Forbidden(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	httpError(w, r, http.StatusForbidden, format, args...)
}

// errorStatus maps a pipeline error to the status returned to the client.
func errorStatus(err error) int {
	var transportErr *dcm.TransportError
	switch {
	case errors.Is(err, ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, dcm.ErrAuthExpired), errors.Is(err, dcm.ErrNotSignedIn):
		return http.StatusUnauthorized
	case errors.As(err, &transportErr):
		if transportErr.StatusCode == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case errors.Is(err, dcm.ErrMalformedResponse), errors.Is(err, sequencer.ErrDuplicateTask):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func sendError(w http.ResponseWriter, r *http.Request, err error) {
	httpError(w, r, errorStatus(err), "%v", err)
}

func sendJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		dcm.Errorf("unable to send JSON for %s: %v\n", r.URL.Path, err)
	}
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	httpError(w, r, http.StatusNotFound, "no handler for %s %s", r.Method, r.URL.Path)
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, webHelp)
}

func (s *Server) serverInfoHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, r, http.StatusOK, map[string]interface{}{
		"version":  dcm.Version.String(),
		"host":     s.cfg.Server.Host,
		"note":     s.cfg.Server.Note,
		"sessions": len(s.Sessions()),
	})
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, r, http.StatusOK, s.Sessions())
}

type startRequest struct {
	Study  string `json:"study"`
	Series string `json:"series"`
}

func (s *Server) startHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "could not decode session request: %v", err)
		return
	}
	req.Study = strings.TrimSpace(req.Study)
	req.Series = strings.TrimSpace(req.Series)
	if req.Study == "" || req.Series == "" {
		BadRequest(w, r, "session request needs a study and series UID")
		return
	}
	user, _ := c.Env["user"].(string)
	series := dcm.Series{StudyUID: req.Study, SeriesUID: req.Series}
	session, total, err := s.StartSession(r.Context(), series, user)
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendJSON(w, r, http.StatusCreated, map[string]interface{}{"id": session.ID, "total": total})
}

func (s *Server) progressHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	entry, err := s.session(c.URLParams["id"])
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendJSON(w, r, http.StatusOK, entry.session.Progress())
}

func (s *Server) imageHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	entry, err := s.session(c.URLParams["id"])
	if err != nil {
		sendError(w, r, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "png"
	}
	if _, _, _, err := pixel.ParseFormat(format); err != nil {
		BadRequest(w, r, "%v", err)
		return
	}
	img, gray := entry.canvas.Current()
	if img == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var buf bytes.Buffer
	contentType, err := pixel.Encode(&buf, gray, format)
	if err != nil {
		sendError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Frame-ID", img.ID)
	if _, err := w.Write(buf.Bytes()); err != nil {
		dcm.Errorf("unable to send image %s: %v\n", img.ID, err)
	}
}

func (s *Server) cancelHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	id := c.URLParams["id"]
	if err := s.CancelSession(id); err != nil {
		sendError(w, r, err)
		return
	}
	user, _ := c.Env["user"].(string)
	s.activity.log(map[string]interface{}{
		"time":    time.Now().Unix(),
		"action":  "session-cancel",
		"session": id,
		"user":    user,
	})
	w.WriteHeader(http.StatusNoContent)
}
