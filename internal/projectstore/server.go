package projectstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/logger"
	"github.com/codefionn/pairspace/internal/protocol"
)

type ctxKey struct{}

// UserFrom returns the authenticated participant of a request handled by
// the server.
func UserFrom(ctx context.Context) (protocol.Participant, bool) {
	p, ok := ctx.Value(ctxKey{}).(protocol.Participant)
	return p, ok
}

// Server provides the HTTP interface of the project store
type Server struct {
	db  *Database
	log *logger.Logger
}

// NewServer creates a server backed by db.
func NewServer(db *Database, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global().WithPrefix("projectstore")
	}
	return &Server{db: db, log: log}
}

// Register adds the store's routes to router.
func (s *Server) Register(router *httprouter.Router) {
	router.GET("/health", s.handleHealth)

	router.POST("/users/register", s.handleRegister)
	router.GET("/users/profile", s.authed(s.handleProfile))
	router.GET("/users/all", s.authed(s.handleAllUsers))

	router.POST("/projects/create", s.authed(s.handleCreate))
	router.GET("/projects/all", s.authed(s.handleList))
	router.GET("/projects/get-project/:id", s.authed(s.handleGet))
	router.PUT("/projects/update-file-tree", s.authed(s.handleUpdateFileTree))
	router.PUT("/projects/add-user", s.authed(s.handleAddUser))
	router.PUT("/projects/remove-user", s.authed(s.handleRemoveUser))
	router.DELETE("/projects/delete/:id", s.authed(s.handleDelete))
}

// Handler returns a router serving only the store.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	s.Register(router)
	return router
}

// Authenticate resolves the bearer token of r.
func (s *Server) Authenticate(r *http.Request) (protocol.Participant, error) {
	token := bearerToken(r)
	if token == "" {
		return protocol.Participant{}, ErrForbidden
	}
	return s.db.UserByToken(r.Context(), token)
}

func (s *Server) authed(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		user, err := s.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)), ps)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	user, token, err := s.db.RegisterUser(r.Context(), req.Email)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	user, _ := UserFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleAllUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	user, _ := UserFrom(r.Context())
	users, err := s.db.AllUsers(r.Context(), user.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	user, _ := UserFrom(r.Context())
	project, err := s.db.CreateProject(r.Context(), req.Name, user)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info("user %s created project %s", user.ID, project.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"project": project})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	user, _ := UserFrom(r.Context())
	projects, err := s.db.ProjectsFor(r.Context(), user.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	project, ok := s.memberProject(w, r, ps.ByName("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

func (s *Server) handleUpdateFileTree(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		ProjectID string        `json:"projectId"`
		FileTree  filetree.Tree `json:"fileTree"`
	}
	if !decode(w, r, &req) {
		return
	}
	if _, ok := s.memberProject(w, r, req.ProjectID); !ok {
		return
	}
	if err := s.db.UpdateFileTree(r.Context(), req.ProjectID, req.FileTree); err != nil {
		s.fail(w, err)
		return
	}
	s.respondProject(w, r, req.ProjectID)
}

type usersRequest struct {
	ProjectID string   `json:"projectId"`
	Users     []string `json:"users"`
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req usersRequest
	if !decode(w, r, &req) {
		return
	}
	if _, ok := s.memberProject(w, r, req.ProjectID); !ok {
		return
	}
	if err := s.db.AddUsers(r.Context(), req.ProjectID, req.Users); err != nil {
		s.fail(w, err)
		return
	}
	s.respondProject(w, r, req.ProjectID)
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req usersRequest
	if !decode(w, r, &req) {
		return
	}
	project, ok := s.memberProject(w, r, req.ProjectID)
	if !ok {
		return
	}
	user, _ := UserFrom(r.Context())
	removable := protocol.RemovableBy(project, user.ID)
	for _, id := range req.Users {
		if !containsID(removable, id) {
			writeError(w, http.StatusForbidden, "user "+id+" cannot be removed")
			return
		}
	}
	if err := s.db.RemoveUsers(r.Context(), req.ProjectID, req.Users); err != nil {
		s.fail(w, err)
		return
	}
	s.respondProject(w, r, req.ProjectID)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	project, ok := s.memberProject(w, r, ps.ByName("id"))
	if !ok {
		return
	}
	user, _ := UserFrom(r.Context())
	if !protocol.CanDelete(project, user.ID) {
		writeError(w, http.StatusForbidden, "only the project owner can delete it")
		return
	}
	if err := s.db.DeleteProject(r.Context(), project.ID); err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info("user %s deleted project %s", user.ID, project.ID)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": project.ID})
}

// memberProject loads id and checks the caller belongs to it. It writes the
// error response itself.
func (s *Server) memberProject(w http.ResponseWriter, r *http.Request, id string) (protocol.Project, bool) {
	if strings.TrimSpace(id) == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return protocol.Project{}, false
	}
	project, err := s.db.GetProject(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return protocol.Project{}, false
	}
	user, _ := UserFrom(r.Context())
	if !protocol.IsMember(project, user.ID) {
		writeError(w, http.StatusForbidden, "not a member of this project")
		return protocol.Project{}, false
	}
	return project, true
}

func (s *Server) respondProject(w http.ResponseWriter, r *http.Request, id string) {
	project, err := s.db.GetProject(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		s.log.Error("request failed: %v", err)
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, consts.BufferSize1MB*16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	// browsers cannot set headers on websocket upgrades
	return r.URL.Query().Get("token")
}

func containsID(users []protocol.Participant, id string) bool {
	for _, u := range users {
		if u.ID == id {
			return true
		}
	}
	return false
}
