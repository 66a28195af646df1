package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pomodex/sandboxd/pkg/types"
)

const sshUser = "agent"

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type createProjectRequest struct {
	Name string `json:"name"`
}

type validateRequest struct {
	Token     string `json:"token"`
	ProjectID string `json:"project_id"`
}

// projectDetail is the full project view. Terminal and SSH fields are
// present only while the project is running.
type projectDetail struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	TerminalURL  string     `json:"terminal_url,omitempty"`
	SSHHost      string     `json:"ssh_host,omitempty"`
	SSHPort      int        `json:"ssh_port,omitempty"`
	SSHUser      string     `json:"ssh_user,omitempty"`
	SSHKey       string     `json:"ssh_private_key,omitempty"`
	LastBackup   *time.Time `json:"last_backup_at,omitempty"`
	LastSnapshot *time.Time `json:"last_snapshot_at,omitempty"`
}

type projectSummary struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type backupStatus struct {
	LastBackupAt   *time.Time `json:"last_backup_at"`
	SnapshotImage  string     `json:"snapshot_image,omitempty"`
	LastSnapshotAt *time.Time `json:"last_snapshot_at"`
}

func (s *Server) projectView(p *types.Project) projectDetail {
	d := projectDetail{
		ID:           p.ID,
		Name:         p.Name,
		Status:       string(p.Status),
		CreatedAt:    p.CreatedAt,
		LastActiveAt: p.LastActiveAt,
		LastBackup:   p.LastBackupAt,
		LastSnapshot: p.LastSnapshotAt,
	}
	if p.Status == types.StatusRunning {
		d.TerminalURL = fmt.Sprintf("ws://%s:%d/terminal/%s",
			s.config.HostIP, s.config.TerminalProxyPort, p.ID)
		d.SSHHost = s.config.HostIP
		d.SSHPort = p.SSHHostPort
		d.SSHUser = sshUser
		d.SSHKey = p.SSHPrivateKey
	}
	return d
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "email and a password of at least 8 characters are required")
		return
	}
	user, err := s.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"user_id": user.ID.String(),
		"email":   user.Email,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pair, err := s.auth.Login(r.Context(), strings.TrimSpace(strings.ToLower(req.Email)), req.Password)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.controller.List(r.Context(), callerID(r))
	if err != nil {
		writeKindError(w, err)
		return
	}
	out := make([]projectSummary, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectSummary{
			ID:        p.ID,
			Name:      p.Name,
			Status:    string(p.Status),
			CreatedAt: p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	project, err := s.controller.Create(r.Context(), callerID(r), req.Name)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.projectView(project))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathProjectID(w, r)
	if !ok {
		return
	}
	project, err := s.controller.Get(r.Context(), projectID, callerID(r))
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.projectView(project))
}

func (s *Server) handleStartProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathProjectID(w, r)
	if !ok {
		return
	}
	project, err := s.controller.Start(r.Context(), projectID, callerID(r))
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.projectView(project))
}

func (s *Server) handleStopProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathProjectID(w, r)
	if !ok {
		return
	}
	project, err := s.controller.Stop(r.Context(), projectID, callerID(r))
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.projectView(project))
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathProjectID(w, r)
	if !ok {
		return
	}
	if err := s.controller.Delete(r.Context(), projectID, callerID(r)); err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleBackupStatus(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathProjectID(w, r)
	if !ok {
		return
	}
	project, err := s.controller.Get(r.Context(), projectID, callerID(r))
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backupStatus{
		LastBackupAt:   project.LastBackupAt,
		SnapshotImage:  project.SnapshotImage,
		LastSnapshotAt: project.LastSnapshotAt,
	})
}

// handleInternalValidate answers the terminal gateway: is this token
// allowed to attach to this project. Reached only through the
// shared-secret middleware.
func (s *Server) handleInternalValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project_id")
		return
	}
	userID, err := s.auth.VerifyProjectAccess(r.Context(), req.Token, projectID)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID.String()})
}

// pathProjectID parses {id} from the route; writes a 404 on garbage so
// malformed IDs and missing projects read the same.
func pathProjectID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}
	return id, true
}
