package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/sjawhar/pepper/internal/backend"
	"github.com/sjawhar/pepper/internal/documents"
	"github.com/sjawhar/pepper/internal/env"
	"github.com/sjawhar/pepper/internal/presence"
	"github.com/sjawhar/pepper/internal/room"
	"github.com/sjawhar/pepper/internal/storage"
	"github.com/sjawhar/pepper/internal/transcript"
)

const maxUploadBytes = 64 << 20

var callIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type CallControl interface {
	Start(ctx context.Context, name, passcode string) error
	Stop(ctx context.Context) error
	ToggleMicrophone(ctx context.Context) (bool, error)
	SendTextMessage(ctx context.Context, text string) error
	State() (room.State, string)
	Credentials() (name, passcode string, ok bool)
}

type SessionView interface {
	Transcript() []transcript.Entry
	Presence() presence.Snapshot
}

type DocumentPanel interface {
	AddFiles(ctx context.Context, creds documents.Credentials, files []backend.File) []documents.File
	RemoveFile(ctx context.Context, creds documents.Credentials, id string) bool
	Files() []documents.File
}

type CallArchive interface {
	ListCalls(limit int) ([]storage.Call, error)
	GetCall(id string) (storage.Call, error)
	GetEntries(callID string) ([]transcript.Entry, error)
}

type EnvironmentToggle interface {
	Current() env.Environment
	Toggle() env.Environment
}

// API bundles what the HTTP surface drives. Nil members disable their
// routes' behavior with a 503.
type API struct {
	Calls       CallControl
	Session     SessionView
	Documents   DocumentPanel
	Archive     CallArchive
	Environment EnvironmentToggle
	// Defaults supplies credentials when a request carries none.
	Defaults func() (name, passcode string)
}

type callRequest struct {
	Name     string `json:"name"`
	Passcode string `json:"passcode"`
}

type messageRequest struct {
	Text string `json:"text"`
}

func registerAPIRoutes(mux *http.ServeMux, api API) {
	mux.HandleFunc("GET /api/state", func(w http.ResponseWriter, r *http.Request) {
		if api.Session == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "session view not configured")
			return
		}
		writeJSON(w, http.StatusOK, api.Session.Presence())
	})

	mux.HandleFunc("GET /api/transcript", func(w http.ResponseWriter, r *http.Request) {
		if api.Session == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "session view not configured")
			return
		}
		entries := api.Session.Transcript()
		if entries == nil {
			entries = []transcript.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	})

	mux.HandleFunc("POST /api/call", func(w http.ResponseWriter, r *http.Request) {
		if api.Calls == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "calls not configured")
			return
		}
		var req callRequest
		if err := decodeOptionalJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
			return
		}
		name, passcode := strings.TrimSpace(req.Name), strings.TrimSpace(req.Passcode)
		if name == "" && passcode == "" && api.Defaults != nil {
			name, passcode = api.Defaults()
		}

		// The call outlives the request that started it.
		if err := api.Calls.Start(context.WithoutCancel(r.Context()), name, passcode); err != nil {
			writeJSONError(w, startErrorStatus(err), startErrorMessage(api.Calls, err))
			return
		}
		writeState(w, api)
	})

	mux.HandleFunc("POST /api/hangup", func(w http.ResponseWriter, r *http.Request) {
		if api.Calls == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "calls not configured")
			return
		}
		if err := api.Calls.Stop(context.WithoutCancel(r.Context())); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, room.ErrInvalidState) {
				status = http.StatusConflict
			}
			writeJSONError(w, status, err.Error())
			return
		}
		writeState(w, api)
	})

	mux.HandleFunc("POST /api/mute", func(w http.ResponseWriter, r *http.Request) {
		if api.Calls == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "calls not configured")
			return
		}
		muted, err := api.Calls.ToggleMicrophone(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
	})

	mux.HandleFunc("POST /api/message", func(w http.ResponseWriter, r *http.Request) {
		if api.Calls == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "calls not configured")
			return
		}
		var req messageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
			return
		}
		err := api.Calls.SendTextMessage(r.Context(), req.Text)
		var sendErr *room.SendError
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, room.ErrNotConnected):
			writeJSONError(w, http.StatusConflict, err.Error())
		case errors.As(err, &sendErr):
			writeJSONError(w, http.StatusBadGateway, err.Error())
		default:
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
	})

	mux.HandleFunc("GET /api/documents", func(w http.ResponseWriter, r *http.Request) {
		if api.Documents == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "documents not configured")
			return
		}
		writeJSON(w, http.StatusOK, nonNilFiles(api.Documents.Files()))
	})

	mux.HandleFunc("POST /api/documents", func(w http.ResponseWriter, r *http.Request) {
		if api.Documents == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "documents not configured")
			return
		}
		creds, ok := documentCredentials(api)
		if !ok {
			writeJSONError(w, http.StatusBadRequest, room.StatusMissingCredentials)
			return
		}

		files, err := readUploadedFiles(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		accepted := api.Documents.AddFiles(r.Context(), creds, files)
		if len(accepted) == 0 {
			writeJSONError(w, http.StatusUnsupportedMediaType, "only PDF files are accepted")
			return
		}
		writeJSON(w, http.StatusAccepted, accepted)
	})

	mux.HandleFunc("DELETE /api/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		if api.Documents == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "documents not configured")
			return
		}
		creds, _ := documentCredentials(api)
		if !api.Documents.RemoveFile(r.Context(), creds, r.PathValue("id")) {
			writeJSONError(w, http.StatusNotFound, "document not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/env/toggle", func(w http.ResponseWriter, r *http.Request) {
		if api.Environment == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "environment not configured")
			return
		}
		if api.Calls != nil {
			if state, _ := api.Calls.State(); state != room.StateIdle {
				writeJSONError(w, http.StatusConflict, "hang up before switching environment")
				return
			}
		}
		next := api.Environment.Toggle()
		writeJSON(w, http.StatusOK, map[string]string{"environment": string(next)})
	})

	mux.HandleFunc("GET /api/calls", func(w http.ResponseWriter, r *http.Request) {
		if api.Archive == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "archive not configured")
			return
		}
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}
		calls, err := api.Archive.ListCalls(limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list calls: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, calls)
	})

	mux.HandleFunc("GET /api/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		if api.Archive == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "archive not configured")
			return
		}
		callID := r.PathValue("id")
		if !callIDPattern.MatchString(callID) {
			writeJSONError(w, http.StatusForbidden, "invalid call id")
			return
		}

		call, err := api.Archive.GetCall(callID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get call: %v", err))
			return
		}
		entries, err := api.Archive.GetEntries(callID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get call entries: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"call":    call,
			"entries": entries,
		})
	})
}

func writeState(w http.ResponseWriter, api API) {
	if api.Session != nil {
		writeJSON(w, http.StatusOK, api.Session.Presence())
		return
	}
	state, status := api.Calls.State()
	writeJSON(w, http.StatusOK, map[string]string{"state": string(state), "status": status})
}

func startErrorStatus(err error) int {
	var authErr *backend.AuthError
	switch {
	case errors.Is(err, room.ErrMissingCredentials):
		return http.StatusBadRequest
	case errors.Is(err, room.ErrInvalidState):
		return http.StatusConflict
	case errors.As(err, &authErr):
		if authErr.Status == http.StatusUnauthorized || authErr.Status == http.StatusForbidden {
			return authErr.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// startErrorMessage prefers the status line the controller settled on,
// which is the verbatim failure shown to the user.
func startErrorMessage(calls CallControl, err error) string {
	if errors.Is(err, room.ErrInvalidState) {
		return err.Error()
	}
	if _, status := calls.State(); status != "" {
		return status
	}
	return err.Error()
}

func documentCredentials(api API) (documents.Credentials, bool) {
	if api.Calls != nil {
		if name, passcode, ok := api.Calls.Credentials(); ok {
			return documents.Credentials{Name: name, Passcode: passcode}, true
		}
	}
	if api.Defaults != nil {
		name, passcode := api.Defaults()
		if strings.TrimSpace(name) != "" && strings.TrimSpace(passcode) != "" {
			return documents.Credentials{Name: name, Passcode: passcode}, true
		}
	}
	return documents.Credentials{}, false
}

func readUploadedFiles(r *http.Request) ([]backend.File, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, fmt.Errorf("parse upload: %w", err)
	}
	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		return nil, errors.New("no file parts in upload")
	}

	files := make([]backend.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		files = append(files, backend.FileFromBytes(fh.Filename, fh.Header.Get("Content-Type"), data))
	}
	return files, nil
}

func decodeOptionalJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func nonNilFiles(files []documents.File) []documents.File {
	if files == nil {
		return []documents.File{}
	}
	return files
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
