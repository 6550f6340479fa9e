package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"forgeline/internal/phase"
	"forgeline/internal/production"
)

type sessionPath struct {
	SessionID string `path:"session_id"`
}

type stateBody struct {
	Body phase.State `json:"body"`
}

// session looks up a session owned by the calling actor.
func (h handlers) session(ctx context.Context, id string) (*phase.Session, huma.StatusError) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	s, ok := h.sessions.Get(id)
	if !ok || s.ActorID != actorID {
		return nil, newAPIError(http.StatusNotFound, "not_found", "session not found", map[string]any{"session_id": id})
	}
	return s, nil
}

func (h handlers) registerSessions(api huma.API) {
	sessionErrors := []int{
		http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Open a lifecycle session",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, _ *struct{}) (*stateBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s := h.sessions.Create(actorID)
		return &stateBody{Body: s.State()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*stateBody, error) {
		s, serr := h.session(ctx, input.SessionID)
		if serr != nil {
			return nil, serr
		}
		return &stateBody{Body: s.State()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "close-session",
		Method:        http.MethodDelete,
		Path:          "/sessions/{session_id}",
		Summary:       "Close a session",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct{}, error) {
		if _, serr := h.session(ctx, input.SessionID); serr != nil {
			return nil, serr
		}
		h.sessions.Close(input.SessionID)
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-select-project",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/select",
		Summary:     "Select a project",
		Errors:      sessionErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string               `path:"session_id"`
		Body      SelectProjectRequest `json:"body"`
	}) (*stateBody, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		s, serr := h.session(ctx, input.SessionID)
		if serr != nil {
			return nil, serr
		}
		st, err := s.SelectProject(ctx, input.Body.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateBody{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-advance",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/advance",
		Summary:     "Move to the next phase when it is accessible",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionAdvanceResponse `json:"body"`
	}, error) {
		s, serr := h.session(ctx, input.SessionID)
		if serr != nil {
			return nil, serr
		}
		st, ok := s.Advance()
		return &struct {
			Body SessionAdvanceResponse `json:"body"`
		}{Body: SessionAdvanceResponse{State: st, Advanced: ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-goto",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/goto",
		Summary:     "Jump to an accessible phase",
		Errors:      sessionErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string           `path:"session_id"`
		Body      GoToPhaseRequest `json:"body"`
	}) (*stateBody, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		s, serr := h.session(ctx, input.SessionID)
		if serr != nil {
			return nil, serr
		}
		st, err := s.GoTo(input.Body.Index)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateBody{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-complete-bom",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/complete-bom",
		Summary:     "Finish the bill of materials",
		Errors:      sessionErrors,
	}, func(ctx context.Context, input *sessionPath) (*stateBody, error) {
		s, serr := h.session(ctx, input.SessionID)
		if serr != nil {
			return nil, serr
		}
		st, err := s.CompleteBOM(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateBody{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-complete-planning",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/complete-planning",
		Summary:     "Confirm the production plan and start manufacturing",
		Errors:      sessionErrors,
	}, func(ctx context.Context, input *sessionPath) (*stateBody, error) {
		s, serr := h.session(ctx, input.SessionID)
		if serr != nil {
			return nil, serr
		}
		st, err := s.CompletePlanning(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateBody{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-complete-stage",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/complete-stage",
		Summary:     "Complete a manufacturing stage",
		Errors:      sessionErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string                      `path:"session_id"`
		Body      CompleteSessionStageRequest `json:"body"`
	}) (*stateBody, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		s, serr := h.session(ctx, input.SessionID)
		if serr != nil {
			return nil, serr
		}
		st, err := s.CompleteStage(ctx, input.Body.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateBody{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-complete-production",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/complete-production",
		Summary:     "Pass quality control and issue the passport",
		Errors:      sessionErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string                    `path:"session_id"`
		Body      CompleteProductionRequest `json:"body"`
	}) (*stateBody, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		s, serr := h.session(ctx, input.SessionID)
		if serr != nil {
			return nil, serr
		}
		st, err := s.CompleteProduction(ctx, production.CompleteRequest(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &stateBody{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-abandon",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/abandon",
		Summary:     "Clear the selection and local progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*stateBody, error) {
		s, serr := h.session(ctx, input.SessionID)
		if serr != nil {
			return nil, serr
		}
		return &stateBody{Body: s.Abandon()}, nil
	})
}
