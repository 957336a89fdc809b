package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/orgmirror/orgmirror/internal/github"
	"github.com/orgmirror/orgmirror/internal/state"
)

// sideReport is the validation outcome for one side of a sync.
type sideReport struct {
	Login  string   `json:"login,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	OrgOK  bool     `json:"orgOk"`
	Errors []string `json:"errors,omitempty"`
}

// validationReport is the response body of the validate operation.
type validationReport struct {
	OK        bool        `json:"ok"`
	Source    sideReport  `json:"source"`
	Target    sideReport  `json:"target"`
	DeepCheck *deepReport `json:"deepCheck,omitempty"`
}

// deepReport is the optional git-protocol probe of one source repo.
type deepReport struct {
	Repo    string `json:"repo"`
	HeadRef string `json:"headRef,omitempty"`
	Refs    int    `json:"refs"`
	Error   string `json:"error,omitempty"`
}

// handleValidateSync checks both credentials (classic-PAT scope check),
// org existence and listing permission on both sides, and deep-probes
// one source repo over the git protocol when any are tracked. The
// response is 200 even when validation fails; OK carries the verdict.
func (s *Server) handleValidateSync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rv, err := s.store.RuntimeView(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	report := validationReport{
		Source: s.validateSide(r.Context(), rv.Sync.Source, rv.SourceToken),
		Target: s.validateSide(r.Context(), rv.Sync.Target, rv.TargetToken),
	}
	report.OK = len(report.Source.Errors) == 0 && len(report.Target.Errors) == 0

	if report.OK && s.prober != nil {
		if dr := s.deepCheck(r.Context(), rv); dr != nil {
			report.DeepCheck = dr
			if dr.Error != "" {
				report.OK = false
			}
		}
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) validateSide(ctx context.Context, ep state.Endpoint, token string) sideReport {
	var rep sideReport
	if token == "" {
		rep.Errors = append(rep.Errors, "no token configured")
		return rep
	}
	client, err := s.clients(ep, token)
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		return rep
	}

	info, err := client.ValidateToken(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, describeAuthError(err))
		return rep
	}
	rep.Login = info.Login
	rep.Scopes = info.Scopes

	if err := client.CheckOrg(ctx, ep.Org); err != nil {
		rep.Errors = append(rep.Errors, describeAuthError(err))
		return rep
	}
	rep.OrgOK = true
	return rep
}

func describeAuthError(err error) string {
	switch {
	case github.IsNotFound(err):
		return fmt.Sprintf("not found: %v", err)
	case github.IsAuthError(err):
		return fmt.Sprintf("authorization failed: %v", err)
	default:
		return err.Error()
	}
}

// deepCheck ls-remotes the first tracked source repo to prove the token
// can read actual git data, not just the API.
func (s *Server) deepCheck(ctx context.Context, rv state.RuntimeView) *deepReport {
	repos := s.store.ActiveReposBySync(rv.Sync.ID)
	if len(repos) == 0 {
		return nil
	}
	name := repos[0].Name

	host := rv.Sync.Source.HostLabel
	repoURL := fmt.Sprintf("https://%s/%s/%s.git", host, rv.Sync.Source.Org, name)
	dr := &deepReport{Repo: name}

	res, err := s.prober.LsRemote(ctx, repoURL, rv.SourceToken)
	if err != nil {
		dr.Error = err.Error()
		return dr
	}
	dr.HeadRef = res.HeadRef
	dr.Refs = res.RefCount
	return dr
}
