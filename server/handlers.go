package server

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/jrsteele09/brewmate-auth/redirect"
)

type pageData struct {
	Title   string
	Message string
	Relay   bool
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p id="message">{{.Message}}</p>
{{if .Relay}}<script>
fetch("` + RouteAuthDeliver + `", {method: "POST", body: new URLSearchParams({url: window.location.href})})
  .then(function (r) { document.getElementById("message").textContent = r.ok ? "Signed in. You can close this window." : "Sign in failed. Return to Brewmate and try again."; });
</script>{{end}}
</body>
</html>
`))

// CallbackHandler receives the provider redirect. Query redirects are delivered
// directly; a redirect without a query may carry its tokens in the fragment, which
// only the browser sees, so the page posts its own URL back to RouteAuthDeliver.
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery == "" {
			s.render(w, http.StatusOK, pageData{Title: "Brewmate", Message: "Finishing sign in...", Relay: true})
			return
		}

		full := getScheme(r) + "://" + r.Host + r.URL.RequestURI()
		if err := s.deliverer.Deliver(full); err != nil {
			s.deliveryFailed(w, err)
			return
		}
		s.render(w, http.StatusOK, pageData{Title: "Brewmate", Message: "You can close this window and return to Brewmate."})
	}
}

// DeliverHandler accepts a redirect URL from the relay page or from another process
// the operating system handed a custom scheme link to.
func (s *Server) DeliverHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.FormValue("url")
		if raw == "" {
			http.Error(w, "missing url", http.StatusBadRequest)
			return
		}
		if err := s.deliverer.Deliver(raw); err != nil {
			s.deliveryFailed(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// CancelHandler abandons the sign in attempt in flight.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.deliverer.Cancel() {
			s.render(w, http.StatusConflict, pageData{Title: "Brewmate", Message: "There is no sign in to cancel."})
			return
		}
		s.render(w, http.StatusOK, pageData{Title: "Brewmate", Message: "Sign in cancelled. You can close this window."})
	}
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) deliveryFailed(w http.ResponseWriter, err error) {
	s.logger.Warn().Err(err).Msg("redirect delivery failed")
	status := http.StatusInternalServerError
	if errors.Is(err, redirect.ErrNotListening) || errors.Is(err, redirect.ErrDeliveryBacklog) {
		status = http.StatusServiceUnavailable
	}
	s.render(w, status, pageData{Title: "Brewmate", Message: "Sign in could not be completed. Return to Brewmate and try again."})
}

func (s *Server) render(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		s.logger.Err(err).Msg("rendering page")
	}
}
