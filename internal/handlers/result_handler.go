package handlers

import (
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/common"
	"github.com/ternarybob/multitask/internal/interfaces"
	"github.com/ternarybob/multitask/internal/render"
)

// Result representation formats.
const (
	FormatJSON     = "json"
	FormatMarkdown = "md"
	FormatHTML     = "html"
	FormatSSE      = "sse"
	FormatWS       = "ws"
)

// ResultHandler serves group results in the negotiated representation.
type ResultHandler struct {
	groups interfaces.GroupStorage
	ledger interfaces.LedgerService
	auth   *AuthHandler
	live   *LiveHandler
	ws     *WSHandler
	config *common.Config
	logger arbor.ILogger
}

// NewResultHandler creates a new result handler
func NewResultHandler(storage interfaces.StorageManager, ledger interfaces.LedgerService, auth *AuthHandler, live *LiveHandler, ws *WSHandler, config *common.Config, logger arbor.ILogger) *ResultHandler {
	return &ResultHandler{
		groups: storage.GroupStorage(),
		ledger: ledger,
		auth:   auth,
		live:   live,
		ws:     ws,
		config: config,
		logger: logger,
	}
}

// ParseGroupPath splits a result path into group id and format. An explicit
// suffix wins; otherwise the Accept header decides, defaulting to markdown.
func ParseGroupPath(r *http.Request) (groupID, format string) {
	id := strings.TrimPrefix(r.URL.Path, "/")
	for _, f := range []string{FormatJSON, FormatMarkdown, FormatHTML, FormatSSE, FormatWS} {
		if strings.HasSuffix(id, "."+f) {
			return strings.TrimSuffix(id, "."+f), f
		}
	}
	return id, formatFromAccept(r.Header.Get("Accept"))
}

func formatFromAccept(accept string) string {
	switch {
	case accept == "":
		return FormatMarkdown
	case strings.Contains(accept, "text/html"):
		return FormatHTML
	case strings.Contains(accept, "text/markdown"):
		return FormatMarkdown
	case strings.Contains(accept, "text/event-stream"):
		return FormatSSE
	default:
		return FormatJSON
	}
}

// GetHandler handles GET /{id} with an optional format suffix.
func (h *ResultHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	groupID, format := ParseGroupPath(r)
	if groupID == "" {
		WriteError(w, http.StatusNotFound, "Task group not found")
		return
	}

	group, err := h.groups.GetGroup(r.Context(), groupID)
	if err != nil {
		if interfaces.IsNotFound(err) {
			WriteError(w, http.StatusNotFound, "Task group not found")
			return
		}
		h.logger.Error().Err(err).Str("group_id", groupID).Msg("Failed to load group")
		WriteError(w, http.StatusInternalServerError, "Failed to load group")
		return
	}

	if APIKeyFromRequest(r) != group.APIKey {
		h.writeUnauthorized(w, r, format)
		return
	}

	switch format {
	case FormatSSE:
		h.live.Serve(w, r, group)
		return
	case FormatWS:
		h.ws.Serve(w, r, group)
		return
	}

	view, err := h.ledger.View(r.Context(), group)
	if err != nil {
		h.logger.Error().Err(err).Str("group_id", groupID).Msg("Failed to assemble group view")
		WriteError(w, http.StatusInternalServerError, "Failed to assemble results")
		return
	}

	switch format {
	case FormatHTML:
		page, err := render.HTML(view)
		if err != nil {
			h.logger.Error().Err(err).Str("group_id", groupID).Msg("HTML rendering failed")
			WriteError(w, http.StatusInternalServerError, "Rendering failed")
			return
		}
		w.Header().Set("Content-Type", "text/html;charset=utf8")
		fmt.Fprint(w, page)
	case FormatMarkdown:
		w.Header().Set("Content-Type", "text/markdown;charset=utf8")
		fmt.Fprint(w, render.Markdown(view))
	default:
		w.Header().Set("Content-Type", "application/json;charset=utf8")
		WriteJSON(w, http.StatusOK, view)
	}
}

// writeUnauthorized answers a credential mismatch. Browser viewers get a
// page linking into the authorization flow; everything else gets JSON. The
// distinction from 404 is deliberate: the group exists, the credential is
// wrong.
func (h *ResultHandler) writeUnauthorized(w http.ResponseWriter, r *http.Request, format string) {
	if format == FormatSSE {
		h.live.ServeUnauthorized(w, r)
		return
	}
	if format == FormatWS {
		h.ws.ServeUnauthorized(w, r)
		return
	}
	if format == FormatHTML {
		w.Header().Set("Content-Type", "text/html;charset=utf8")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintf(w, unauthorizedPage, html.EscapeString(h.auth.AuthorizeURL(r)))
		return
	}
	WriteError(w, http.StatusUnauthorized, "API key does not match this task group")
}

const unauthorizedPage = `<!DOCTYPE html>
<html>
<head><title>Authorization Required</title></head>
<body style="font-family: system-ui; max-width: 40rem; margin: 4rem auto;">
<h1>Authorization required</h1>
<p>Your credential does not match the one that created this task group.</p>
<p><a href="%s">Authorize with Parallel</a></p>
</body>
</html>
`
