package handlers

import (
	"html/template"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/common"
)

// PageHandler serves the submission form at the root path.
type PageHandler struct {
	config *common.Config
	logger arbor.ILogger
}

// NewPageHandler creates a new page handler
func NewPageHandler(config *common.Config, logger arbor.ILogger) *PageHandler {
	return &PageHandler{config: config, logger: logger}
}

var indexPage = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>Multitask</title>
  <style>
    body { font-family: ui-monospace, monospace; max-width: 760px; margin: 0 auto; padding: 24px; background: #fafafa; }
    label { display: block; margin-top: 16px; font-weight: bold; }
    textarea, input, select { width: 100%; padding: 8px; margin-top: 4px; font-family: inherit; box-sizing: border-box; }
    textarea { min-height: 120px; }
    button { margin-top: 20px; padding: 10px 24px; cursor: pointer; }
    #result { margin-top: 20px; white-space: pre-wrap; }
  </style>
</head>
<body>
  <h1>Multitask</h1>
  <p>Submit a batch of research tasks and get back one durable result URL.</p>
  <form id="submit-form">
    <label>API key</label>
    <input type="password" id="apiKey" placeholder="x-api-key" required>
    <label>Inputs (JSON array, or a URL to one)</label>
    <textarea id="inputs" placeholder='["What is the population of Berlin?", "What is the population of Oslo?"]' required></textarea>
    <label>Output type</label>
    <select id="outputType">
      <option value="json">json</option>
      <option value="text">text</option>
    </select>
    <label>Output description (optional)</label>
    <input type="text" id="outputDescription" placeholder="city name and population as a number">
    <label>Processor (optional)</label>
    <select id="processor">
      <option value="">auto</option>
      <option value="lite">lite</option>
      <option value="base">base</option>
      <option value="core">core</option>
      <option value="pro">pro</option>
      <option value="ultra">ultra</option>
    </select>
    <button type="submit">Submit</button>
  </form>
  <div id="result"></div>
  <script>
    document.getElementById('submit-form').addEventListener('submit', async function (event) {
      event.preventDefault();
      const out = document.getElementById('result');
      out.textContent = 'Submitting...';
      let inputs = document.getElementById('inputs').value.trim();
      try { inputs = JSON.parse(inputs); } catch (_) { /* keep as string: URL or JSON-encoded */ }
      const body = {
        inputs: inputs,
        output_type: document.getElementById('outputType').value,
      };
      const description = document.getElementById('outputDescription').value.trim();
      if (description) body.output_description = description;
      const processor = document.getElementById('processor').value;
      if (processor) body.processor = processor;
      const response = await fetch('/v1beta/tasks/multitask', {
        method: 'POST',
        headers: {
          'Content-Type': 'application/json',
          'x-api-key': document.getElementById('apiKey').value,
        },
        body: JSON.stringify(body),
      });
      const payload = await response.json();
      if (payload.url) {
        out.innerHTML = 'Results: <a href="' + payload.url + '.html">' + payload.url + '</a>';
      } else {
        out.textContent = JSON.stringify(payload, null, 2);
      }
    });
  </script>
</body>
</html>
`))

// IndexHandler handles GET /.
func (h *PageHandler) IndexHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	w.Header().Set("Content-Type", "text/html;charset=utf8")
	if err := indexPage.Execute(w, nil); err != nil {
		h.logger.Error().Err(err).Msg("Failed to render index page")
	}
}
