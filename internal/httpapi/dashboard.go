package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>commitsync activity</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --line: #d7cbb3;
      --ok: #1f9d88;
      --warn: #e88a3d;
      --err: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .bar { display: flex; gap: 8px; align-items: center; margin-bottom: 14px; }
    input { flex: 1; padding: 8px; border: 1px solid var(--line); border-radius: 8px; font-family: monospace; }
    button { padding: 8px 14px; border: 0; border-radius: 8px; background: var(--ok); color: white; cursor: pointer; }
    #status { color: var(--muted); font-size: 0.9rem; }
    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    td.outcome-failed, td.outcome-rejected { color: var(--err); }
    td.outcome-skipped, td.outcome-unmapped, td.outcome-no_linked_item { color: var(--warn); }
    td.outcome-created, td.outcome-updated { color: var(--ok); }
  </style>
</head>
<body>
  <h1>commitsync activity</h1>
  <div class="bar">
    <input id="token" placeholder="bearer token with activity:read" />
    <button id="connect">Connect</button>
    <span id="status">disconnected</span>
  </div>
  <table>
    <thead><tr><th>at</th><th>source</th><th>event</th><th>outcome</th><th>task</th><th>issue</th><th>detail</th></tr></thead>
    <tbody id="rows"></tbody>
  </table>
  <script>
    (function () {
      const maxRows = 200;
      const dom = {
        token: document.getElementById("token"),
        connect: document.getElementById("connect"),
        status: document.getElementById("status"),
        rows: document.getElementById("rows"),
      };
      let socket = null;

      function cell(text, cls) {
        const td = document.createElement("td");
        td.textContent = text || "";
        if (cls) td.className = cls;
        return td;
      }

      function render(result) {
        const tr = document.createElement("tr");
        tr.appendChild(cell(new Date(result.at).toLocaleTimeString()));
        tr.appendChild(cell(result.source));
        tr.appendChild(cell(result.event));
        tr.appendChild(cell(result.outcome, "outcome-" + result.outcome));
        tr.appendChild(cell(result.taskId));
        tr.appendChild(cell(result.issueUrl));
        tr.appendChild(cell(result.detail));
        dom.rows.insertBefore(tr, dom.rows.firstChild);
        while (dom.rows.children.length > maxRows) {
          dom.rows.removeChild(dom.rows.lastChild);
        }
      }

      function connect() {
        if (socket) socket.close();
        const token = dom.token.value.trim();
        window.localStorage.setItem("commitsync_activity_token", token);
        const scheme = window.location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(scheme + window.location.host + "/v1/activity?access_token=" + encodeURIComponent(token));
        socket.onopen = function () { dom.status.textContent = "live"; };
        socket.onclose = function () { dom.status.textContent = "disconnected"; };
        socket.onmessage = function (msg) {
          try { render(JSON.parse(msg.data)); } catch (err) { dom.status.textContent = String(err); }
        };
      }

      dom.connect.addEventListener("click", connect);
      dom.token.value = window.localStorage.getItem("commitsync_activity_token") || "";
      if (dom.token.value) connect();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
