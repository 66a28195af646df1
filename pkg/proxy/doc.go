/*
Package proxy is the websocket terminal gateway.

A browser connects to /terminal/{project}?token={access_token}. The
gateway validates the token against the orchestrator's internal
validate route, resolves the project container's IP on its bridge
network, dials the ttyd endpoint inside the container, and relays
frames both ways until either side drops.

Rejections use application close codes so the frontend can tell them
apart: 4400 malformed request or missing token, 4401 unauthorized,
4502 PTY endpoint unreachable, 4503 container not running.

Everything the user types is written to the audit trail (structured
log plus a local bolt database, one bucket per project) before it is
forwarded. Output coming back from the container is not audited.

The gateway runs as its own process and shares nothing with the
orchestrator but the internal HTTP route and the Docker socket.
*/
package proxy
