package gateway

import (
	"errors"
	"fmt"
	"io"

	"github.com/contextguard/contextguard/internal/audit"
	"github.com/contextguard/contextguard/internal/policy"
	"github.com/contextguard/contextguard/internal/transport"
)

// linePreviewBytes bounds how much of an unparseable line is echoed into
// parse-error events.
const linePreviewBytes = 100

// clientToServer consumes frames from the client stream. Each frame is
// forwarded to the child, or replaced by a synthetic -32000 error when
// policy blocks it. Returns when the client stream ends.
func (g *Gateway) clientToServer(clientIn io.Reader) {
	fr := transport.NewFrameReader(clientIn)
	for {
		line, err := fr.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				g.logger.Log(audit.EventServerError, audit.SeverityHigh, map[string]any{
					"direction": "client-to-server",
					"error":     err.Error(),
				})
			}
			return
		}
		if !g.handleClientFrame(line) {
			return
		}
	}
}

// handleClientFrame runs the client-to-server interception for one frame.
// Events for the frame are logged before any forward or block side-effect
// becomes observable. Returns false when the child's stdin is gone.
func (g *Gateway) handleClientFrame(line []byte) bool {
	msg, err := transport.Parse(line)
	if err != nil {
		// Opaque frame: log and forward byte-for-byte. Unparseable input
		// is the server's problem, not grounds for dropping bytes.
		g.logger.Log(audit.EventParseError, audit.SeverityMedium, map[string]any{
			"line": preview(line),
		})
		return g.forwardToChild(line)
	}

	g.logger.Log(audit.EventClientRequest, audit.SeverityLow, map[string]any{
		"method": msg.Method,
		"id":     msg.IDString(),
	})

	var violations []string
	if msg.Method == "tools/call" {
		violations = g.inspectToolCall(msg)
	}

	if len(violations) > 0 {
		g.logger.Log(audit.EventSecurityViolation, audit.SeverityCritical, map[string]any{
			"violations": violations,
			"message":    "Security violation detected in client request",
			"blocked":    true,
		})
		g.printViolationBlock("client request blocked", violations)

		if msg.HasID() {
			resp := transport.NewBlockResponse(msg, policy.RequestBlockedCode, policy.RequestBlockedMsg, violations)
			if err := g.clientOut.WriteLine(resp); err != nil {
				g.zl.Error().Err(err).Msg("writing synthetic error to client")
			}
		}
		// The child sees no byte of a blocked request.
		return true
	}

	return g.forwardToChild(line)
}

// inspectToolCall evaluates every policy check against a tools/call request
// and returns the accumulated violations. The rate-limit window records the
// call before the forwarding decision is finalized.
func (g *Gateway) inspectToolCall(msg *transport.Message) []string {
	eng := g.engine()
	toolName := msg.ToolName()

	var violations []string

	now := g.nowMillis()
	if !g.session.RecordToolCall(eng, now) {
		violations = append(violations, policy.RateLimitViolation)
		g.logger.Log(audit.EventRateLimitExceeded, audit.SeverityHigh, map[string]any{
			"id":       msg.IDString(),
			"toolName": toolName,
		})
	}

	// Checks run over the raw serialized params — no redaction or
	// truncation before inspection.
	params := string(msg.Params)
	violations = append(violations, eng.CheckPromptInjection(params)...)
	violations = append(violations, eng.CheckSensitiveData(params)...)
	for _, path := range msg.FilePathCandidates() {
		violations = append(violations, eng.CheckFileAccess(path)...)
	}
	violations = append(violations, eng.CheckBlockedPatterns(params)...)

	severity := audit.SeverityLow
	if len(violations) > 0 {
		severity = audit.SeverityHigh
	}
	g.logger.Log(audit.EventToolCall, severity, map[string]any{
		"toolName":      toolName,
		"hasViolations": len(violations) > 0,
		"violations":    violations,
	})

	return violations
}

// serverToClient consumes frames from the child's stdout. Responses that
// leak sensitive data are replaced by a synthetic -32001 error; everything
// else forwards untouched, in order. Returns when the child's stdout closes.
func (g *Gateway) serverToClient(serverOut io.Reader) {
	fr := transport.NewFrameReader(serverOut)
	for {
		line, err := fr.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				g.logger.Log(audit.EventServerError, audit.SeverityHigh, map[string]any{
					"direction": "server-to-client",
					"error":     err.Error(),
				})
			}
			return
		}
		if !g.handleServerFrame(line) {
			return
		}
	}
}

// handleServerFrame runs the server-to-client interception for one frame.
// Only the sensitive-data bank fires on responses.
func (g *Gateway) handleServerFrame(line []byte) bool {
	msg, err := transport.Parse(line)
	if err != nil {
		g.logger.Log(audit.EventServerParseError, audit.SeverityLow, map[string]any{
			"line": preview(line),
		})
		return g.forwardToClient(line)
	}

	// Scan the result when present, otherwise the whole message (covers
	// notifications and error responses from the child).
	scanned := string(line)
	if len(msg.Result) > 0 && string(msg.Result) != "null" {
		scanned = string(msg.Result)
	}

	violations := g.engine().CheckSensitiveData(scanned)
	if len(violations) > 0 {
		g.logger.Log(audit.EventSensitiveDataLeak, audit.SeverityCritical, map[string]any{
			"violations": violations,
			"responseId": msg.IDString(),
		})
		g.printViolationBlock("server response blocked", violations)

		if msg.HasID() {
			resp := transport.NewBlockResponse(msg, policy.ResponseBlockedCode, policy.ResponseBlockedMsg, violations)
			if err := g.clientOut.WriteLine(resp); err != nil {
				g.zl.Error().Err(err).Msg("writing synthetic error to client")
				return false
			}
		}
		// The original response bytes never reach the client.
		return true
	}

	g.logger.Log(audit.EventServerResponse, audit.SeverityLow, map[string]any{
		"id": msg.IDString(),
	})
	return g.forwardToClient(line)
}

// forwardToChild writes the original frame to the child's stdin. A write
// failure means the child is gone; the pipeline stops and the exit path
// reports it.
func (g *Gateway) forwardToChild(line []byte) bool {
	if err := g.childIn.WriteLine(line); err != nil {
		g.zl.Error().Err(err).Msg("forwarding to MCP server")
		return false
	}
	return true
}

// forwardToClient writes the original frame to the client's stdout.
func (g *Gateway) forwardToClient(line []byte) bool {
	if err := g.clientOut.WriteLine(line); err != nil {
		g.zl.Error().Err(err).Msg("forwarding to client")
		return false
	}
	return true
}

// printViolationBlock writes the user-visible warning block to stderr.
func (g *Gateway) printViolationBlock(heading string, violations []string) {
	fmt.Fprintf(g.errW, "contextguard: %s\n", heading)
	for _, v := range violations {
		fmt.Fprintf(g.errW, "contextguard:   - %s\n", v)
	}
}

// preview returns the first 100 bytes of a line for parse-error events.
func preview(line []byte) string {
	if len(line) > linePreviewBytes {
		return string(line[:linePreviewBytes])
	}
	return string(line)
}
