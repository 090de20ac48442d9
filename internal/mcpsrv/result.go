package mcpsrv

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/srg/blemcp/internal/session"
)

// okResult serializes a success payload as {"ok":true, ...} in a single
// JSON text content.
func okResult(fields map[string]interface{}) (*mcp.CallToolResult, error) {
	payload := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["ok"] = true
	data, err := json.Marshal(payload)
	if err != nil {
		return errPayload(string(session.CodeInternal), "failed to serialize result"), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errPayload serializes a failure as {"ok":false,"error":{code,message}}.
// Tool failures are protocol-level successes; the ok flag carries the
// outcome.
func errPayload(code, message string) *mcp.CallToolResult {
	data, _ := json.Marshal(map[string]interface{}{
		"ok": false,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
	return mcp.NewToolResultText(string(data))
}

// errResult maps a session failure onto the wire taxonomy. Internal
// failures are logged server-side and reported without detail.
func (s *Server) errResult(err error) (*mcp.CallToolResult, error) {
	code := string(session.CodeOf(err))
	if detail := session.DetailOf(err); detail != "" {
		code = detail
	}
	msg := err.Error()
	var serr *session.Error
	if errors.As(err, &serr) {
		msg = serr.Msg
	}
	if session.CodeOf(err) == session.CodeInternal {
		s.logger.WithError(err).Error("Tool call failed")
		msg = "internal error"
	}
	return errPayload(code, msg), nil
}

// decodeValue extracts a binary payload from value_b64 or value_hex.
// Returns a ready error result when the payload is missing or malformed.
func decodeValue(req mcp.CallToolRequest) ([]byte, *mcp.CallToolResult) {
	b64 := req.GetString("value_b64", "")
	hexStr := req.GetString("value_hex", "")
	switch {
	case b64 == "" && hexStr == "":
		return nil, errPayload("missing_value", "provide value_b64 or value_hex")
	case b64 != "":
		v, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, errPayload("invalid_value", "value_b64 is not valid base64")
		}
		return v, nil
	default:
		cleaned := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hexStr)), "0x")
		v, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, errPayload("invalid_value", "value_hex is not valid hex")
		}
		return v, nil
	}
}

// valueFields encodes a binary payload in both transports plus its length.
func valueFields(v []byte) map[string]interface{} {
	return map[string]interface{}{
		"value_b64": base64.StdEncoding.EncodeToString(v),
		"value_hex": hex.EncodeToString(v),
		"value_len": len(v),
	}
}

// tsSeconds renders a timestamp as fractional seconds since the epoch, or
// nil for the zero time.
func tsSeconds(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// seconds converts a clamped timeout argument to a duration.
func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
