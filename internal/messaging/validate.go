package messaging

import "errors"

var errInvalidFrame = errors.New("invalid frame")

// validateFrame checks the inbound event schema and returns field-level
// error strings, empty when valid.
func validateFrame(payload map[string]interface{}) []string {
	var errs []string

	event, ok := payload["event"].(string)
	if !ok || event == "" {
		return []string{"event: required string field"}
	}

	switch event {
	case "ping":
	case "chat":
		if _, ok := payload["message"].(string); !ok {
			errs = append(errs, "message: required string field for chat events")
		}
	case "block":
		data, ok := payload["data"].(map[string]interface{})
		if !ok {
			errs = append(errs, "data: required object field for block events")
			break
		}
		if _, ok := data["block"]; !ok {
			errs = append(errs, "data.block: required field")
		}
		if _, ok := data["block_type"].(string); !ok {
			errs = append(errs, "data.block_type: required string field")
		}
	default:
		errs = append(errs, "event: must be one of chat, block, ping")
	}
	return errs
}
