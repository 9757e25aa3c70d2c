package engine

import (
	"fmt"
	"strings"
)

// ModelIDScheme is the prefix of every normalized model identifier.
const ModelIDScheme = "flm://"

// FormatModelID builds the normalized id flm://{engine_id}/{model_name}.
// The model name is carried verbatim, including any :tag or owner/name
// form.
func FormatModelID(engineID, model string) string {
	return ModelIDScheme + engineID + "/" + model
}

// ParseModelID splits a normalized model id into engine id and
// engine-native model name. The grammar is strict: engine_id is
// [A-Za-z0-9._-]+, the model name is any non-empty path-safe sequence
// with no literal '?', '#' or space. Case-sensitive.
func ParseModelID(id string) (engineID, model string, err error) {
	rest, ok := strings.CutPrefix(id, ModelIDScheme)
	if !ok {
		return "", "", fmt.Errorf("model id %q: missing %s prefix", id, ModelIDScheme)
	}
	engineID, model, ok = strings.Cut(rest, "/")
	if !ok || engineID == "" || model == "" {
		return "", "", fmt.Errorf("model id %q: want flm://{engine_id}/{model_name}", id)
	}
	if !validEngineID(engineID) {
		return "", "", fmt.Errorf("model id %q: invalid engine id %q", id, engineID)
	}
	if strings.ContainsAny(model, "?# ") {
		return "", "", fmt.Errorf("model id %q: model name contains reserved characters", id)
	}
	return engineID, model, nil
}

// ModelName strips the flm://{engineID}/ prefix from id, checking that
// the embedded engine id agrees with engineID. Used by adapters and the
// service to reject mismatched requests before any network I/O.
func ModelName(id, engineID string) (string, error) {
	parsedEngine, model, err := ParseModelID(id)
	if err != nil {
		return "", err
	}
	if parsedEngine != engineID {
		return "", fmt.Errorf("model id %q addresses engine %q, request targets %q", id, parsedEngine, engineID)
	}
	return model, nil
}

func validEngineID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
