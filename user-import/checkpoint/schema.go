package checkpoint

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

//go:embed schema.json
var schemaJSON []byte

// ValidateDocument checks a raw checkpoint document against the embedded
// JSON schema before it is unmarshaled, so a corrupted or foreign file fails
// with a clear message instead of surfacing as a zero-valued state.
func ValidateDocument(data []byte) error {
	schemaLoader := gojsonschema.NewBytesLoader(schemaJSON)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return utils.NewAppError(utils.ErrorTypeCheckpoint, "checkpoint is not valid JSON", err).WithRetry(false)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, verr := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", verr.Field(), verr.Description()))
	}
	return utils.NewAppError(utils.ErrorTypeCheckpoint,
		fmt.Sprintf("checkpoint does not match the expected schema: %s", strings.Join(problems, "; ")), nil).WithRetry(false)
}
