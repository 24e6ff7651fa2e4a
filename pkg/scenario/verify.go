package scenario

import (
	"fmt"

	"github.com/cicadatesting/cicada/pkg/types"
)

// BasicVerification derives one error string per failed result,
// including the result's captured logs when present.
func BasicVerification(latest []types.Result) []string {
	var errorStrings []string

	for _, result := range latest {
		if result.Exception == nil {
			continue
		}

		errorString := fmt.Sprintf("* error: %s", *result.Exception)

		if result.Logs != "" {
			errorString += "\n" + result.Logs
		}

		errorStrings = append(errorStrings, errorString)
	}

	return errorStrings
}
