package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// TestContext is the map of finished scenario results passed to
// downstream scenarios and users.
type TestContext map[string]ScenarioResult

// EncodeContext serializes a test context to base64-encoded JSON for
// transport on worker command lines.
func EncodeContext(context TestContext) (string, error) {
	if context == nil {
		context = TestContext{}
	}

	b, err := json.Marshal(context)

	if err != nil {
		return "", fmt.Errorf("error encoding context: %w", err)
	}

	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeContext reverses EncodeContext.
func DecodeContext(encoded string) (TestContext, error) {
	b, err := base64.StdEncoding.DecodeString(encoded)

	if err != nil {
		return nil, fmt.Errorf("error decoding context: %w", err)
	}

	context := TestContext{}

	if err := json.Unmarshal(b, &context); err != nil {
		return nil, fmt.Errorf("error decoding context: %w", err)
	}

	return context, nil
}

// DefaultEncodedContext is the encoding of an empty context.
func DefaultEncodedContext() string {
	encoded, _ := EncodeContext(TestContext{})

	return encoded
}
