package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/agentstation/loom"
)

// ValidateSettings validates node settings against the type's schema.
func ValidateSettings(meta *NodeMetadata, settings loom.Settings) error {
	if len(meta.Settings) == 0 {
		return nil
	}
	if settings == nil {
		settings = loom.Settings{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(map[string]any(meta.Settings)),
		gojsonschema.NewGoLoader(map[string]any(settings)),
	)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", loom.ErrInvalidSettings, meta.Type, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s: %s", loom.ErrInvalidSettings, meta.Type, strings.Join(msgs, "; "))
	}
	return nil
}

// decodeSettings validates settings and copies them into dst, a pointer to a
// struct with json tags.
func decodeSettings(meta *NodeMetadata, settings loom.Settings, dst any) error {
	if err := ValidateSettings(meta, settings); err != nil {
		return err
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", loom.ErrInvalidSettings, meta.Type, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", loom.ErrInvalidSettings, meta.Type, err)
	}
	return nil
}

// textInput reads a string-valued input. A missing or nil value reads as "".
func textInput(inputs loom.Values, port string) (string, error) {
	v, ok := inputs[port]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: port %s carries %T, want text", loom.ErrInvalidInput, port, v)
	}
	return s, nil
}

// capabilityError wraps a failure from an external service so the retry
// policy can classify it. Context errors and typed capability errors pass
// through untouched. Rejected inputs such as an empty embedding are
// permanent.
func capabilityError(ctx context.Context, name string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var cerr *loom.CapabilityError
	if errors.As(err, &cerr) {
		return err
	}
	return &loom.CapabilityError{
		Capability: name,
		Err:        err,
		Permanent:  errors.Is(err, loom.ErrEmptyEmbedding),
	}
}

func unavailable(t loom.NodeType, capability string) error {
	return fmt.Errorf("%w: %s node needs %s", loom.ErrCapabilityUnavailable, t, capability)
}
