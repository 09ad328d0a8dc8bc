package identity

import "fmt"

// ClaimShapeError reports a custom claim whose value violates the shape
// contract enforced by ValidateCustomClaims. It names the offending key so
// hook authors can find the bad value.
type ClaimShapeError struct {
	Key    string
	Reason string
}

func (e *ClaimShapeError) Error() string {
	return fmt.Sprintf("custom claim %q: %s", e.Key, e.Reason)
}

// ValidateCustomClaims enforces the serializable-shallow-shape contract for
// custom claims: values must be JSON scalars, arrays of scalars, or a single
// level of nested object whose values are scalars or arrays of scalars.
// Functions, channels, deep nesting, or any other non-JSON value are rejected.
//
// The check runs before any token is minted and fails closed: a violation
// refuses issuance rather than silently truncating the payload.
func ValidateCustomClaims(claims map[string]any) error {
	for key, value := range claims {
		switch v := value.(type) {
		case nil, bool, string,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			// scalar, fine
		case []any:
			if err := validateScalarSlice(key, v); err != nil {
				return err
			}
		case map[string]any:
			if err := validateNestedObject(key, v); err != nil {
				return err
			}
		default:
			return &ClaimShapeError{Key: key, Reason: fmt.Sprintf("unsupported value type %T", value)}
		}
	}
	return nil
}

func validateScalarSlice(key string, values []any) error {
	for i, value := range values {
		if !isScalar(value) {
			return &ClaimShapeError{
				Key:    key,
				Reason: fmt.Sprintf("array element %d has unsupported type %T (arrays may only hold scalars)", i, value),
			}
		}
	}
	return nil
}

func validateNestedObject(key string, nested map[string]any) error {
	for nestedKey, value := range nested {
		switch v := value.(type) {
		case nil, bool, string,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		case []any:
			if err := validateScalarSlice(key+"."+nestedKey, v); err != nil {
				return err
			}
		case map[string]any:
			return &ClaimShapeError{
				Key:    key + "." + nestedKey,
				Reason: "nesting deeper than one level is not allowed",
			}
		default:
			return &ClaimShapeError{
				Key:    key + "." + nestedKey,
				Reason: fmt.Sprintf("unsupported value type %T", v),
			}
		}
	}
	return nil
}

func isScalar(value any) bool {
	switch value.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}
