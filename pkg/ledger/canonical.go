package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// CanonicalJSON serializes a value deterministically: object keys sorted,
// no insignificant whitespace, numbers in their shortest form. Two values
// that compare equal always hash to the same bytes, which is what makes the
// chain reproducible across processes and store round-trips.
func CanonicalJSON(value any) ([]byte, error) {
	// Round-trip through encoding/json first so struct field order, tags and
	// omitempty behave exactly as the wire format does.
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}

	var builder strings.Builder
	if err := writeCanonical(&builder, decoded); err != nil {
		return nil, err
	}

	return []byte(builder.String()), nil
}

func writeCanonical(builder *strings.Builder, value any) error {
	switch v := value.(type) {
	case nil:
		builder.WriteString("null")
	case bool:
		builder.WriteString(strconv.FormatBool(v))
	case string:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}

		builder.Write(encoded)
	case float64:
		if math.Trunc(v) == v && math.Abs(v) < 1e15 {
			builder.WriteString(strconv.FormatInt(int64(v), 10))
		} else {
			builder.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
	case []any:
		builder.WriteByte('[')

		for i, item := range v {
			if i > 0 {
				builder.WriteByte(',')
			}

			if err := writeCanonical(builder, item); err != nil {
				return err
			}
		}

		builder.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		builder.WriteByte('{')

		for i, key := range keys {
			if i > 0 {
				builder.WriteByte(',')
			}

			encodedKey, err := json.Marshal(key)
			if err != nil {
				return err
			}

			builder.Write(encodedKey)
			builder.WriteByte(':')

			if err := writeCanonical(builder, v[key]); err != nil {
				return err
			}
		}

		builder.WriteByte('}')
	default:
		return fmt.Errorf("cannot canonicalize value of type %T", value)
	}

	return nil
}

// HashPayload returns the hex SHA-256 of a payload's canonical form.
func HashPayload(payload any) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:]), nil
}
