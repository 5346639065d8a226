package canonical

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Canonical Serialization Module
//
// Everything downstream that needs "same input → same bytes" funnels through
// here: evidence fingerprints, scoring jitter, brief signatures, idempotency
// keys. The rules:
//
//   - Mapping keys are emitted in codepoint-sorted order.
//   - Ephemeral keys (leading underscore, plus a known audit-field set) and
//     unset values are dropped before hashing.
//   - Sequences are sorted by a deep total order so logically-equal sets in
//     any order digest identically. Ordered domains can opt out.
//   - Numbers are rounded to 10 fractional digits; -0 collapses to 0.
//   - Timestamps become ISO-8601 UTC strings.
//
// The output is valid JSON, so canonicalizing canonical bytes is a fixed
// point: parse → canonicalize → identical bytes.

// ErrUncanonicalizable is returned for values with no stable byte form,
// such as cyclic structures or channel/function fields.
var ErrUncanonicalizable = errors.New("canonical: value cannot be canonicalized")

// ephemeralKeys are dropped from every mapping before serialization.
// Keys with a leading underscore are dropped as well.
var ephemeralKeys = map[string]bool{
	"createdAt": true,
	"updatedAt": true,
	"requestId": true,
	"sessionId": true,
	"timestamp": true,
}

// Options controls canonicalization behavior.
type Options struct {
	// KeepSequenceOrder disables deep-sorting of sequences, for domains
	// where element order is semantically meaningful.
	KeepSequenceOrder bool
}

// omitted marks map entries that must not appear in the canonical form.
type omittedMarker struct{}

var omitted = omittedMarker{}

// Canonicalize returns the unique canonical byte form of value.
func Canonicalize(value any) ([]byte, error) {
	return CanonicalizeOpts(value, Options{})
}

// CanonicalizeOpts is Canonicalize with explicit options.
func CanonicalizeOpts(value any, opts Options) ([]byte, error) {
	node, err := normalize(reflect.ValueOf(value), opts, map[uintptr]bool{})
	if err != nil {
		return nil, err
	}
	if _, ok := node.(omittedMarker); ok {
		node = nil
	}
	var sb strings.Builder
	if err := encode(&sb, node); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// Digest returns the SHA-256 hex digest of the canonical form of value.
func Digest(value any) (string, error) {
	b, err := Canonicalize(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ShortID truncates a hex digest to its first 8 characters.
func ShortID(digest string) string {
	if len(digest) < 8 {
		return digest
	}
	return digest[:8]
}

// Signature computes the brief signature over
// evidenceDigest | templateVersion | preparedOnIso.
func Signature(evidenceDigest string, templateVersion int, preparedOnISO string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", evidenceDigest, templateVersion, preparedOnISO)))
	return hex.EncodeToString(sum[:])
}

var timeType = reflect.TypeOf(time.Time{})

// normalize converts an arbitrary value into the canonical tree:
// nil, bool, float64, string, []any (sorted) or map[string]any.
func normalize(rv reflect.Value, opts Options, seen map[uintptr]bool) (any, error) {
	if !rv.IsValid() {
		return omitted, nil
	}

	if rv.Type() == timeType {
		t := rv.Interface().(time.Time)
		if t.IsZero() {
			return omitted, nil
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	}

	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Kind() == reflect.Pointer {
			ptr := rv.Pointer()
			if seen[ptr] {
				return nil, fmt.Errorf("%w: cyclic reference", ErrUncanonicalizable)
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		return normalize(rv.Elem(), opts, seen)

	case reflect.Bool:
		return rv.Bool(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return roundNumber(float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return roundNumber(float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite number", ErrUncanonicalizable)
		}
		return roundNumber(f), nil

	case reflect.String:
		return rv.String(), nil

	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(rv.Bytes()), nil
		}
		ptr := rv.Pointer()
		if seen[ptr] {
			return nil, fmt.Errorf("%w: cyclic reference", ErrUncanonicalizable)
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		return normalizeSequence(rv, opts, seen)

	case reflect.Array:
		return normalizeSequence(rv, opts, seen)

	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		ptr := rv.Pointer()
		if seen[ptr] {
			return nil, fmt.Errorf("%w: cyclic reference", ErrUncanonicalizable)
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: non-string map key %s", ErrUncanonicalizable, rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			if isEphemeral(key) {
				continue
			}
			val, err := normalize(iter.Value(), opts, seen)
			if err != nil {
				return nil, err
			}
			if _, drop := val.(omittedMarker); drop {
				continue
			}
			out[key] = val
		}
		return out, nil

	case reflect.Struct:
		out := make(map[string]any)
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() {
				continue
			}
			name := jsonFieldName(field)
			if name == "" || isEphemeral(name) {
				continue
			}
			val, err := normalize(rv.Field(i), opts, seen)
			if err != nil {
				return nil, err
			}
			if _, drop := val.(omittedMarker); drop {
				continue
			}
			out[name] = val
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unsupported kind %s", ErrUncanonicalizable, rv.Kind())
	}
}

func normalizeSequence(rv reflect.Value, opts Options, seen map[uintptr]bool) (any, error) {
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		val, err := normalize(rv.Index(i), opts, seen)
		if err != nil {
			return nil, err
		}
		if _, drop := val.(omittedMarker); drop {
			val = nil
		}
		out = append(out, val)
	}
	if !opts.KeepSequenceOrder {
		sort.SliceStable(out, func(i, j int) bool { return deepLess(out[i], out[j]) })
	}
	return out, nil
}

func isEphemeral(key string) bool {
	return strings.HasPrefix(key, "_") || ephemeralKeys[key]
}

func jsonFieldName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	if tag != "" {
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		if tag != "" {
			return tag
		}
	}
	return field.Name
}

// roundNumber rounds to 10 fractional digits and normalizes -0 to 0.
func roundNumber(f float64) float64 {
	f = math.Round(f*1e10) / 1e10
	if f == 0 {
		return 0
	}
	return f
}

// typeRank orders canonical node types:
// null < bool < number < string < sequence < mapping.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case []any:
		return 4
	case map[string]any:
		return 5
	}
	return 6
}

// deepLess is the total order used to sort canonical sequences.
func deepLess(a, b any) bool {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra < rb
	}
	switch av := a.(type) {
	case nil:
		return false
	case bool:
		return !av && b.(bool)
	case float64:
		return av < b.(float64)
	case string:
		return av < b.(string)
	case []any:
		bv := b.([]any)
		for i := 0; i < len(av) && i < len(bv); i++ {
			if deepLess(av[i], bv[i]) {
				return true
			}
			if deepLess(bv[i], av[i]) {
				return false
			}
		}
		return len(av) < len(bv)
	case map[string]any:
		bv := b.(map[string]any)
		ak, bk := sortedKeys(av), sortedKeys(bv)
		for i := 0; i < len(ak) && i < len(bk); i++ {
			if ak[i] != bk[i] {
				return ak[i] < bk[i]
			}
			if deepLess(av[ak[i]], bv[bk[i]]) {
				return true
			}
			if deepLess(bv[bk[i]], av[ak[i]]) {
				return false
			}
		}
		return len(ak) < len(bk)
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// encode writes the canonical tree as deterministic JSON.
func encode(sb *strings.Builder, node any) error {
	switch v := node.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if v {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case float64:
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	case string:
		quoted, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUncanonicalizable, err)
		}
		sb.Write(quoted)
	case []any:
		sb.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := encode(sb, elem); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		sb.WriteByte('{')
		for i, key := range sortedKeys(v) {
			if i > 0 {
				sb.WriteByte(',')
			}
			quoted, err := json.Marshal(key)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrUncanonicalizable, err)
			}
			sb.Write(quoted)
			sb.WriteByte(':')
			if err := encode(sb, v[key]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("%w: unexpected node %T", ErrUncanonicalizable, node)
	}
	return nil
}
