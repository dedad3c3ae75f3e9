package audit

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

// EncodeSnapshot serializes a snapshot for storage. A nil snapshot encodes
// to nil.
func EncodeSnapshot(s types.Snapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	pb, err := structpb.NewStruct(normalizeMap(s))
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return protojson.Marshal(pb)
}

// DecodeSnapshot is the inverse of EncodeSnapshot. Numbers come back as
// float64, which hashes identically to the integers they were written as.
func DecodeSnapshot(b []byte) (types.Snapshot, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var pb structpb.Struct
	if err := protojson.Unmarshal(b, &pb); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return types.Snapshot(pb.AsMap()), nil
}

// normalize converts named snapshot types into the plain maps and slices
// structpb accepts.
func normalize(v any) any {
	switch x := v.(type) {
	case types.Snapshot:
		if x == nil {
			return nil
		}
		return normalizeMap(x)
	case map[string]any:
		return normalizeMap(x)
	case []types.Snapshot:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}
