package activity

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// encodeActivity renders a as a protobuf Struct. Durations travel as
// nanoseconds and timestamps as RFC 3339 strings.
func encodeActivity(a Activity) ([]byte, error) {
	fields := make([]interface{}, len(a.ChangedFields))
	for i, f := range a.ChangedFields {
		fields[i] = f
	}

	s, err := structpb.NewStruct(map[string]interface{}{
		"kind":           string(a.Kind),
		"source":         a.Source,
		"transaction_id": a.TransactionID,
		"operation_id":   a.OperationID,
		"operation_type": a.OperationType,
		"trigger":        a.Trigger,
		"entity_type":    a.EntityType,
		"entity_id":      a.EntityID,
		"label":          a.Label,
		"status":         a.Status,
		"error":          a.Error,
		"changed_fields": fields,
		"duration_ns":    a.Duration.Nanoseconds(),
		"timestamp":      a.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build activity struct: %w", err)
	}

	return proto.Marshal(s)
}

func decodeActivity(data []byte) (Activity, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Activity{}, fmt.Errorf("failed to unmarshal activity: %w", err)
	}

	str := func(key string) string {
		return s.GetFields()[key].GetStringValue()
	}

	a := Activity{
		Kind:          Kind(str("kind")),
		Source:        str("source"),
		TransactionID: str("transaction_id"),
		OperationID:   str("operation_id"),
		OperationType: str("operation_type"),
		Trigger:       str("trigger"),
		EntityType:    str("entity_type"),
		EntityID:      str("entity_id"),
		Label:         str("label"),
		Status:        str("status"),
		Error:         str("error"),
		Duration:      time.Duration(int64(s.GetFields()["duration_ns"].GetNumberValue())),
	}

	for _, v := range s.GetFields()["changed_fields"].GetListValue().GetValues() {
		a.ChangedFields = append(a.ChangedFields, v.GetStringValue())
	}

	if ts := str("timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Activity{}, fmt.Errorf("invalid activity timestamp %q: %w", ts, err)
		}
		a.Timestamp = parsed
	}

	return a, nil
}
