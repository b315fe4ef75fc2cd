package writeq

import (
	"errors"
	"testing"
)

func TestPayloadValidator(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	tests := []struct {
		name  string
		op    Operation
		valid bool
	}{
		{
			name:  "append row",
			op:    Operation{ID: "a", Kind: OpAppendRow, MaxAttempts: 6, Payload: appendPayload(1)},
			valid: true,
		},
		{
			name:  "update cell",
			op:    Operation{ID: "b", Kind: OpUpdateCell, MaxAttempts: 6, Payload: Payload{Backend: BackendREST, UserID: 1, RowNo: 2, Col: ColStatus, Value: "sent"}},
			valid: true,
		},
		{
			name:  "update cell clearing a value",
			op:    Operation{ID: "c", Kind: OpUpdateCell, MaxAttempts: 1, Payload: Payload{Backend: BackendTabular, UserID: 1, RowNo: 2, Col: 1}},
			valid: true,
		},
		{
			name: "append without values",
			op:   Operation{ID: "d", Kind: OpAppendRow, MaxAttempts: 6, Payload: Payload{Backend: BackendTabular, UserID: 1}},
		},
		{
			name: "update without row",
			op:   Operation{ID: "e", Kind: OpUpdateCell, MaxAttempts: 6, Payload: Payload{Backend: BackendTabular, UserID: 1, Col: 3}},
		},
		{
			name: "unknown backend",
			op:   Operation{ID: "f", Kind: OpAppendRow, MaxAttempts: 6, Payload: Payload{Backend: "ledger", UserID: 1, Values: []string{"x"}}},
		},
		{
			name: "unknown operation",
			op:   Operation{ID: "g", Kind: "delete_row", MaxAttempts: 6, Payload: appendPayload(1)},
		},
		{
			name: "zero budget",
			op:   Operation{ID: "h", Kind: OpAppendRow, Payload: appendPayload(1)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.op)
			if tt.valid {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrValidation) || !IsPermanent(err) {
				t.Fatalf("expected permanent validation error, got %v", err)
			}
		})
	}
}
