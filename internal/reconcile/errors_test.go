package reconcile

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/recsync/internal/record"
)

func TestErrors_CodesAndMessages(t *testing.T) {
	cause := errors.New("eof")

	tests := []struct {
		name string
		err  error
		code ErrorCode
		msg  string
	}{
		{
			name: "timeout",
			err:  &TimeoutWaitingForIDsError{Missing: []string{"a", "b"}, Timeout: time.Second},
			code: ErrCodeTimeoutWaitingForIDs,
			msg:  "a, b",
		},
		{
			name: "kind",
			err:  &UnexpectedMutationKindError{Expected: record.MutationInsert, Got: record.MutationUpdate, Key: "k"},
			code: ErrCodeUnexpectedMutationKind,
			msg:  "expected insert mutation, got update",
		},
		{
			name: "subscription",
			err:  &SubscriptionError{Collection: "todos", Err: cause},
			code: ErrCodeSubscriptionFailed,
			msg:  `"todos"`,
		},
		{
			name: "schema",
			err:  &SchemaViolationError{Key: "k", Err: cause},
			code: ErrCodeSchemaViolation,
			msg:  "eof",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.Equal(t, tt.code, CodeOf(wrapped))
			assert.Contains(t, tt.err.Error(), string(tt.code))
			assert.Contains(t, tt.err.Error(), tt.msg)
		})
	}

	assert.Equal(t, ErrorCode(""), CodeOf(cause))
}

func TestErrors_Predicates(t *testing.T) {
	cause := errors.New("eof")
	sub := fmt.Errorf("start: %w", &SubscriptionError{Collection: "c", Err: cause})

	assert.True(t, IsSubscriptionError(sub))
	assert.ErrorIs(t, sub, cause)
	assert.False(t, IsTimeout(sub))
	assert.False(t, IsKindMismatch(sub))
	assert.False(t, IsSchemaViolation(sub))

	assert.True(t, IsTimeout(fmt.Errorf("x: %w", &TimeoutWaitingForIDsError{})))
	assert.True(t, IsKindMismatch(&UnexpectedMutationKindError{}))
	assert.True(t, IsSchemaViolation(&SchemaViolationError{Err: cause}))
}
