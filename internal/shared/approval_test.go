package shared

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestApprovalLogValidate(t *testing.T) {
	valid := ApprovalLog{Module: "payroll_entry", RefID: uuid.New(), ActorID: 7, Action: ApprovalReview}
	require.NoError(t, valid.Validate())

	cases := map[string]func(l *ApprovalLog){
		"module": func(l *ApprovalLog) { l.Module = "" },
		"actor":  func(l *ApprovalLog) { l.ActorID = 0 },
		"ref":    func(l *ApprovalLog) { l.RefID = uuid.Nil },
		"action": func(l *ApprovalLog) { l.Action = "SIGN" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			l := valid
			mutate(&l)
			require.ErrorIs(t, l.Validate(), ErrInvalidApproval)
		})
	}
}

func TestNormalizeIdempotencyKey(t *testing.T) {
	key, err := NormalizeIdempotencyKey("  abc-123 ")
	require.NoError(t, err)
	require.Equal(t, "abc-123", key)

	_, err = NormalizeIdempotencyKey("   ")
	require.ErrorIs(t, err, ErrInvalidIdempotencyKey)

	_, err = NormalizeIdempotencyKey(strings.Repeat("k", MaxIdempotencyKeyLength+1))
	require.ErrorIs(t, err, ErrInvalidIdempotencyKey)
}
