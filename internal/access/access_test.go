package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want Decision
	}{
		{
			name: "no identity",
			in:   Input{Status: StatusActive, QuotaRemaining: 100},
			want: Decision{Reason: ReasonNoIdentity},
		},
		{
			name: "active with nothing left still allowed",
			in:   Input{HasIdentity: true, Status: StatusActive},
			want: Decision{Allowed: true, Source: SourceSubscription},
		},
		{
			name: "trialing",
			in:   Input{HasIdentity: true, Status: StatusTrialing},
			want: Decision{Allowed: true, Source: SourceSubscription},
		},
		{
			name: "past due with quota",
			in:   Input{HasIdentity: true, Status: StatusPastDue, QuotaRemaining: 1},
			want: Decision{Allowed: true, Source: SourceQuota},
		},
		{
			name: "past due with credits",
			in:   Input{HasIdentity: true, Status: StatusPastDue, CreditsRemaining: 5},
			want: Decision{Allowed: true, Source: SourceCredits},
		},
		{
			name: "past due exhausted",
			in:   Input{HasIdentity: true, Status: StatusPastDue, CreditsPurchased: true},
			want: Decision{Reason: ReasonSubscriptionInactive},
		},
		{
			name: "free pool with quota",
			in:   Input{HasIdentity: true, Status: StatusNone, QuotaRemaining: 10},
			want: Decision{Allowed: true, Source: SourceQuota},
		},
		{
			name: "canceled with credits",
			in:   Input{HasIdentity: true, Status: StatusCanceled, CreditsRemaining: 10, CreditsPurchased: true},
			want: Decision{Allowed: true, Source: SourceCredits},
		},
		{
			name: "canceled exhausted",
			in:   Input{HasIdentity: true, Status: StatusCanceled},
			want: Decision{Reason: ReasonNoSubscription},
		},
		{
			name: "credit buyer exhausted",
			in:   Input{HasIdentity: true, Status: StatusNone, CreditsPurchased: true},
			want: Decision{Reason: ReasonNoCredits},
		},
		{
			name: "negative balances do not grant",
			in:   Input{HasIdentity: true, QuotaRemaining: -5, CreditsRemaining: -1},
			want: Decision{Reason: ReasonNoSubscription},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.in))
		})
	}
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusActive, ParseStatus(" Active "))
	assert.Equal(t, StatusCanceled, ParseStatus("cancelled"))
	assert.Equal(t, StatusPastDue, ParseStatus("past_due"))
	assert.Equal(t, StatusNone, ParseStatus(""))
	assert.Equal(t, StatusNone, ParseStatus("paused"))
}

func TestReasonMessage(t *testing.T) {
	for _, r := range []Reason{ReasonNoIdentity, ReasonNoSubscription, ReasonSubscriptionInactive, ReasonNoCredits} {
		assert.NotEmpty(t, r.Message(), string(r))
	}
	assert.Empty(t, ReasonNone.Message())
}
