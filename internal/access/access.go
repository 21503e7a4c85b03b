// Package access decides whether a generation request may proceed.
//
// Decide is the single billing gate. Callers must not re-implement any part
// of the priority table.
package access

import "strings"

type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusNone     SubscriptionStatus = "none"
)

// ParseStatus maps provider status strings onto the known set. Anything
// unrecognized is treated as no subscription.
func ParseStatus(raw string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return StatusActive
	case "trialing", "trial":
		return StatusTrialing
	case "past_due", "pastdue", "unpaid":
		return StatusPastDue
	case "canceled", "cancelled", "incomplete_expired":
		return StatusCanceled
	default:
		return StatusNone
	}
}

type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonNoIdentity           Reason = "no_identity"
	ReasonNoSubscription       Reason = "no_subscription"
	ReasonSubscriptionInactive Reason = "subscription_inactive"
	ReasonNoCredits            Reason = "no_credits"
)

// Source names the balance expected to absorb the request.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourceQuota        Source = "quota"
	SourceCredits      Source = "credits"
)

type Input struct {
	HasIdentity      bool
	Status           SubscriptionStatus
	QuotaRemaining   int64
	CreditsRemaining int64
	// CreditsPurchased is true once the identity has ever bought credits.
	CreditsPurchased bool
}

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	Source  Source `json:"source,omitempty"`
}

// Decide evaluates, in order:
//  1. no identity denies with no_identity;
//  2. active or trialing always allows;
//  3. past_due allows only with pooled quota or credits left;
//  4. otherwise pooled quota or credits allow, and the denial reason is
//     no_credits for past buyers, no_subscription for everyone else.
func Decide(in Input) Decision {
	if !in.HasIdentity {
		return Decision{Reason: ReasonNoIdentity}
	}

	switch in.Status {
	case StatusActive, StatusTrialing:
		return Decision{Allowed: true, Source: SourceSubscription}
	case StatusPastDue:
		if src, ok := balanceSource(in); ok {
			return Decision{Allowed: true, Source: src}
		}
		return Decision{Reason: ReasonSubscriptionInactive}
	}

	if src, ok := balanceSource(in); ok {
		return Decision{Allowed: true, Source: src}
	}
	if in.CreditsPurchased {
		return Decision{Reason: ReasonNoCredits}
	}
	return Decision{Reason: ReasonNoSubscription}
}

func balanceSource(in Input) (Source, bool) {
	switch {
	case in.QuotaRemaining > 0:
		return SourceQuota, true
	case in.CreditsRemaining > 0:
		return SourceCredits, true
	}
	return "", false
}

// Message is the user-facing text for a denial reason.
func (r Reason) Message() string {
	switch r {
	case ReasonNoIdentity:
		return "This site is not connected to a license yet."
	case ReasonNoSubscription:
		return "No active subscription or remaining quota. Upgrade to continue."
	case ReasonSubscriptionInactive:
		return "Your subscription payment is past due and no quota remains."
	case ReasonNoCredits:
		return "You have used all purchased credits. Buy more credits to continue."
	default:
		return ""
	}
}
