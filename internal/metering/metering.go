// Package metering implements the credit cost model: word counting, the
// pre-flight admission estimate, and purchase-amount rounding. The estimate
// is a tunable business heuristic, so every knob lives on Policy.
package metering

import (
	"fmt"
	"unicode"
)

// Policy holds the admission heuristic parameters.
type Policy struct {
	ReplyMultiplier int
	MinReplyWords   int
	MaxReplyWords   int
	PurchaseRound   int64
	StartingGrant   int64
	VoiceMinimum    int64
	VoiceStartCost  int64
}

// DefaultPolicy mirrors production defaults: estimated reply is twice the
// input, clamped to [50, 500] words; purchases are suggested in blocks of
// 1000; new accounts start with 1000 credits.
func DefaultPolicy() Policy {
	return Policy{
		ReplyMultiplier: 2,
		MinReplyWords:   50,
		MaxReplyWords:   500,
		PurchaseRound:   1000,
		StartingGrant:   1000,
		VoiceMinimum:    100,
		VoiceStartCost:  50,
	}
}

// Decision is the outcome of an admission check. It is a pure read of the
// balance, never a reservation: settlement afterwards uses realized cost.
type Decision struct {
	Allowed           bool
	Balance           int64
	Required          int64
	Shortfall         int64
	SuggestedPurchase int64
}

// Message returns the user-facing explanation for a rejected decision.
func (d Decision) Message() string {
	return fmt.Sprintf("You need %d more credits to continue. Consider purchasing %d credits.",
		d.Shortfall, d.SuggestedPurchase)
}

// CountWords counts word-boundary tokens: maximal runs of letters, digits,
// and underscores, Unicode-aware. Empty input counts as zero.
func CountWords(s string) int {
	count := 0
	inWord := false
	for _, r := range s {
		if isWordRune(r) {
			if !inWord {
				count++
				inWord = true
			}
		} else {
			inWord = false
		}
	}
	return count
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// EstimateReplyWords projects the reply length for an input of the given
// word count: ReplyMultiplier times the input, clamped to the policy bounds.
func (p Policy) EstimateReplyWords(inputWords int) int {
	est := inputWords * p.ReplyMultiplier
	if est < p.MinReplyWords {
		est = p.MinReplyWords
	}
	if est > p.MaxReplyWords {
		est = p.MaxReplyWords
	}
	return est
}

// Admit checks whether a chat turn with the given input size may proceed
// against the available balance.
func (p Policy) Admit(available int64, inputWords int) Decision {
	required := int64(inputWords + p.EstimateReplyWords(inputWords))
	if available >= required {
		return Decision{Allowed: true, Balance: available, Required: required}
	}
	shortfall := required - available
	return Decision{
		Balance:           available,
		Required:          required,
		Shortfall:         shortfall,
		SuggestedPurchase: p.RoundPurchase(shortfall),
	}
}

// AdmitFlat checks a fixed-cost operation (voice sessions) the same way.
func (p Policy) AdmitFlat(available, required int64) Decision {
	if available >= required {
		return Decision{Allowed: true, Balance: available, Required: required}
	}
	shortfall := required - available
	return Decision{
		Balance:           available,
		Required:          required,
		Shortfall:         shortfall,
		SuggestedPurchase: p.RoundPurchase(shortfall),
	}
}

// RoundPurchase rounds a credit amount up to the next purchase block.
func (p Policy) RoundPurchase(credits int64) int64 {
	round := p.PurchaseRound
	if round <= 0 {
		round = 1000
	}
	if credits <= 0 {
		return round
	}
	return ((credits - 1) / round * round) + round
}
