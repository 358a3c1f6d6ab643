// Package bot runs the SkyReply notification loop: poll, classify, resolve,
// generate, post, record.
//
// This file implements eligibility classification. Classification is a pure
// decision over one notification and the already-handled predicate; it never
// talks to the network or mutates state, so the precedence rules are testable
// in isolation.
package bot

import (
	"github.com/zai-bots/skyreply/internal/models"
)

// Classifier decides whether a notification gets a reply.
type Classifier struct {
	selfDID    string
	selfHandle string
	ignored    map[string]struct{}
}

// NewClassifier creates a classifier for the authenticated account. The
// ignored set may hold DIDs and handles interchangeably.
func NewClassifier(selfDID, selfHandle string, ignored map[string]struct{}) *Classifier {
	if ignored == nil {
		ignored = make(map[string]struct{})
	}
	return &Classifier{selfDID: selfDID, selfHandle: selfHandle, ignored: ignored}
}

// Classify maps one notification to a decision. Precedence is fixed:
// malformed, then ignored author, then already handled, then self-triggered,
// then unsupported reason. Only a notification passing all five checks is
// eligible. The same inputs always produce the same decision.
func (c *Classifier) Classify(n models.Notification, alreadyHandled bool) models.Decision {
	if n.Malformed() {
		return models.DecisionSkipMalformed
	}
	if _, ok := c.ignored[n.Author.DID]; ok {
		return models.DecisionSkipIgnored
	}
	if _, ok := c.ignored[n.Author.Handle]; ok {
		return models.DecisionSkipIgnored
	}
	if alreadyHandled {
		return models.DecisionSkipDuplicate
	}
	if n.Author.DID == c.selfDID || n.Author.Handle == c.selfHandle {
		return models.DecisionSkipSelf
	}
	if n.Reason != models.ReasonMention && n.Reason != models.ReasonReply {
		return models.DecisionSkipWrongReason
	}
	return models.DecisionEligible
}
