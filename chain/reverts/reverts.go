// Package reverts maps the closed set of Sarcophagus contract revert reasons
// onto operator-facing diagnostics. Anything outside the set falls through to
// Unknown and is surfaced verbatim, never swallowed.
package reverts

import (
	"errors"
	"strings"
)

type Code int

const (
	Unknown Code = iota
	KeyAlreadyPublished
	ProfileNotFound
	ProfileExists
	NotEnoughFreeBond
	NotEnoughReward
	NotEnoughAllowance
	NotEnoughTokens
	SarcophagusNotFound
	MalformedProofHash
	NotCleanable
	NotAccusable
	BadAccusalProof
)

// matcher binds a substring of the raw revert reason to a code. Order
// matters only in that the first match wins; substrings are chosen so they
// cannot overlap.
type matcher struct {
	substr string
	code   Code
}

var matchers = []matcher{
	{"ArchaeologistAlreadyUnwrapped", KeyAlreadyPublished},
	{"PrivateKeyAlreadyPublished", KeyAlreadyPublished},
	{"ArchaeologistProfileDoesNotExist", ProfileNotFound},
	{"ArchaeologistProfileAlreadyExists", ProfileExists},
	{"NotEnoughFreeBond", NotEnoughFreeBond},
	{"NotEnoughReward", NotEnoughReward},
	{"NotEnoughAllowance", NotEnoughAllowance},
	{"insufficient allowance", NotEnoughAllowance},
	{"transfer amount exceeds balance", NotEnoughTokens},
	{"NotEnoughTokens", NotEnoughTokens},
	{"SarcophagusDoesNotExist", SarcophagusNotFound},
	{"InvalidProofHash", MalformedProofHash},
	{"SarcophagusNotCleanable", NotCleanable},
	{"SarcophagusIsUnwrappable", NotAccusable},
	{"AccusalProofInsufficient", BadAccusalProof},
}

var messages = map[Code]string{
	KeyAlreadyPublished: "the private key for this sarcophagus has already been published",
	ProfileNotFound:     "no archaeologist profile is registered for this address; run register first",
	ProfileExists:       "an archaeologist profile already exists for this address; use update instead",
	NotEnoughFreeBond:   "not enough free bond to cover this operation; deposit more SARCO bond",
	NotEnoughReward:     "reward balance is lower than the requested withdrawal",
	NotEnoughAllowance:  "SARCO token allowance for the contract is too low; approve a higher allowance",
	NotEnoughTokens:     "SARCO token balance is too low for this operation",
	SarcophagusNotFound: "no sarcophagus exists with this id",
	MalformedProofHash:  "the supplied proof hash is malformed",
	NotCleanable:        "this sarcophagus is not yet past its grace period and cannot be cleaned",
	NotAccusable:        "this sarcophagus is already unwrappable and can no longer be accused",
	BadAccusalProof:     "the accusal proof is insufficient or incorrect",
}

// RevertError carries one classified revert. Reason is the raw on-chain
// revert string so Unknown reverts stay inspectable.
type RevertError struct {
	Code   Code
	Reason string
}

func (e *RevertError) Error() string {
	if msg, ok := messages[e.Code]; ok {
		return msg
	}
	return "unexpected contract error: " + e.Reason
}

// NeedsBalanceCheck reports whether this class of failure warrants a
// secondary token/bond balance read and an operator notification.
func (e *RevertError) NeedsBalanceCheck() bool {
	switch e.Code {
	case NotEnoughAllowance, NotEnoughFreeBond, NotEnoughTokens, Unknown:
		return true
	}
	return false
}

// Classify wraps err in a RevertError according to the revert-reason
// taxonomy. A nil err classifies to nil. If err is already classified it is
// returned as-is.
func Classify(err error) *RevertError {
	if err == nil {
		return nil
	}
	var re *RevertError
	if errors.As(err, &re) {
		return re
	}
	reason := err.Error()
	for _, m := range matchers {
		if strings.Contains(reason, m.substr) {
			return &RevertError{Code: m.code, Reason: reason}
		}
	}
	return &RevertError{Code: Unknown, Reason: reason}
}
