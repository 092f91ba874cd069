package policy

import (
	"fmt"
	"strings"
)

// DocsURLRules is where rule authors are pointed when training rejects their rules.
const DocsURLRules = "https://rasa.com/docs/rasa/rules"

// InvalidRuleError reports rules or stories that cannot be trained.
// It is fatal to training and always leaves previously committed tables in place.
type InvalidRuleError struct {
	// Message is the aggregate report.
	Message string
	// SenderIDs lists every offending tracker, in training order.
	SenderIDs []string
}

func (e *InvalidRuleError) Error() string {
	return e.Message + fmt.Sprintf("\nYou can find more information about the usage of rules at %s. ", DocsURLRules)
}

func newRuleRestrictionError(senderIDs []string) *InvalidRuleError {
	return &InvalidRuleError{
		Message: fmt.Sprintf(
			"Found rules '%s' that contain more than %d user message. "+
				"Rules are not meant to hardcode a state machine. Please use stories for these cases.",
			strings.Join(senderIDs, ", "), AllowedNumberOfUserInputs),
		SenderIDs: senderIDs,
	}
}

func newContradictionError(found []contradiction) *InvalidRuleError {
	lines := make([]string, 0, len(found))
	ids := make([]string, 0, len(found))
	for _, c := range found {
		lines = append(lines, c.String())
		ids = append(ids, c.SenderID)
	}
	return &InvalidRuleError{
		Message: fmt.Sprintf(
			"\nContradicting rules or stories found\n\n%s\n"+
				"Please update your stories and rules so that they don't contradict each other.",
			strings.Join(lines, "\n")),
		SenderIDs: ids,
	}
}

// InvalidDomainError reports a domain that cannot serve the policy's configuration.
type InvalidDomainError struct {
	Message string
}

func (e *InvalidDomainError) Error() string { return e.Message }

func missingFallbackError(action string) *InvalidDomainError {
	return &InvalidDomainError{
		Message: fmt.Sprintf(
			"The fallback action '%s' which was configured for the RulePolicy must be present in the domain.", action),
	}
}
