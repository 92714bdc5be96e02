// Package send implements the bulk send pipeline: one target at a time
// through open → validate → compose → send → capture, with a complete result
// ledger no matter what.
package send

import (
	"regexp"
	"strings"

	"github.com/ecanizales/campaigner/internal/domain"
)

// placeholderPattern matches {{token}} with optional inner whitespace.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_]*)\s*\}\}`)

// Compose renders a message template against one target. Every placeholder
// is substituted; tokens with no value, including unknown ones, degrade to
// the empty string. Composition never fails and line breaks pass through
// untouched.
func Compose(template string, t domain.Target) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		token := strings.ToLower(placeholderPattern.FindStringSubmatch(match)[1])
		switch token {
		case "first_name":
			return t.FirstName
		case "last_name":
			return t.LastName
		case "name":
			return t.DisplayName()
		case "phone":
			return t.Phone
		case "credit":
			return t.Credit
		case "discount":
			return t.Discount
		// total_balanc is a legacy alias kept alive by old campaign
		// templates that shipped with the typo.
		case "total_balance", "total_balanc":
			return t.Balance
		case "product":
			return t.Product
		default:
			return ""
		}
	})
}

// templateFor picks the message source for one target: a non-empty freeform
// message on the target row overrides the campaign template.
func templateFor(campaignTemplate string, t domain.Target) string {
	if strings.TrimSpace(t.Message) != "" {
		return t.Message
	}
	return campaignTemplate
}
