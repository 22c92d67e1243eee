package personalize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tidewater/outreach/internal/models"
)

// Placeholders look like {{first_name}}. Whitespace inside the braces
// is tolerated.
var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Core placeholder names resolvable for every lead and account.
var coreFields = []string{
	"email",
	"first_name",
	"last_name",
	"company",
	"sender_name",
	"sender_email",
}

// Rendered is a fully substituted email.
type Rendered struct {
	Subject string
	Body    string
}

// Data builds the substitution map for one lead/account pair. Custom
// lead variables are applied first so the built-in fields always win
// on name collisions.
func Data(lead *models.CampaignLead, account *models.SendingAccount) map[string]string {
	data := make(map[string]string)

	if lead.Variables != "" {
		var custom map[string]any
		if err := json.Unmarshal([]byte(lead.Variables), &custom); err == nil {
			for k, v := range custom {
				data[k] = fmt.Sprint(v)
			}
		}
	}

	data["email"] = lead.Email
	data["first_name"] = lead.FirstName
	data["last_name"] = lead.LastName
	data["company"] = lead.Company

	if account != nil {
		data["sender_name"] = account.FromName
		data["sender_email"] = account.Email
	}

	return data
}

// Render substitutes every placeholder in tmpl. Any placeholder
// missing from data fails the render: a half-personalized email must
// never go out.
func Render(tmpl string, data map[string]string) (string, error) {
	var missing []string

	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := data[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return v
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholders: %s", strings.Join(dedupe(missing), ", "))
	}
	return out, nil
}

// RenderEmail renders a variant's subject and body against the same
// data map.
func RenderEmail(variant *models.StepVariant, data map[string]string) (*Rendered, error) {
	subject, err := Render(variant.Subject, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	body, err := Render(variant.Body, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render body: %w", err)
	}
	return &Rendered{Subject: subject, Body: body}, nil
}

// Placeholders returns the distinct placeholder names in a template,
// sorted.
func Placeholders(tmpl string) []string {
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		names = append(names, m[1])
	}
	return dedupe(names)
}

// ValidateSteps reports placeholders used by any variant that resolve
// neither from the core fields nor from customVars. Warnings only:
// individual leads may still carry the variable, and the per-send
// render stays strict either way.
func ValidateSteps(steps []*models.SequenceStep, customVars []string) []string {
	known := make(map[string]struct{}, len(coreFields)+len(customVars))
	for _, f := range coreFields {
		known[f] = struct{}{}
	}
	for _, v := range customVars {
		known[v] = struct{}{}
	}

	var warnings []string
	for _, step := range steps {
		if step.Type != models.StepTypeEmail {
			continue
		}
		for vi, variant := range step.Variants {
			for _, name := range Placeholders(variant.Subject + " " + variant.Body) {
				if _, ok := known[name]; !ok {
					warnings = append(warnings,
						fmt.Sprintf("step %d variant %d references unknown variable {{%s}}", step.Order, vi, name))
				}
			}
		}
	}
	return warnings
}

// VariableKeys extracts the distinct top-level keys from a set of
// custom-variable JSON documents.
func VariableKeys(docs []string) []string {
	var keys []string
	for _, doc := range docs {
		var m map[string]any
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			continue
		}
		for k := range m {
			keys = append(keys, k)
		}
	}
	return dedupe(keys)
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
