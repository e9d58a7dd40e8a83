package llm

import (
	"strings"

	"github.com/joseph-ayodele/docjobs/constants"
)

// DefaultMaxChars bounds how much document text goes into a prompt.
const DefaultMaxChars = 4000

const baseInstruction = `Analyze the following document text and extract structured information.
Return your response as valid JSON only, with no additional text.

Document text:
`

var profileInstructions = map[constants.AnalysisProfile]string{
	constants.ProfileGeneral: `
Provide a JSON response with:
{
  "summary": "Brief 2-3 sentence summary",
  "key_points": ["point1", "point2", "point3"],
  "document_type": "detected type (e.g., letter, report, form)",
  "entities": {
    "people": [],
    "organizations": [],
    "dates": [],
    "locations": []
  }
}`,
	constants.ProfileInvoice: `
Extract invoice information as JSON:
{
  "vendor": "Company name",
  "invoice_number": "INV-123",
  "date": "YYYY-MM-DD",
  "due_date": "YYYY-MM-DD",
  "total_amount": "123.45",
  "currency": "USD",
  "line_items": [
    {"description": "Item", "quantity": 1, "unit_price": "10.00", "total": "10.00"}
  ],
  "tax": "0.00",
  "subtotal": "123.45"
}`,
	constants.ProfileContract: `
Extract contract information as JSON:
{
  "contract_type": "Type of agreement",
  "parties": ["Party A", "Party B"],
  "effective_date": "YYYY-MM-DD",
  "expiration_date": "YYYY-MM-DD",
  "key_terms": [
    {"term": "Payment terms", "details": "Net 30"},
    {"term": "Termination", "details": "30 days notice"}
  ],
  "obligations": {
    "party_a": ["obligation1", "obligation2"],
    "party_b": ["obligation1", "obligation2"]
  },
  "important_clauses": ["clause1", "clause2"]
}`,
	constants.ProfileForm: `
Extract form fields as JSON:
{
  "form_type": "Type of form",
  "fields": [
    {"label": "Name", "value": "John Doe"},
    {"label": "Date", "value": "2024-01-01"},
    {"label": "Signature", "value": "Present/Absent"}
  ],
  "checkboxes": [
    {"label": "Option A", "checked": true},
    {"label": "Option B", "checked": false}
  ],
  "completeness": "Complete/Incomplete/Partially Complete"
}`,
}

// TruncateText keeps at most maxChars characters from the start of text.
// maxChars <= 0 uses DefaultMaxChars.
func TruncateText(text string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	n := 0
	for i := range text {
		if n == maxChars {
			return text[:i]
		}
		n++
	}
	return text
}

// BuildPrompt renders the analysis prompt for a profile. Unknown profiles
// use the general template.
func BuildPrompt(profile constants.AnalysisProfile, text string, maxChars int) string {
	instr, ok := profileInstructions[profile]
	if !ok {
		instr = profileInstructions[constants.ProfileGeneral]
	}
	var b strings.Builder
	b.WriteString(baseInstruction)
	b.WriteString(TruncateText(text, maxChars))
	b.WriteString("\n\n")
	b.WriteString(instr)
	return b.String()
}
