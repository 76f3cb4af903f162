package usecase

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode"
)

const reportTemplate = `
# 🔎 LENS | Strategic Diagnostic Trace
---
### **1. AI ANALYSIS METRICS**
* **SYSTEM SOURCE:** {{.Modality}}
* **PRIMARY PATTERN:** **{{.Label}}**
* **AI CONFIDENCE:** {{.Confidence}}

### **2. CLINICAL STRATEGY**
> {{.Advice}}

### **3. PROVISIONAL MANAGEMENT**
* **RECOMMENDATION:** Refer to secondary diagnostic protocol for **{{.Label}}**.
* **FOLLOW-UP:** Clinical review within 24-48 hours.

---
***⚠️ CLINICAL DISCLAIMER:** Trace generated via {{.Modality}} Neural Router. Physician verification mandatory.*
`

var reportTmpl = template.Must(template.New("report").Parse(reportTemplate))

type reportData struct {
	Modality   string
	Label      string
	Confidence string
	Advice     string
}

func renderReport(data reportData) (string, error) {
	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func formatConfidence(score *float64) string {
	if score == nil {
		return NotApplicable
	}
	return fmt.Sprintf("%.2f%%", *score)
}

// titleCase upper-cases the first letter of every run of letters and
// lower-cases the rest, so "ACUTE fracture" becomes "Acute Fracture".
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inWord := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if inWord {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToTitle(r))
			}
			inWord = true
			continue
		}
		inWord = false
		b.WriteRune(r)
	}
	return b.String()
}
