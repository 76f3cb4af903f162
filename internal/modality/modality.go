package modality

import (
	"errors"
	"fmt"
)

// Modality is the diagnostic image category chosen in the lens selector.
type Modality string

const (
	XRay       Modality = "X-Ray"
	Ultrasound Modality = "Ultrasound"
	Skin       Modality = "Skin"
	Pathology  Modality = "Pathology"
)

// Default is the modality preselected in the UI.
const Default = XRay

// ErrUnknown is returned when a value does not name one of the supported modalities.
var ErrUnknown = errors.New("unknown modality")

const (
	swinEndpoint = "https://api-inference.huggingface.co/models/microsoft/swin-base-patch4-window7-224"
	dinoEndpoint = "https://api-inference.huggingface.co/models/facebook/dino-v2-base"
	vitEndpoint  = "https://api-inference.huggingface.co/models/google/vit-base-patch16-224"
)

var endpoints = map[Modality]string{
	XRay:       swinEndpoint,
	Ultrasound: swinEndpoint,
	Skin:       dinoEndpoint,
	Pathology:  vitEndpoint,
}

var advice = map[Modality]string{
	XRay:       "Correlate with clinical symptoms. Suggest Lateral view for depth analysis.",
	Skin:       "Analyze borders using ABCDE criteria. Monitor for asymmetrical growth.",
	Pathology:  "Initiate pathogen count. Correlate with Gram-stain morphology.",
	Ultrasound: "Evaluate acoustic shadowing. Fasting recommended for repeat scan.",
}

// selector order as shown in the dropdown
var all = []Modality{XRay, Skin, Pathology, Ultrasound}

// All returns the supported modalities in selector order.
func All() []Modality {
	out := make([]Modality, len(all))
	copy(out, all)
	return out
}

// Parse maps a raw selector value onto a Modality. Matching is exact.
func Parse(value string) (Modality, error) {
	m := Modality(value)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknown, value)
	}
	return m, nil
}

// Valid reports whether m has both an endpoint and an advice entry.
func (m Modality) Valid() bool {
	_, hasEndpoint := endpoints[m]
	_, hasAdvice := advice[m]
	return hasEndpoint && hasAdvice
}

// Endpoint returns the inference URL for m, or "" for an invalid modality.
func (m Modality) Endpoint() string {
	return endpoints[m]
}

// Advice returns the clinical strategy text for m, or "" for an invalid modality.
func (m Modality) Advice() string {
	return advice[m]
}

func (m Modality) String() string {
	return string(m)
}
