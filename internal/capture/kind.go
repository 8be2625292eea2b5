package capture

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind selects the capture output format.
type Kind string

const (
	KindPDF Kind = "pdf"
	KindPNG Kind = "png"
)

// ParseKind accepts a kind in any letter case.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindPDF, KindPNG:
		return k, nil
	default:
		return "", fmt.Errorf("unknown capture type %q", s)
	}
}

func (k Kind) Extension() string { return string(k) }

func (k Kind) ContentType() string {
	if k == KindPNG {
		return "image/png"
	}
	return "application/pdf"
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
