package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"unicode"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// ErrEmptyDocument is returned when the plan document has no content.
var ErrEmptyDocument = errors.New("plan document is empty")

// Decode parses a plan document from JSON or YAML bytes.
//
// The format is sniffed from the first non-space byte: '{' selects JSON,
// anything else is treated as YAML. Unsupported verification kinds are a
// decode error rather than being silently skipped.
func Decode(data []byte) (*Plan, error) {
	first, ok := firstNonSpace(data)
	if !ok {
		return nil, ErrEmptyDocument
	}

	var p Plan
	if first == '{' {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
		}
	} else {
		k := koanf.New(".")
		if err := k.Load(rawbytes.Provider(data), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
		}
		if err := k.UnmarshalWithConf("", &p, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			return nil, fmt.Errorf("failed to decode plan YAML: %w", err)
		}
	}

	if err := checkVerificationKinds(&p); err != nil {
		return nil, err
	}

	return &p, nil
}

// DecodeFile reads and decodes a plan document from disk.
func DecodeFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	p, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return p, nil
}

// checkVerificationKinds rejects unknown or missing verification kinds.
// Silently dropping an unrecognized check would produce false confidence.
func checkVerificationKinds(p *Plan) error {
	for ti := range p.Tasks {
		t := &p.Tasks[ti]
		for ci := range t.AcceptanceCriteria {
			kind := t.AcceptanceCriteria[ci].Kind
			if kind == "" {
				return fmt.Errorf("task %s: acceptance criterion %d has no kind", t.ID, ci)
			}
			if !KnownVerificationKind(kind) {
				return fmt.Errorf("task %s: unsupported verification kind %q", t.ID, kind)
			}
		}
	}
	return nil
}

func firstNonSpace(data []byte) (byte, bool) {
	for _, b := range data {
		if !unicode.IsSpace(rune(b)) {
			return b, true
		}
	}
	return 0, false
}
