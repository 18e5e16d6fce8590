package services

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
)

// TopicRule scores one candidate topic for the deterministic matcher.
// Core terms carry weight 0.7, support terms 0.3; negative terms are
// phrases that look like a hit but are irrelevant in this subject.
type TopicRule struct {
	Code          string   `json:"code"`
	Name          string   `json:"name"`
	CoreTerms     []string `json:"core_terms"`
	SupportTerms  []string `json:"support_terms"`
	NegativeTerms []string `json:"negative_terms"`
	Formulas      []string `json:"formulas"` // regex sources matched against normalized text

	formulaRes []*regexp.Regexp
}

// SubjectProfile holds everything segmentation and classification need to
// know about one subject's papers. Profiles are built once at startup and
// never mutated afterwards.
type SubjectProfile struct {
	SubjectCode string `json:"subject_code"`
	Name        string `json:"name"`

	// Segmentation
	GuardKeywords  []string `json:"guard_keywords"` // accept a low-priority boundary only if one appears nearby
	GuardLookahead int      `json:"guard_lookahead"`
	DenyPatterns   []string `json:"deny_patterns"` // boilerplate lines skipped before matching
	ExpectedMin    int      `json:"expected_min"`  // expected top-level question count range
	ExpectedMax    int      `json:"expected_max"`

	// Classification
	Topics           []TopicRule `json:"topics"`
	HigherOrderVerbs []string    `json:"higher_order_verbs"`
	RecallVerbs      []string    `json:"recall_verbs"`

	denyRes []*regexp.Regexp
}

// SubjectProfiles is an immutable lookup of profiles keyed by subject code
type SubjectProfiles struct {
	bySubject map[string]*SubjectProfile
	generic   *SubjectProfile
}

// For returns the profile for a subject code, falling back to the generic
// profile for unknown subjects (logged, never an error).
func (s *SubjectProfiles) For(subjectCode string) *SubjectProfile {
	if p, ok := s.bySubject[subjectCode]; ok {
		return p
	}
	log.Printf("SubjectProfiles: no profile for subject %q, using generic", subjectCode)
	return s.generic
}

// Subjects lists the configured subject codes
func (s *SubjectProfiles) Subjects() []string {
	codes := make([]string, 0, len(s.bySubject))
	for code := range s.bySubject {
		codes = append(codes, code)
	}
	return codes
}

var defaultDenyPatterns = []string{
	`(?i)^turn\s+over\b`,
	`(?i)^do\s+not\s+write`,
	`(?i)^blank\s+page`,
	`(?i)^continued`,
	`(?i)^\*?\s*p\s*\.?\s*t\s*\.?\s*o\b`,
	`(?i)^©`,
	`(?i)^this document (has|consists of)`,
	`(?i)^answer\s+all\s+questions`,
	`(?i)^the total mark for this paper`,
	`^\*[0-9A-Za-z*]+\*$`, // barcode strings on Cambridge papers
}

// compile finalizes the derived regexps; must be called before a profile
// is published into a SubjectProfiles lookup.
func (p *SubjectProfile) compile() error {
	if p.GuardLookahead <= 0 {
		p.GuardLookahead = 3
	}
	if len(p.DenyPatterns) == 0 {
		p.DenyPatterns = defaultDenyPatterns
	}
	p.denyRes = p.denyRes[:0]
	for _, src := range p.DenyPatterns {
		re, err := regexp.Compile(src)
		if err != nil {
			return fmt.Errorf("invalid deny pattern %q for subject %s: %w", src, p.SubjectCode, err)
		}
		p.denyRes = append(p.denyRes, re)
	}
	for ti := range p.Topics {
		t := &p.Topics[ti]
		t.formulaRes = t.formulaRes[:0]
		for _, src := range t.Formulas {
			re, err := regexp.Compile(src)
			if err != nil {
				return fmt.Errorf("invalid formula pattern %q for topic %s: %w", src, t.Code, err)
			}
			t.formulaRes = append(t.formulaRes, re)
		}
	}
	return nil
}

// isDenied reports whether a line matches the deny list
func (p *SubjectProfile) isDenied(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, re := range p.denyRes {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// hasGuardKeyword reports whether any guard keyword appears in the line
func (p *SubjectProfile) hasGuardKeyword(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range p.GuardKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DefaultSubjectProfiles returns the built-in profile set
func DefaultSubjectProfiles() *SubjectProfiles {
	physics := &SubjectProfile{
		SubjectCode: "0625",
		Name:        "Physics",
		GuardKeywords: []string{
			"calculate", "state", "explain", "describe", "fig.", "diagram",
			"force", "energy", "current", "wave", "mass", "velocity",
		},
		ExpectedMin: 8,
		ExpectedMax: 13,
		Topics: []TopicRule{
			{
				Code:         "1",
				Name:         "Motion, forces and energy",
				CoreTerms:    []string{"velocity", "acceleration", "momentum", "resultant force", "kinetic energy", "gravitational potential", "terminal velocity"},
				SupportTerms: []string{"speed", "distance", "mass", "weight", "friction", "work done", "power", "spring", "moment"},
				NegativeTerms: []string{
					"wave speed", "speed of sound", "speed of light",
				},
				Formulas: []string{`v\s*=\s*u\s*\+\s*at`, `f\s*=\s*ma`, `ke\s*=`, `p\s*=\s*mv`, `w\s*=\s*f\s*d`},
			},
			{
				Code:          "2",
				Name:          "Thermal physics",
				CoreTerms:     []string{"specific heat capacity", "latent heat", "thermal expansion", "evaporation", "conduction", "convection", "internal energy"},
				SupportTerms:  []string{"temperature", "thermometer", "particle", "boiling", "melting", "radiation", "insulator"},
				NegativeTerms: []string{"radiation dose", "radioactive", "infrared radiation from the sun"},
				Formulas:      []string{`e\s*=\s*mc\s*(Δ|delta)?\s*t`, `q\s*=\s*ml`},
			},
			{
				Code:          "3",
				Name:          "Waves",
				CoreTerms:     []string{"wavelength", "frequency", "refraction", "diffraction", "amplitude", "total internal reflection", "critical angle"},
				SupportTerms:  []string{"wave", "reflection", "sound", "light", "lens", "focal length", "spectrum", "ray"},
				NegativeTerms: []string{"radio circuit"},
				Formulas:      []string{`v\s*=\s*f\s*(λ|lambda)`, `n\s*=\s*sin`},
			},
			{
				Code:          "4",
				Name:          "Electricity and magnetism",
				CoreTerms:     []string{"potential difference", "resistance", "electromagnetic induction", "transformer", "magnetic field", "electric charge", "parallel circuit"},
				SupportTerms:  []string{"current", "voltage", "circuit", "resistor", "fuse", "relay", "coil", "motor"},
				NegativeTerms: []string{"current of air", "magnetic resonance"},
				Formulas:      []string{`v\s*=\s*i\s*r`, `p\s*=\s*i\s*v`, `q\s*=\s*i\s*t`},
			},
			{
				Code:          "5",
				Name:          "Nuclear physics",
				CoreTerms:     []string{"half-life", "radioactive decay", "alpha particle", "beta particle", "gamma ray", "isotope", "nuclide"},
				SupportTerms:  []string{"nucleus", "proton", "neutron", "radiation", "count rate", "fission", "fusion"},
				NegativeTerms: []string{"thermal radiation", "electromagnetic radiation"},
				Formulas:      []string{`\b[a-z]{1,2}\s*-\s*\d{1,3}\b`},
			},
			{
				Code:          "6",
				Name:          "Space physics",
				CoreTerms:     []string{"orbit", "satellite", "redshift", "big bang", "galaxy", "solar system"},
				SupportTerms:  []string{"planet", "moon", "star", "sun", "universe", "comet"},
				NegativeTerms: []string{"orbital period of electrons"},
				Formulas:      []string{`v\s*=\s*2\s*(π|pi)\s*r\s*/\s*t`},
			},
		},
		HigherOrderVerbs: []string{"explain", "evaluate", "justify", "predict", "suggest", "deduce", "derive", "discuss"},
		RecallVerbs:      []string{"state", "name", "label", "list", "define", "give", "write down"},
	}

	generic := &SubjectProfile{
		SubjectCode: "generic",
		Name:        "Generic",
		GuardKeywords: []string{
			"calculate", "state", "explain", "describe", "marks", "answer",
		},
		ExpectedMin: 5,
		ExpectedMax: 20,
		Topics: []TopicRule{
			{Code: "0", Name: "Uncategorized", CoreTerms: nil, SupportTerms: nil},
		},
		HigherOrderVerbs: []string{"explain", "evaluate", "justify", "discuss", "analyse"},
		RecallVerbs:      []string{"state", "name", "label", "list", "define"},
	}

	profiles := &SubjectProfiles{
		bySubject: map[string]*SubjectProfile{},
		generic:   generic,
	}
	for _, p := range []*SubjectProfile{physics} {
		if err := p.compile(); err != nil {
			// Built-in profiles are fixed; a bad pattern is a programming error.
			panic(err)
		}
		profiles.bySubject[p.SubjectCode] = p
	}
	if err := generic.compile(); err != nil {
		panic(err)
	}
	return profiles
}

// LoadSubjectProfiles returns the defaults, optionally overlaid with
// profiles from a JSON file (an array of SubjectProfile objects). An
// override with an existing subject code replaces the built-in profile.
func LoadSubjectProfiles(path string) (*SubjectProfiles, error) {
	profiles := DefaultSubjectProfiles()
	if path == "" {
		return profiles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subject profiles: %w", err)
	}

	var overrides []*SubjectProfile
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse subject profiles: %w", err)
	}

	for _, p := range overrides {
		if p.SubjectCode == "" {
			return nil, fmt.Errorf("subject profile override missing subject_code")
		}
		if err := p.compile(); err != nil {
			return nil, err
		}
		profiles.bySubject[p.SubjectCode] = p
		log.Printf("SubjectProfiles: loaded override for subject %s (%d topics)", p.SubjectCode, len(p.Topics))
	}

	return profiles, nil
}
