package model

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Taxonomy is the fixed set of business-model labels the classifier may
// emit. Lookup is case-insensitive; Canonical returns the stored spelling.
type Taxonomy struct {
	labels []string
	index  map[string]string
}

// NewTaxonomy builds a taxonomy from the given labels.
func NewTaxonomy(labels []string) *Taxonomy {
	t := &Taxonomy{
		labels: make([]string, 0, len(labels)),
		index:  make(map[string]string, len(labels)),
	}
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		key := strings.ToLower(l)
		if _, dup := t.index[key]; dup {
			continue
		}
		t.index[key] = l
		t.labels = append(t.labels, l)
	}
	return t
}

// LoadTaxonomy reads a yaml file of the form "labels: [..]".
func LoadTaxonomy(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "model: read taxonomy file")
	}
	var doc struct {
		Labels []string `yaml:"labels"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "model: parse taxonomy yaml")
	}
	if len(doc.Labels) == 0 {
		return nil, eris.Errorf("model: taxonomy file %s contains no labels", path)
	}
	return NewTaxonomy(doc.Labels), nil
}

// Labels returns the canonical labels in declaration order.
func (t *Taxonomy) Labels() []string {
	out := make([]string, len(t.labels))
	copy(out, t.labels)
	return out
}

// Len returns the number of labels.
func (t *Taxonomy) Len() int { return len(t.labels) }

// Canonical resolves a label case-insensitively, returning the stored
// spelling and whether it exists.
func (t *Taxonomy) Canonical(label string) (string, bool) {
	c, ok := t.index[strings.ToLower(strings.TrimSpace(label))]
	return c, ok
}

// Contains reports whether the label is in the taxonomy.
func (t *Taxonomy) Contains(label string) bool {
	_, ok := t.Canonical(label)
	return ok
}

// DefaultTaxonomy returns the built-in 59-label classification set used
// when no taxonomy file is configured.
func DefaultTaxonomy() *Taxonomy {
	return NewTaxonomy([]string{
		"CRM",
		"Marketing Automation",
		"Sales Enablement",
		"Customer Support",
		"Help Desk",
		"Live Chat",
		"Email Marketing",
		"Social Media Management",
		"SEO Tools",
		"Content Management",
		"E-commerce Platform",
		"Payments",
		"Billing & Invoicing",
		"Accounting",
		"Payroll",
		"HR Management",
		"Recruiting",
		"Learning Management",
		"Project Management",
		"Task Management",
		"Team Collaboration",
		"Video Conferencing",
		"VoIP & Telephony",
		"Document Management",
		"E-signature",
		"File Storage & Sharing",
		"Note Taking",
		"Calendar & Scheduling",
		"Business Intelligence",
		"Data Analytics",
		"Data Integration",
		"ETL & Pipelines",
		"Database & Backend",
		"API Management",
		"Developer Tools",
		"CI/CD & DevOps",
		"Monitoring & Observability",
		"Error Tracking",
		"Security",
		"Identity & Access Management",
		"Password Management",
		"Compliance & GRC",
		"Legal Tech",
		"Contract Management",
		"Procurement",
		"Supply Chain Management",
		"Inventory Management",
		"Logistics & Shipping",
		"Field Service Management",
		"Fleet Management",
		"Real Estate Tech",
		"Construction Tech",
		"Healthcare Tech",
		"Education Tech",
		"Fintech & Lending",
		"Insurance Tech",
		"Hospitality & Travel",
		"Restaurant Tech",
		"Not SaaS / Traditional Business",
	})
}
