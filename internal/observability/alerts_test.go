package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"gopkg.in/yaml.v3"

	jobmetrics "github.com/tavola-pos/tavola/internal/jobs"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertGroup struct {
	Name  string      `yaml:"name"`
	Rules []alertRule `yaml:"rules"`
}

type alertSpec struct {
	Groups []alertGroup `yaml:"groups"`
}

var metricName = regexp.MustCompile(`tavola_[a-z_]+`)

func loadKitchenAlerts(t *testing.T) alertSpec {
	t.Helper()
	path := filepath.Join("..", "..", "deploy", "prometheus", "alerts", "kitchen.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read alert file: %v", err)
	}
	var spec alertSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		t.Fatalf("failed to unmarshal alert file: %v", err)
	}
	return spec
}

// exportedMetrics exercises every collector once so vectors show up in
// Gather, and returns the exported family names.
func exportedMetrics(t *testing.T) map[string]bool {
	t.Helper()
	m := NewMetrics()
	jobs := jobmetrics.NewMetrics(m.Registerer())

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	m.RecordTransitions("READY", 1)
	m.ClientConnected()
	m.EventPushed("kitchen.ticket.overdue")
	_ = jobs.Track("kitchen:overdue_scan").End(errors.New("boom"))
	jobs.AddOverdue("grill", 1)

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestKitchenAlertRulesUseExportedMetrics(t *testing.T) {
	spec := loadKitchenAlerts(t)
	exported := exportedMetrics(t)

	for _, group := range spec.Groups {
		for _, rule := range group.Rules {
			refs := metricName.FindAllString(rule.Expr, -1)
			if len(refs) == 0 {
				t.Fatalf("rule %s does not reference a tavola metric: %s", rule.Alert, rule.Expr)
			}
			for _, ref := range refs {
				if !exported[ref] {
					t.Fatalf("rule %s references %s, which no collector exports", rule.Alert, ref)
				}
			}
		}
	}
}

func TestKitchenAlertRules(t *testing.T) {
	spec := loadKitchenAlerts(t)

	if len(spec.Groups) == 0 {
		t.Fatal("expected at least one alert group")
	}

	var kitchenGroup *alertGroup
	for i := range spec.Groups {
		if spec.Groups[i].Name == "kitchen" {
			kitchenGroup = &spec.Groups[i]
			break
		}
	}
	if kitchenGroup == nil {
		t.Fatal("kitchen alert group missing")
	}

	expected := map[string]struct {
		severity string
		runbook  string
	}{
		"HighErrorRate":       {severity: "critical", runbook: "docs/runbook-kitchen.md#high-error-rate"},
		"NoDisplaysConnected": {severity: "warning", runbook: "docs/runbook-kitchen.md#no-displays"},
		"OverdueTickets":      {severity: "warning", runbook: "docs/runbook-kitchen.md#overdue-tickets"},
	}

	if len(kitchenGroup.Rules) != len(expected) {
		t.Fatalf("expected %d rules, got %d", len(expected), len(kitchenGroup.Rules))
	}

	for _, rule := range kitchenGroup.Rules {
		want, ok := expected[rule.Alert]
		if !ok {
			t.Fatalf("unexpected rule %q", rule.Alert)
		}
		if rule.Labels["severity"] != want.severity {
			t.Fatalf("rule %s severity mismatch: %s", rule.Alert, rule.Labels["severity"])
		}
		if rule.Annotations["runbook"] != want.runbook {
			t.Fatalf("rule %s runbook mismatch: %s", rule.Alert, rule.Annotations["runbook"])
		}
		if rule.Annotations["summary"] == "" || rule.Annotations["description"] == "" {
			t.Fatalf("rule %s must include summary and description annotations", rule.Alert)
		}
		if rule.Expr == "" {
			t.Fatalf("rule %s must define an expression", rule.Alert)
		}
		if rule.For == "" {
			t.Fatalf("rule %s must define a hold duration", rule.Alert)
		}
	}
}
