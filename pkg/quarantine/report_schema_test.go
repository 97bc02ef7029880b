package quarantine

import (
	"testing"

	"github.com/aegis-labs/aegis/pkg/fault"
)

func TestParseCorruptionReport_Valid(t *testing.T) {
	raw := []byte(`{
		"by_type": {
			"data_drift": {
				"confidence": "LOW",
				"issues": [
					{"model_name": "orders", "object_id": "42", "description": "drift", "data": {"field": "total"}}
				]
			}
		}
	}`)

	report, err := ParseCorruptionReport(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	finding, ok := report.ByType["data_drift"]
	if !ok {
		t.Fatalf("missing data_drift finding")
	}
	if finding.Confidence != ConfidenceLow || len(finding.Issues) != 1 {
		t.Fatalf("unexpected finding: %+v", finding)
	}
	if finding.Issues[0].Data["field"] != "total" {
		t.Fatalf("issue data lost: %+v", finding.Issues[0])
	}
}

func TestParseCorruptionReport_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"missing by_type", `{"findings": {}}`},
		{"bad confidence", `{"by_type": {"x": {"confidence": "MAYBE", "issues": []}}}`},
		{"missing object_id", `{"by_type": {"x": {"confidence": "LOW", "issues": [{"model_name": "orders"}]}}}`},
		{"empty model_name", `{"by_type": {"x": {"confidence": "LOW", "issues": [{"model_name": "", "object_id": "1"}]}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseCorruptionReport([]byte(tc.raw)); !fault.IsKind(err, fault.KindValidation) {
				t.Fatalf("expected validation fault, got %v", err)
			}
		})
	}
}
