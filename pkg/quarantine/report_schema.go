package quarantine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aegis-labs/aegis/pkg/fault"
)

// corruptionReportSchema validates classifier reports before ingestion.
// A malformed report is rejected wholesale; individual findings are then
// confidence-gated by the System.
const corruptionReportSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["by_type"],
	"properties": {
		"by_type": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["confidence", "issues"],
				"properties": {
					"confidence": {"type": "string", "enum": ["HIGH", "MEDIUM", "LOW"]},
					"issues": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["model_name", "object_id"],
							"properties": {
								"model_name": {"type": "string", "minLength": 1},
								"object_id": {"type": "string", "minLength": 1},
								"description": {"type": "string"},
								"data": {"type": "object"}
							}
						}
					}
				}
			}
		}
	}
}`

var (
	reportSchemaOnce sync.Once
	reportSchema     *jsonschema.Schema
	reportSchemaErr  error
)

func compiledReportSchema() (*jsonschema.Schema, error) {
	reportSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://aegis.schemas.local/quarantine/corruption_report.schema.json"
		if err := c.AddResource(url, strings.NewReader(corruptionReportSchema)); err != nil {
			reportSchemaErr = fmt.Errorf("load corruption report schema: %w", err)
			return
		}
		reportSchema, reportSchemaErr = c.Compile(url)
	})
	return reportSchema, reportSchemaErr
}

// ParseCorruptionReport validates raw JSON against the report schema and
// decodes it. Schema violations surface as validation faults.
func ParseCorruptionReport(raw []byte) (*CorruptionReport, error) {
	schema, err := compiledReportSchema()
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "corruption report is not valid JSON")
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "corruption report failed schema validation")
	}

	var report CorruptionReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "corruption report decode failed")
	}
	return &report, nil
}
